// Package audio provides linear PCM framing helpers for the voice pipeline.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// InputSampleRate is the sample rate of client microphone frames.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of synthesized agent audio.
	OutputSampleRate = 24000

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2
)

// MalformedAudioError is returned when a buffer does not hold whole PCM16 frames.
type MalformedAudioError struct {
	Length   int
	Channels int
}

func (e *MalformedAudioError) Error() string {
	return fmt.Sprintf("malformed pcm16 audio: %d bytes is not a multiple of %d", e.Length, BytesPerSample*e.Channels)
}

// EncodePCM16 converts float samples to little-endian 16-bit PCM.
//
// Samples are clamped to [-1, 1]. Negative values scale by 32768 and
// non-negative values by 32767, so -1 maps to -32768 and 1 to 32767.
// NaN carries no signal and is written as 0.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// DecodePCM16 converts interleaved little-endian PCM16 into one float slice per channel.
func DecodePCM16(buf []byte, sampleRate, channels int) ([][]float32, error) {
	if err := ValidatePCM16(buf, channels); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	frames := len(buf) / (BytesPerSample * channels)
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * BytesPerSample
			v := int16(binary.LittleEndian.Uint16(buf[off:]))
			out[c][i] = float32(v) / 0x8000
		}
	}
	return out, nil
}

// ValidatePCM16 checks that buf holds whole interleaved frames.
func ValidatePCM16(buf []byte, channels int) error {
	if channels < 1 || len(buf)%(BytesPerSample*channels) != 0 {
		return &MalformedAudioError{Length: len(buf), Channels: max(channels, 1)}
	}
	return nil
}

// Concat merges chunks into one buffer, preserving byte order.
func Concat(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Duration reports the playback length in seconds of a mono PCM16 buffer.
func Duration(buf []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(buf)/BytesPerSample) / float64(sampleRate)
}

// SynthesizeTone renders a frequency-swept sine tone derived from seedText.
//
// The tone lasts len(seedText)/15 seconds, clamped to [1, 5]. Its base
// frequency is 400 + len(seedText)%200 Hz with a ±200 Hz sweep over one full
// period of the buffer. Output is mono PCM16 and identical for identical input.
func SynthesizeTone(seedText string, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = OutputSampleRate
	}
	n := len(seedText)
	seconds := math.Max(1, math.Min(5, float64(n)/15))
	total := int(math.Floor(seconds * float64(sampleRate)))
	base := 400 + float64(n%200)

	out := make([]byte, total*BytesPerSample)
	for i := 0; i < total; i++ {
		progress := float64(i) / float64(total)
		freq := base + 200*math.Sin(progress*math.Pi*2)
		sample := math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(sample*0x7fff)))
	}
	return out
}
