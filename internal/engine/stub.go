package engine

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/capitalize-ai/voice-onboarding/internal/audio"
)

// Stub is a deterministic engine for development and tests. It never emits a
// stage completion token.
type Stub struct {
	// Delay is waited before the first event.
	Delay time.Duration
}

// NewStub creates a stub engine.
func NewStub() *Stub {
	return &Stub{}
}

// Name returns the engine name.
func (s *Stub) Name() string {
	return "stub"
}

// StubTranscript is the text the stub answers with.
func StubTranscript(n int, userName string) string {
	return fmt.Sprintf("Received %d bytes for %s. Tell me more about your goals.", n, userName)
}

// Stream yields one transcript followed by one synthesized audio event.
func (s *Stub) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return once(func(yield func(Event, error) bool) {
		if s.Delay > 0 {
			timer := time.NewTimer(s.Delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				yield(nil, classify(ctx, s.Name(), ctx.Err()))
				return
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			yield(nil, classify(ctx, s.Name(), err))
			return
		}

		transcript := StubTranscript(len(req.Audio), req.UserName)
		if !yield(Transcript{Text: transcript}, nil) {
			return
		}
		if err := ctx.Err(); err != nil {
			yield(nil, classify(ctx, s.Name(), err))
			return
		}
		yield(Audio{
			Payload:    audio.SynthesizeTone(transcript, audio.OutputSampleRate),
			SampleRate: audio.OutputSampleRate,
		}, nil)
	})
}
