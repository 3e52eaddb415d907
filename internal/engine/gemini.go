package engine

import (
	"context"
	"errors"
	"iter"
	"mime"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/capitalize-ai/voice-onboarding/internal/audio"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Gemini streams responses from the Gemini API.
type Gemini struct {
	model    string
	generate generateFunc
	log      *logger.Logger
}

// NewGemini creates a Gemini engine.
func NewGemini(ctx context.Context, apiKey, model string, log *logger.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("Gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return newGemini(client.Models.GenerateContentStream, model, log), nil
}

func newGemini(generate generateFunc, model string, log *logger.Logger) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Gemini{model: model, generate: generate, log: log}
}

// Name returns the engine name.
func (g *Gemini) Name() string {
	return "gemini"
}

// Stream sends the utterance with the stage prompt and yields text and audio
// in arrival order.
//
// Streamed text fragments are buffered into a single Transcript, emitted
// before the next audio part or once the stream completes, so stage tokens
// are never split. Text buffered when the backend fails is discarded.
func (g *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return once(func(yield func(Event, error) bool) {
		config := &genai.GenerateContentConfig{
			SystemInstruction:  genai.NewContentFromText(BuildPrompt(req.UserName, req.Stage, req.History), genai.RoleUser),
			Temperature:        genai.Ptr[float32](0.7),
			TopP:               genai.Ptr[float32](0.95),
			ResponseModalities: []string{"TEXT", "AUDIO"},
		}
		contents := []*genai.Content{
			genai.NewContentFromParts([]*genai.Part{
				genai.NewPartFromBytes(req.Audio, "audio/pcm;rate="+strconv.Itoa(audio.InputSampleRate)),
			}, genai.RoleUser),
		}

		var text strings.Builder
		flush := func() bool {
			if text.Len() == 0 {
				return true
			}
			tr := Transcript{Text: text.String()}
			text.Reset()
			return yield(tr, nil)
		}

		for resp, err := range g.generate(ctx, g.model, contents, config) {
			if err != nil {
				yield(nil, classify(ctx, g.Name(), err))
				return
			}
			for _, part := range parts(resp) {
				switch {
				case part.Thought:
				case part.Text != "":
					text.WriteString(part.Text)
				case part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/pcm"):
					if !flush() {
						return
					}
					if !yield(Audio{
						Payload:    part.InlineData.Data,
						SampleRate: sampleRate(part.InlineData.MIMEType),
					}, nil) {
						return
					}
				case part.InlineData != nil:
					g.log.Debug("Ignoring inline part",
						zap.String("mime_type", part.InlineData.MIMEType),
					)
				}
			}
		}
		if err := ctx.Err(); err != nil {
			yield(nil, classify(ctx, g.Name(), err))
			return
		}
		flush()
	})
}

// parts flattens the content parts of every candidate in resp.
func parts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil {
		return nil
	}
	var out []*genai.Part
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil {
				out = append(out, part)
			}
		}
	}
	return out
}

func sampleRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err == nil {
		if rate, err := strconv.Atoi(params["rate"]); err == nil && rate > 0 {
			return rate
		}
	}
	return audio.OutputSampleRate
}
