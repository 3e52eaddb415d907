package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
)

// Config selects and configures an engine.
type Config struct {
	Mock         bool
	GeminiAPIKey string
	GeminiModel  string
}

// New returns the Gemini engine when an API key is set and mock mode is off,
// and the stub otherwise.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Engine, error) {
	if cfg.Mock || cfg.GeminiAPIKey == "" {
		log.Info("Using stub dialogue engine")
		return NewStub(), nil
	}
	g, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
	if err != nil {
		return nil, err
	}
	log.Info("Using Gemini dialogue engine", zap.String("model", g.model))
	return g, nil
}
