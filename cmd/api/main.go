// Package main is the entry point for the voice onboarding server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/voice-onboarding/internal/broadcast"
	"github.com/capitalize-ai/voice-onboarding/internal/config"
	"github.com/capitalize-ai/voice-onboarding/internal/engine"
	"github.com/capitalize-ai/voice-onboarding/internal/handler"
	"github.com/capitalize-ai/voice-onboarding/internal/middleware"
	natsstore "github.com/capitalize-ai/voice-onboarding/internal/nats"
	"github.com/capitalize-ai/voice-onboarding/internal/service"
	"github.com/capitalize-ai/voice-onboarding/internal/store"
	"github.com/capitalize-ai/voice-onboarding/internal/store/postgres"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
	"github.com/capitalize-ai/voice-onboarding/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting voice onboarding server", zap.String("store", cfg.StoreBackend))

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "voice-onboarding", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer closeStore()

	eng, err := engine.New(ctx, engine.Config{
		Mock:         cfg.MockEngine,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
	}, log)
	if err != nil {
		log.Error("failed to create dialogue engine", zap.Error(err))
		os.Exit(1)
	}

	// Initialize services
	auth := middleware.NewAuthenticator(cfg.JWTSecret, cfg.JWTExpiration)
	hub := broadcast.NewHub(log)
	sessionSvc := service.NewSessionService(st, auth, log)
	voiceSvc := service.NewVoiceManager(st, eng, hub, service.VoiceConfig{
		EngineTimeout: cfg.EngineTimeout,
		HistoryLimit:  cfg.HistoryLimit,
	}, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(st)
	sessionHandler := handler.NewSessionHandler(sessionSvc, log)
	voiceHandler := handler.NewVoiceHandler(auth, sessionSvc, voiceSvc, hub, handler.VoiceConfig{
		MaxFrameBytes:  cfg.VoiceMaxFrameBytes,
		SendBuffer:     cfg.VoiceSendBuffer,
		AllowedOrigins: cfg.ClientOrigins,
	}, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.ClientOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Voice transport authenticates with the session token before upgrading
	r.Get("/voice", voiceHandler.Serve)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stages", handler.Stages)

		r.Route("/sessions", func(r chi.Router) {
			r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).Post("/", sessionHandler.Create)
			r.With(middleware.ServerKey(cfg.ServerAPIKey)).Get("/", sessionHandler.List)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Use(middleware.Auth(auth))
				r.Use(middleware.RequireSessionOwner("sessionID"))
				r.Use(middleware.SessionRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

				r.Get("/", sessionHandler.Get)
				r.Get("/messages", sessionHandler.Messages)
				r.Post("/messages", sessionHandler.AddMessage)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := voiceSvc.Shutdown(shutdownCtx); err != nil {
		log.Warn("voice rounds still running at shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// openStore connects the configured persistence backend.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("using in-memory store, sessions are lost on restart")
		return store.NewMemory(), func() {}, nil

	case config.StoreNATS:
		client, err := natsstore.Connect(ctx, natsstore.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		st, err := natsstore.NewStore(ctx, client)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return st, client.Close, nil

	case config.StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
