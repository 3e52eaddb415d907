package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/voice-onboarding/internal/audio"
	"github.com/capitalize-ai/voice-onboarding/internal/engine"
	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
	"github.com/capitalize-ai/voice-onboarding/internal/store"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
	"github.com/capitalize-ai/voice-onboarding/pkg/metrics"
	"github.com/capitalize-ai/voice-onboarding/pkg/tracing"
)

// Error codes published to voice clients.
const (
	CodeEngineTimeout    = "engine_timeout"
	CodeEngineError      = "engine_error"
	CodePersistenceError = "persistence_error"
)

// ErrManagerClosed is returned by Ingest after Shutdown.
var ErrManagerClosed = errors.New("voice manager is shut down")

// PersistenceError reports a failed read or write against the store.
type PersistenceError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s for session %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Publisher delivers events to the connections bound to a conversation.
type Publisher interface {
	Publish(conversationID string, ev model.Event)
}

// VoiceConfig tunes generation rounds.
type VoiceConfig struct {
	EngineTimeout time.Duration
	HistoryLimit  int
}

type conversationContext struct {
	mu         sync.Mutex
	pending    [][]byte
	processing bool
	released   bool
}

// VoiceManager buffers incoming audio per conversation and runs at most one
// generation round per conversation at a time.
type VoiceManager struct {
	store     store.Store
	engine    engine.Engine
	publisher Publisher
	cfg       VoiceConfig
	logger    *logger.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	contexts map[string]*conversationContext
	closed   bool
}

// NewVoiceManager creates a manager. Rounds run on the manager's own
// lifetime, independent of the connection that delivered the audio.
func NewVoiceManager(st store.Store, eng engine.Engine, pub Publisher, cfg VoiceConfig, log *logger.Logger) *VoiceManager {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &VoiceManager{
		store:     st,
		engine:    eng,
		publisher: pub,
		cfg:       cfg,
		logger:    log,
		tracer:    tracing.Tracer("voice-onboarding/service"),
		ctx:       ctx,
		cancel:    cancel,
		contexts:  make(map[string]*conversationContext),
	}
}

// Ingest records a user audio chunk and schedules it for generation.
//
// The chunk is persisted before it is queued. If persistence fails the chunk
// is dropped and a *PersistenceError is returned.
func (m *VoiceManager) Ingest(ctx context.Context, conversationID string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrManagerClosed
	}

	if _, err := m.store.CreateMessage(ctx, conversationID, model.SpeakerUser, "", chunk); err != nil {
		return &PersistenceError{Op: "persist user audio", ConversationID: conversationID, Err: err}
	}
	metrics.RecordChunk(len(chunk))
	metrics.MessagesTotal.WithLabelValues(string(model.SpeakerUser)).Inc()

	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}

	cc, ok := m.contexts[conversationID]
	if !ok {
		cc = &conversationContext{}
		m.contexts[conversationID] = cc
	}

	cc.mu.Lock()
	cc.pending = append(cc.pending, buf)
	cc.released = false
	start := !cc.processing
	if start {
		cc.processing = true
		m.wg.Add(1)
	}
	cc.mu.Unlock()

	if start {
		go m.run(conversationID, cc)
	}
	return nil
}

// Release discards the conversation's buffering state. A running round and
// the chunks queued behind it finish first. Chunks left over from a failed
// round are dropped; they are already persisted.
func (m *VoiceManager) Release(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cc, ok := m.contexts[conversationID]
	if !ok {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if !cc.processing {
		cc.pending = nil
		delete(m.contexts, conversationID)
		return
	}
	cc.released = true
}

// Shutdown stops accepting audio, cancels in-flight rounds and waits for the
// processing loops to exit.
func (m *VoiceManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *VoiceManager) tracked(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[conversationID]
	return ok
}

func (m *VoiceManager) forget(conversationID string, cc *conversationContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if m.contexts[conversationID] == cc && cc.released && !cc.processing && len(cc.pending) == 0 {
		delete(m.contexts, conversationID)
	}
}

// run drains the queue one round at a time until it is empty or a round fails.
func (m *VoiceManager) run(conversationID string, cc *conversationContext) {
	defer m.wg.Done()
	log := m.logger.WithSession(conversationID)

	for {
		cc.mu.Lock()
		if len(cc.pending) == 0 || m.ctx.Err() != nil {
			cc.processing = false
			cc.mu.Unlock()
			m.forget(conversationID, cc)
			return
		}
		chunks := cc.pending
		cc.pending = nil
		cc.mu.Unlock()

		if err := m.round(conversationID, audio.Concat(chunks), log); err != nil {
			m.fail(conversationID, err, log)

			cc.mu.Lock()
			cc.processing = false
			cc.mu.Unlock()
			m.forget(conversationID, cc)
			return
		}
	}
}

func (m *VoiceManager) round(conversationID string, utterance []byte, log *logger.Logger) (err error) {
	start := time.Now()
	ctx, span := m.tracer.Start(m.ctx, "voice.round", trace.WithAttributes(
		attribute.String("session.id", conversationID),
		attribute.Int("audio.bytes", len(utterance)),
		attribute.String("engine", m.engine.Name()),
	))
	defer func() {
		status := "ok"
		if err != nil {
			status = errorCode(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
		span.End()
		metrics.RecordRound(m.engine.Name(), status, time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.EngineTimeout)
	defer cancel()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return &PersistenceError{Op: "load session", ConversationID: conversationID, Err: err}
	}
	history, err := m.store.ListRecentMessages(ctx, conversationID, m.cfg.HistoryLimit)
	if err != nil {
		return &PersistenceError{Op: "load history", ConversationID: conversationID, Err: err}
	}
	span.SetAttributes(attribute.String("stage.from", string(conv.StageID)))

	current := conv.StageID
	req := engine.Request{
		ConversationID: conversationID,
		UserName:       conv.UserName,
		Stage:          current,
		Audio:          utterance,
		History:        history,
	}

	for ev, err := range m.engine.Stream(ctx, req) {
		if err != nil {
			return m.engineError(ctx, err)
		}
		switch ev := ev.(type) {
		case engine.Transcript:
			metrics.EngineEventsTotal.WithLabelValues("transcript").Inc()
			next, terr := m.applyTranscript(ctx, conversationID, current, ev.Text, log)
			if terr != nil {
				return terr
			}
			current = next
		case engine.Audio:
			metrics.EngineEventsTotal.WithLabelValues("audio").Inc()
			if aerr := m.applyAudio(ctx, conversationID, ev); aerr != nil {
				return aerr
			}
		}
	}
	span.SetAttributes(attribute.String("stage.to", string(current)))
	return nil
}

func (m *VoiceManager) applyTranscript(ctx context.Context, conversationID string, current stage.ID, text string, log *logger.Logger) (stage.ID, error) {
	tr, err := stage.Advance(current, text)
	if err != nil {
		var unknown *stage.UnknownSignalError
		if !errors.As(err, &unknown) {
			return current, err
		}
		log.Warn("Ignoring unknown stage signal",
			zap.String("stage", string(current)),
			zap.String("signal", unknown.Signal),
		)
	}

	timestamp := time.Now().UTC()
	if tr.Text != "" {
		msg, err := m.store.CreateMessage(ctx, conversationID, model.SpeakerAgent, tr.Text, nil)
		if err != nil {
			return current, &PersistenceError{Op: "persist agent transcript", ConversationID: conversationID, Err: err}
		}
		timestamp = msg.CreatedAt
		metrics.MessagesTotal.WithLabelValues(string(model.SpeakerAgent)).Inc()
	}

	if tr.Changed {
		if err := m.store.SetConversationStage(ctx, conversationID, tr.To); err != nil {
			return current, &PersistenceError{Op: "update stage", ConversationID: conversationID, Err: err}
		}
		metrics.StageTransitionsTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()
		log.Info("Stage advanced",
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
		)

		if tr.To == stage.Terminal() {
			err := m.store.SetConversationStatus(ctx, conversationID, model.StatusCompleted)
			switch {
			case errors.Is(err, store.ErrInvalidTransition):
				log.Warn("Session already closed, keeping status", zap.Error(err))
			case err != nil:
				return tr.To, &PersistenceError{Op: "complete session", ConversationID: conversationID, Err: err}
			}
		}
	}

	m.publisher.Publish(conversationID, model.TranscriptEvent{
		Speaker:   model.SpeakerAgent,
		Text:      tr.Text,
		Timestamp: timestamp,
		StageID:   tr.To,
	})
	return tr.To, nil
}

func (m *VoiceManager) applyAudio(ctx context.Context, conversationID string, ev engine.Audio) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	if _, err := m.store.CreateMessage(ctx, conversationID, model.SpeakerAgent, "", ev.Payload); err != nil {
		return &PersistenceError{Op: "persist agent audio", ConversationID: conversationID, Err: err}
	}
	metrics.MessagesTotal.WithLabelValues(string(model.SpeakerAgent)).Inc()

	rate := ev.SampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	m.publisher.Publish(conversationID, model.AgentAudioEvent{
		Audio:      ev.Payload,
		SampleRate: rate,
	})
	return nil
}

// engineError normalises a stream error into the engine error types.
func (m *VoiceManager) engineError(ctx context.Context, err error) error {
	var timeout *engine.TimeoutError
	if errors.As(err, &timeout) {
		if timeout.Timeout == 0 {
			timeout.Timeout = m.cfg.EngineTimeout
		}
		return timeout
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &engine.TimeoutError{Engine: m.engine.Name(), Timeout: m.cfg.EngineTimeout}
	}
	var invocation *engine.InvocationError
	if errors.As(err, &invocation) {
		return err
	}
	return &engine.InvocationError{Engine: m.engine.Name(), Err: err}
}

func (m *VoiceManager) fail(conversationID string, err error, log *logger.Logger) {
	if m.ctx.Err() != nil {
		log.Info("Generation round cancelled by shutdown", zap.Error(err))
		return
	}

	code := errorCode(err)
	log.Error("Generation round failed",
		zap.String("code", code),
		zap.Error(err),
	)
	m.publisher.Publish(conversationID, model.ErrorEvent{
		Code:    code,
		Message: errorMessage(code),
	})
}

func errorCode(err error) string {
	var (
		timeout     *engine.TimeoutError
		persistence *PersistenceError
	)
	switch {
	case errors.As(err, &timeout):
		return CodeEngineTimeout
	case errors.As(err, &persistence):
		return CodePersistenceError
	default:
		return CodeEngineError
	}
}

func errorMessage(code string) string {
	switch code {
	case CodeEngineTimeout:
		return "The assistant took too long to respond. Please try again."
	case CodePersistenceError:
		return "Your conversation could not be saved. Please try again."
	default:
		return "The assistant could not respond. Please try again."
	}
}
