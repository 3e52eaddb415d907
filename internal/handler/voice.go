package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/voice-onboarding/internal/audio"
	"github.com/capitalize-ai/voice-onboarding/internal/broadcast"
	"github.com/capitalize-ai/voice-onboarding/internal/middleware"
	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/service"
	"github.com/capitalize-ai/voice-onboarding/internal/store"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
	"github.com/capitalize-ai/voice-onboarding/pkg/metrics"
)

// Error codes sent to a single voice connection.
const (
	CodeMalformedAudio   = "malformed_audio"
	CodeUnsupportedFrame = "unsupported_frame"
)

// VoiceConfig tunes the voice gateway.
type VoiceConfig struct {
	MaxFrameBytes  int64
	SendBuffer     int
	AllowedOrigins []string
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
}

func (c *VoiceConfig) defaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// VoiceHandler serves the real-time voice WebSocket.
type VoiceHandler struct {
	auth     *middleware.Authenticator
	sessions *service.SessionService
	voice    *service.VoiceManager
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	cfg      VoiceConfig
	logger   *logger.Logger
}

// NewVoiceHandler creates a new voice handler.
func NewVoiceHandler(
	auth *middleware.Authenticator,
	sessions *service.SessionService,
	voice *service.VoiceManager,
	hub *broadcast.Hub,
	cfg VoiceConfig,
	log *logger.Logger,
) *VoiceHandler {
	cfg.defaults()
	h := &VoiceHandler{
		auth:     auth,
		sessions: sessions,
		voice:    voice,
		hub:      hub,
		cfg:      cfg,
		logger:   log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *VoiceHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Serve handles GET /voice
//
// The session token is verified before the upgrade. Binary frames carry
// PCM16LE mono 16 kHz audio. Events for the session are written back as JSON
// text frames.
func (h *VoiceHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := h.auth.Verify(middleware.TokenFromRequest(r))
	if err != nil {
		var authErr *middleware.AuthenticationError
		if errors.As(err, &authErr) {
			writeError(w, http.StatusUnauthorized, authErr.Reason)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conv, err := h.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("failed to load session for voice", zap.String("session_id", claims.SessionID), zap.Error(err))
		}
		writeStoreError(w, err, "failed to load session")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("voice upgrade failed", zap.String("session_id", conv.ID), zap.Error(err))
		return
	}

	log := h.logger.WithSession(conv.ID)
	client := broadcast.NewClient(h.cfg.SendBuffer)
	client.SendEvent(model.ReadyEvent{SessionID: conv.ID})
	h.hub.Join(conv.ID, client)

	metrics.IncrementVoiceConnections()
	log.Info("voice connected", zap.String("remote_addr", r.RemoteAddr))

	done := make(chan struct{})
	go h.writePump(conn, client, done)
	h.readPump(r, conn, client, conv.ID, log)

	last := h.hub.Leave(conv.ID, client)
	client.Close()
	<-done
	if last {
		h.voice.Release(conv.ID)
	}

	metrics.DecrementVoiceConnections()
	log.Info("voice disconnected", zap.Bool("slow_consumer", client.Overflowed()))
}

func (h *VoiceHandler) readPump(r *http.Request, conn *websocket.Conn, client *broadcast.Client, conversationID string, log *logger.Logger) {
	conn.SetReadLimit(h.cfg.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("voice read ended", zap.Error(err))
			}
			return
		}

		select {
		case <-client.Done():
			return
		default:
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := audio.ValidatePCM16(data, 1); err != nil {
				client.SendEvent(model.ErrorEvent{Code: CodeMalformedAudio, Message: err.Error()})
				continue
			}
			if err := h.voice.Ingest(r.Context(), conversationID, data); err != nil {
				log.Error("failed to ingest audio", zap.Int("bytes", len(data)), zap.Error(err))
				client.SendEvent(model.ErrorEvent{
					Code:    service.CodePersistenceError,
					Message: "Your audio could not be saved. Please try again.",
				})
			}
		default:
			client.SendEvent(model.ErrorEvent{
				Code:    CodeUnsupportedFrame,
				Message: "send audio as binary PCM16 frames",
			})
		}
	}
}

func (h *VoiceHandler) writePump(conn *websocket.Conn, client *broadcast.Client, done chan<- struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()

	for {
		select {
		case frame := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				client.Close()
				return
			}
		case <-client.Done():
			code, reason := websocket.CloseNormalClosure, ""
			if client.Overflowed() {
				code, reason = websocket.ClosePolicyViolation, "slow consumer"
			}
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}
