package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/voice-onboarding/internal/broadcast"
	"github.com/capitalize-ai/voice-onboarding/internal/engine"
	"github.com/capitalize-ai/voice-onboarding/internal/middleware"
	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/service"
	"github.com/capitalize-ai/voice-onboarding/internal/store"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
)

type testEnv struct {
	server   *httptest.Server
	store    *store.Memory
	auth     *middleware.Authenticator
	sessions *service.SessionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()
	auth := middleware.NewAuthenticator("test-secret", time.Hour)
	hub := broadcast.NewHub(log)
	sessions := service.NewSessionService(st, auth, log)
	voice := service.NewVoiceManager(st, engine.NewStub(), hub, service.VoiceConfig{}, log)

	r := chi.NewRouter()
	r.Get("/voice", NewVoiceHandler(auth, sessions, voice, hub, VoiceConfig{SendBuffer: 16}, log).Serve)
	r.Get("/api/v1/stages", Stages)
	sh := NewSessionHandler(sessions, log)
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", sh.Create)
		r.With(middleware.ServerKey("server-key")).Get("/", sh.List)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Use(middleware.Auth(auth), middleware.RequireSessionOwner("sessionID"))
			r.Get("/", sh.Get)
			r.Get("/messages", sh.Messages)
			r.Post("/messages", sh.AddMessage)
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = voice.Shutdown(ctx)
	})
	return &testEnv{server: srv, store: st, auth: auth, sessions: sessions}
}

func (e *testEnv) createSession(t *testing.T) *model.CreateSessionResponse {
	t.Helper()
	resp, err := e.sessions.Create(context.Background(), &model.CreateSessionRequest{Name: "Asha", Phone: "9999999999"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return resp
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/voice"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func mustDialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustReadJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", mt)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func TestVoice_RejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t)

	for name, url := range map[string]string{
		"missing": env.wsURL(""),
		"invalid": env.wsURL("bogus"),
	} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				t.Fatalf("expected the handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %+v", resp)
			}
		})
	}

	msgs, _ := env.store.ListRecentMessages(context.Background(), created.Session.ID, 10)
	if len(msgs) != 0 {
		t.Fatalf("rejected connections must not create messages")
	}
}

func TestVoice_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.auth.Sign("does-not-exist", "Ghost", "00000000")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(token), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v %+v", err, resp)
	}
}

func TestVoice_AudioRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t)

	header := http.Header{}
	header.Set("X-Session-Token", created.Token)
	conn := mustDialWS(t, env.wsURL(""), header)

	ready := mustReadJSON(t, conn)
	if ready["type"] != "ready" || ready["sessionId"] != created.Session.ID {
		t.Fatalf("unexpected ready event %v", ready)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
		t.Fatalf("write: %v", err)
	}

	transcript := mustReadJSON(t, conn)
	if transcript["type"] != "transcript" || transcript["speaker"] != "agent" || transcript["stageId"] != "INTRO" {
		t.Fatalf("unexpected transcript %v", transcript)
	}
	if transcript["text"] != engine.StubTranscript(640, "Asha") {
		t.Fatalf("unexpected text %v", transcript["text"])
	}

	agentAudio := mustReadJSON(t, conn)
	if agentAudio["type"] != "agent_audio" || agentAudio["sampleRate"] != float64(24000) {
		t.Fatalf("unexpected audio event %v", agentAudio)
	}
	pcm, err := base64.StdEncoding.DecodeString(agentAudio["audio"].(string))
	if err != nil || len(pcm) == 0 || len(pcm)%2 != 0 {
		t.Fatalf("audio payload is not PCM16: %d bytes, %v", len(pcm), err)
	}
}

func TestVoice_MalformedAndTextFrames(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t)
	conn := mustDialWS(t, env.wsURL(created.Token), nil)
	mustReadJSON(t, conn)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := mustReadJSON(t, conn); ev["type"] != "error" || ev["code"] != CodeMalformedAudio {
		t.Fatalf("expected malformed_audio, got %v", ev)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := mustReadJSON(t, conn); ev["type"] != "error" || ev["code"] != CodeUnsupportedFrame {
		t.Fatalf("expected unsupported_frame, got %v", ev)
	}

	msgs, _ := env.store.ListRecentMessages(context.Background(), created.Session.ID, 10)
	if len(msgs) != 0 {
		t.Fatalf("rejected frames must not be persisted, got %d", len(msgs))
	}
}

func TestVoice_EventsReachEveryConnectionOfTheSession(t *testing.T) {
	env := newTestEnv(t)
	mine := env.createSession(t)
	other := env.createSession(t)

	a := mustDialWS(t, env.wsURL(mine.Token), nil)
	b := mustDialWS(t, env.wsURL(mine.Token), nil)
	c := mustDialWS(t, env.wsURL(other.Token), nil)
	for _, conn := range []*websocket.Conn{a, b, c} {
		mustReadJSON(t, conn)
	}

	if err := a.WriteMessage(websocket.BinaryMessage, make([]byte, 32)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		if ev := mustReadJSON(t, conn); ev["type"] != "transcript" {
			t.Fatalf("expected transcript, got %v", ev)
		}
	}

	c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("other session received %s", data)
	}
}
