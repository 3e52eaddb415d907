// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/voice-onboarding/internal/middleware"
	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/service"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
)

// SessionHandler handles session endpoints.
type SessionHandler struct {
	service *service.SessionService
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *service.SessionService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidatePhone(req.Phone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Create(r.Context(), &req)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unable to create session")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/sessions/{sessionID}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.service.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStoreError(w, err, "failed to get session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]*model.Conversation{"session": conv})
}

// Messages handles GET /api/v1/sessions/{sessionID}/messages
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	resp, err := h.service.Messages(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		writeStoreError(w, err, "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// AddMessage handles POST /api/v1/sessions/{sessionID}/messages
func (h *SessionHandler) AddMessage(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessage(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.service.AddMessage(r.Context(), chi.URLParam(r, "sessionID"), &req)
	if err != nil {
		writeStoreError(w, err, "failed to add message")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]*model.Message{"message": msg})
}

// Stages handles GET /api/v1/stages
func Stages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]stage.Definition{"stages": stage.All()})
}
