// Package service provides business logic for the voice onboarding platform.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/store"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
	"github.com/capitalize-ai/voice-onboarding/pkg/metrics"
)

// TokenSigner issues session tokens.
type TokenSigner interface {
	Sign(sessionID, userName, userPhone string) (string, error)
}

// SessionService handles session lifecycle operations.
type SessionService struct {
	store  store.Store
	signer TokenSigner
	logger *logger.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(st store.Store, signer TokenSigner, log *logger.Logger) *SessionService {
	return &SessionService{
		store:  st,
		signer: signer,
		logger: log,
	}
}

// Create starts a new onboarding session and signs its voice token.
func (s *SessionService) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.CreateSessionResponse, error) {
	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)

	conv, err := s.store.CreateConversation(ctx, name, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	token, err := s.signer.Sign(conv.ID, conv.UserName, conv.UserPhone)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	metrics.SessionsTotal.Inc()
	s.logger.Info("Session created",
		zap.String("session_id", conv.ID),
		zap.String("stage", string(conv.StageID)),
	)

	return &model.CreateSessionResponse{Session: conv, Token: token}, nil
}

// Get retrieves a session by ID.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, sessionID)
}

// List returns all sessions, newest first.
func (s *SessionService) List(ctx context.Context) (*model.ListSessionsResponse, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &model.ListSessionsResponse{Sessions: convs, Total: len(convs)}, nil
}

// Messages returns up to limit of the most recent messages, oldest first.
func (s *SessionService) Messages(ctx context.Context, sessionID string, limit int) (*model.ListMessagesResponse, error) {
	if _, err := s.store.GetConversation(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListRecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.ListMessagesResponse{Messages: msgs}, nil
}

// AddMessage appends a text turn outside the voice channel.
func (s *SessionService) AddMessage(ctx context.Context, sessionID string, req *model.CreateMessageRequest) (*model.Message, error) {
	msg, err := s.store.CreateMessage(ctx, sessionID, req.Speaker, req.Text, nil)
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(string(req.Speaker)).Inc()
	return msg, nil
}
