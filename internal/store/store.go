// Package store defines the persistence boundary for sessions and turn messages.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// ErrInvalidTransition is returned when a status change would move backward.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store persists conversations and their turn messages.
type Store interface {
	CreateConversation(ctx context.Context, userName, userPhone string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	SetConversationStage(ctx context.Context, id string, stageID stage.ID) error
	SetConversationStatus(ctx context.Context, id string, status model.Status) error

	CreateMessage(ctx context.Context, conversationID string, speaker model.Speaker, text string, audio []byte) (*model.Message, error)
	// ListRecentMessages returns at most limit of the newest messages, oldest first.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)

	Ping(ctx context.Context) error
}
