// Package model defines data structures for the voice onboarding platform.
package model

import (
	"time"

	"github.com/capitalize-ai/voice-onboarding/internal/stage"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusEnded     Status = "ended"
)

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotone.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusActive && (next == StatusCompleted || next == StatusEnded)
}

// Conversation is one user's onboarding session.
type Conversation struct {
	ID        string            `json:"id"`
	UserName  string            `json:"user_name"`
	UserPhone string            `json:"user_phone"`
	StageID   stage.ID          `json:"current_stage_id"`
	Status    Status            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CreateSessionRequest is the request to start a new onboarding session.
type CreateSessionRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// CreateSessionResponse carries the new session and its voice token.
type CreateSessionResponse struct {
	Session *Conversation `json:"session"`
	Token   string        `json:"token"`
}

// ListSessionsResponse is the response for listing sessions.
type ListSessionsResponse struct {
	Sessions []Conversation `json:"sessions"`
	Total    int            `json:"total"`
}
