package model

import (
	"errors"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Valid reports whether s is a known speaker.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAgent
}

// ErrEmptyMessage is returned for a turn with neither text nor audio.
var ErrEmptyMessage = errors.New("message must carry text or audio")

// Message is one durable utterance in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"session_id"`
	Speaker        Speaker   `json:"speaker"`
	Text           string    `json:"text,omitempty"`
	Audio          []byte    `json:"audio,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Sequence is the backend ordering key, populated on read.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Validate checks the message invariants.
func (m *Message) Validate() error {
	if !m.Speaker.Valid() {
		return errors.New("invalid speaker")
	}
	if m.Text == "" && len(m.Audio) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

// CreateMessageRequest is the request to append a text turn.
type CreateMessageRequest struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}
