package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
)

// Memory is an in-process Store used for development and tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	seq           uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

// CreateConversation creates a new session at the initial stage.
func (m *Memory) CreateConversation(ctx context.Context, userName, userPhone string) (*model.Conversation, error) {
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserName:  userName,
		UserPhone: userPhone,
		StageID:   stage.Initial(),
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.conversations[conv.ID] = conv
	m.mu.Unlock()

	out := *conv
	return &out, nil
}

// GetConversation retrieves a session by ID.
func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conv
	return &out, nil
}

// ListConversations returns all sessions, newest first.
func (m *Memory) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]model.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		convs = append(convs, *c)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	return convs, nil
}

// SetConversationStage records the current stage of a session.
func (m *Memory) SetConversationStage(ctx context.Context, id string, stageID stage.ID) error {
	if !stage.Valid(stageID) {
		return fmt.Errorf("unknown stage %q", stageID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.StageID = stageID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// SetConversationStatus moves a session forward in its lifecycle.
func (m *Memory) SetConversationStatus(ctx context.Context, id string, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !conv.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, conv.Status, status)
	}
	conv.Status = status
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateMessage appends a turn message.
func (m *Memory) CreateMessage(ctx context.Context, conversationID string, speaker model.Speaker, text string, audio []byte) (*model.Message, error) {
	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Speaker:        speaker,
		Text:           text,
		Audio:          append([]byte(nil), audio...),
		CreatedAt:      time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	m.seq++
	msg.Sequence = m.seq
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	out := msg
	return &out, nil
}

// ListRecentMessages returns the newest messages, oldest first.
func (m *Memory) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]model.Message, len(all))
	copy(out, all)
	return out, nil
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
