package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
	"github.com/capitalize-ai/voice-onboarding/internal/store"
)

const (
	// StreamName is the name of the onboarding message stream.
	StreamName = "ONBOARDING"

	// SessionBucket is the key-value bucket holding session records.
	SessionBucket = "ONBOARDING_SESSIONS"

	// SubjectPrefix is the prefix for all onboarding subjects.
	SubjectPrefix = "onb"

	fetchBatch = 256
)

// Store implements store.Store on a JetStream stream for turn messages and a
// key-value bucket for session records.
type Store struct {
	client   *Client
	sessions jetstream.KeyValue
}

// NewStore ensures the stream and bucket exist and returns a Store.
func NewStore(ctx context.Context, client *Client) (*Store, error) {
	if err := ensureStream(ctx, client.JetStream()); err != nil {
		return nil, err
	}
	kv, err := ensureBucket(ctx, client.JetStream())
	if err != nil {
		return nil, err
	}
	return &Store{client: client, sessions: kv}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream) error {
	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Onboarding turn messages",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	if kv, err := js.KeyValue(ctx, SessionBucket); err == nil {
		return kv, nil
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      SessionBucket,
		Description: "Onboarding session records",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}
	return kv, nil
}

// MessageSubject returns the subject a turn message is published on.
func MessageSubject(conversationID string, speaker model.Speaker) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, conversationID, speaker)
}

// MessageFilter returns the filter subject for all messages in a conversation.
func MessageFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg.>", SubjectPrefix, conversationID)
}

// Ping reports whether the connection is up.
func (s *Store) Ping(ctx context.Context) error {
	if !s.client.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

// CreateConversation stores a new session record at the initial stage.
func (s *Store) CreateConversation(ctx context.Context, userName, userPhone string) (*model.Conversation, error) {
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

	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if _, err := s.sessions.Create(ctx, conv.ID, data); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return conv, nil
}

func (s *Store) load(ctx context.Context, id string) (*model.Conversation, uint64, error) {
	entry, err := s.sessions.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read session: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, 0, fmt.Errorf("failed to decode session: %w", err)
	}
	return &conv, entry.Revision(), nil
}

// GetConversation retrieves a session by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, _, err := s.load(ctx, id)
	return conv, err
}

// ListConversations returns all sessions, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	keys, err := s.sessions.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []model.Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	convs := make([]model.Conversation, 0, len(keys))
	for _, key := range keys {
		conv, _, err := s.load(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	sortNewestFirst(convs)
	return convs, nil
}

// update applies fn to the stored session using optimistic concurrency.
func (s *Store) update(ctx context.Context, id string, fn func(*model.Conversation) error) error {
	for attempt := 0; attempt < 5; attempt++ {
		conv, rev, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(conv); err != nil {
			return err
		}
		conv.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = s.sessions.Update(ctx, id, data, rev)
		if err == nil {
			return nil
		}
		var apiErr *jetstream.APIError
		if !errors.As(err, &apiErr) || apiErr.ErrorCode != jetstream.JSErrCodeStreamWrongLastSequence {
			return fmt.Errorf("failed to update session: %w", err)
		}
	}
	return fmt.Errorf("failed to update session %s: too many concurrent writers", id)
}

// SetConversationStage records the current stage of a session.
func (s *Store) SetConversationStage(ctx context.Context, id string, stageID stage.ID) error {
	if !stage.Valid(stageID) {
		return fmt.Errorf("unknown stage %q", stageID)
	}
	return s.update(ctx, id, func(conv *model.Conversation) error {
		conv.StageID = stageID
		return nil
	})
}

// SetConversationStatus moves a session forward in its lifecycle.
func (s *Store) SetConversationStatus(ctx context.Context, id string, status model.Status) error {
	return s.update(ctx, id, func(conv *model.Conversation) error {
		if !conv.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s to %s", store.ErrInvalidTransition, conv.Status, status)
		}
		conv.Status = status
		return nil
	})
}

// CreateMessage publishes a turn message to the stream.
func (s *Store) CreateMessage(ctx context.Context, conversationID string, speaker model.Speaker, text string, audio []byte) (*model.Message, error) {
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Speaker:        speaker,
		Text:           text,
		Audio:          audio,
		CreatedAt:      time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := s.load(ctx, conversationID); err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	ack, err := s.client.JetStream().Publish(ctx, MessageSubject(conversationID, speaker), data,
		jetstream.WithMsgID(msg.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	msg.Sequence = ack.Sequence
	return msg, nil
}

// ListRecentMessages replays the conversation subject and keeps the newest limit messages.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	js := s.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     MessageFilter(conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read consumer info: %w", err)
	}
	defer js.DeleteConsumer(context.WithoutCancel(ctx), StreamName, info.Name)
	remaining := int(info.NumPending)

	recent := newRing(limit)
	for remaining > 0 {
		batch, err := consumer.Fetch(min(remaining, fetchBatch), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			var message model.Message
			if err := json.Unmarshal(msg.Data(), &message); err != nil {
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				message.Sequence = meta.Sequence.Stream
			}
			recent.push(message)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
		remaining -= received
	}

	return recent.items(), nil
}
