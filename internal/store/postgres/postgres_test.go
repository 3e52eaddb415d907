package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
	"github.com/capitalize-ai/voice-onboarding/internal/store"
)

// Set TEST_DATABASE_URL to run against a disposable database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_SessionAndMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "Asha", "9999999999")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.StageID != stage.Intro || conv.Status != model.StatusActive {
		t.Fatalf("unexpected initial state %+v", conv)
	}

	if err := s.SetConversationStage(ctx, conv.ID, stage.NBFC); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if err := s.SetConversationStatus(ctx, conv.ID, model.StatusEnded); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := s.SetConversationStatus(ctx, conv.ID, model.StatusActive); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	for _, text := range []string{"one", "two", "three"} {
		if _, err := s.CreateMessage(ctx, conv.ID, model.SpeakerAgent, text, nil); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
	if _, err := s.CreateMessage(ctx, conv.ID, model.SpeakerUser, "", []byte{0, 1}); err != nil {
		t.Fatalf("create audio message: %v", err)
	}

	msgs, err := s.ListRecentMessages(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "three" || len(msgs[1].Audio) != 2 {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.CreateMessage(ctx, "missing", model.SpeakerUser, "hi", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
