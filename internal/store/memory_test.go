package store

import (
	"context"
	"errors"
	"testing"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
)

func TestMemory_ConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	conv, err := s.CreateConversation(ctx, "Asha", "9999999999")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.StageID != stage.Intro || conv.Status != model.StatusActive {
		t.Fatalf("unexpected initial state %+v", conv)
	}

	if err := s.SetConversationStage(ctx, conv.ID, stage.KYC); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if err := s.SetConversationStage(ctx, conv.ID, "BOGUS"); err == nil {
		t.Fatalf("expected unknown stage to be rejected")
	}
	if err := s.SetConversationStatus(ctx, conv.ID, model.StatusCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := s.SetConversationStatus(ctx, conv.ID, model.StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StageID != stage.KYC || got.Status != model.StatusCompleted {
		t.Fatalf("unexpected state %+v", got)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_ListRecentMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	conv, _ := s.CreateConversation(ctx, "Ravi", "8888888888")

	for _, text := range []string{"a", "b", "c", "d"} {
		if _, err := s.CreateMessage(ctx, conv.ID, model.SpeakerUser, text, nil); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	msgs, err := s.ListRecentMessages(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "c" || msgs[1].Text != "d" {
		t.Fatalf("expected newest two oldest-first, got %+v", msgs)
	}
	if msgs[0].Sequence >= msgs[1].Sequence {
		t.Fatalf("sequence must increase")
	}
}

func TestMemory_CreateMessageValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	conv, _ := s.CreateConversation(ctx, "Ravi", "8888888888")

	if _, err := s.CreateMessage(ctx, conv.ID, model.SpeakerAgent, "", nil); !errors.Is(err, model.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := s.CreateMessage(ctx, "missing", model.SpeakerUser, "hi", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	audio := []byte{1, 2}
	msg, err := s.CreateMessage(ctx, conv.ID, model.SpeakerUser, "", audio)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	audio[0] = 9
	if msg.Audio[0] != 1 {
		t.Fatalf("store must copy audio payloads")
	}
}
