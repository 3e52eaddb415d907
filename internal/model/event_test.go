package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/capitalize-ai/voice-onboarding/internal/stage"
)

func TestEncode_AddsTypeDiscriminator(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		ev   Event
		want map[string]any
	}{
		{ReadyEvent{SessionID: "s1"}, map[string]any{"type": "ready", "sessionId": "s1"}},
		{
			TranscriptEvent{Speaker: SpeakerAgent, Text: "hi", Timestamp: ts, StageID: stage.KYC},
			map[string]any{"type": "transcript", "speaker": "agent", "text": "hi", "timestamp": "2025-01-02T03:04:05Z", "stageId": "KYC"},
		},
		{AgentAudioEvent{Audio: []byte{1, 2, 3}, SampleRate: 24000}, map[string]any{"type": "agent_audio", "audio": "AQID", "sampleRate": float64(24000)}},
		{ErrorEvent{Code: "engine_timeout", Message: "slow"}, map[string]any{"type": "error", "code": "engine_timeout", "message": "slow"}},
	}

	for _, tc := range cases {
		data, err := Encode(tc.ev)
		if err != nil {
			t.Fatalf("encode %T: %v", tc.ev, err)
		}
		var got map[string]any
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%T: got %v want %v", tc.ev, got, tc.want)
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Fatalf("%T field %s: got %v want %v", tc.ev, k, got[k], v)
			}
		}
	}
}

func TestStatus_Monotone(t *testing.T) {
	if !StatusActive.CanTransitionTo(StatusCompleted) || !StatusActive.CanTransitionTo(StatusEnded) {
		t.Fatalf("active must move forward")
	}
	if StatusCompleted.CanTransitionTo(StatusActive) || StatusEnded.CanTransitionTo(StatusCompleted) {
		t.Fatalf("status must never move backward")
	}
}

func TestMessage_Validate(t *testing.T) {
	if err := (&Message{Speaker: SpeakerUser}).Validate(); err != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if err := (&Message{Speaker: "bot", Text: "x"}).Validate(); err == nil {
		t.Fatalf("expected invalid speaker")
	}
	if err := (&Message{Speaker: SpeakerAgent, Audio: []byte{0, 0}}).Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
