package model

import (
	"encoding/json"
	"time"

	"github.com/capitalize-ai/voice-onboarding/internal/stage"
)

// EventType is the discriminator of an outbound voice event.
type EventType string

const (
	EventTypeReady      EventType = "ready"
	EventTypeTranscript EventType = "transcript"
	EventTypeAgentAudio EventType = "agent_audio"
	EventTypeError      EventType = "error"
)

// Event is a message delivered to voice clients.
type Event interface {
	EventType() EventType
}

// Encode serializes an event into a JSON frame.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// ReadyEvent is sent once a connection is bound to its session.
type ReadyEvent struct {
	SessionID string `json:"sessionId"`
}

func (ReadyEvent) EventType() EventType { return EventTypeReady }

func (e ReadyEvent) MarshalJSON() ([]byte, error) {
	type alias ReadyEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventTypeReady, alias(e)})
}

// TranscriptEvent carries one piece of spoken text.
type TranscriptEvent struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	StageID   stage.ID  `json:"stageId,omitempty"`
}

func (TranscriptEvent) EventType() EventType { return EventTypeTranscript }

func (e TranscriptEvent) MarshalJSON() ([]byte, error) {
	type alias TranscriptEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventTypeTranscript, alias(e)})
}

// AgentAudioEvent carries synthesized PCM16 audio.
type AgentAudioEvent struct {
	Audio      []byte `json:"audio"`
	SampleRate int    `json:"sampleRate"`
}

func (AgentAudioEvent) EventType() EventType { return EventTypeAgentAudio }

func (e AgentAudioEvent) MarshalJSON() ([]byte, error) {
	type alias AgentAudioEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventTypeAgentAudio, alias(e)})
}

// ErrorEvent reports a round- or frame-scoped failure.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorEvent) EventType() EventType { return EventTypeError }

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type alias ErrorEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventTypeError, alias(e)})
}
