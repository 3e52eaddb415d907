package engine

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/capitalize-ai/voice-onboarding/internal/audio"
	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
)

func collect(t *testing.T, seq iter.Seq2[Event, error]) ([]Event, error) {
	t.Helper()
	var events []Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestStub_TranscriptThenAudio(t *testing.T) {
	req := Request{ConversationID: "c1", UserName: "Asha", Stage: stage.Intro, Audio: make([]byte, 320)}
	events, err := collect(t, NewStub().Stream(context.Background(), req))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	tr, ok := events[0].(Transcript)
	if !ok {
		t.Fatalf("first event is %T", events[0])
	}
	want := "Received 320 bytes for Asha. Tell me more about your goals."
	if tr.Text != want {
		t.Fatalf("transcript: got %q want %q", tr.Text, want)
	}

	au, ok := events[1].(Audio)
	if !ok {
		t.Fatalf("second event is %T", events[1])
	}
	if au.SampleRate != audio.OutputSampleRate {
		t.Fatalf("sample rate %d", au.SampleRate)
	}
	if !bytes.Equal(au.Payload, audio.SynthesizeTone(want, audio.OutputSampleRate)) {
		t.Fatalf("audio is not the tone derived from the transcript")
	}
}

func TestStub_SecondIterationFails(t *testing.T) {
	seq := NewStub().Stream(context.Background(), Request{UserName: "x", Audio: []byte{0, 0}})
	if _, err := collect(t, seq); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if _, err := collect(t, seq); !errors.Is(err, ErrStreamConsumed) {
		t.Fatalf("expected ErrStreamConsumed, got %v", err)
	}
}

func TestStub_DeadlineIsTimeoutError(t *testing.T) {
	stub := &Stub{Delay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	events, err := collect(t, stub.Stream(ctx, Request{UserName: "x"}))
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events before timeout, got %d", len(events))
	}
}

func TestStub_EarlyBreak(t *testing.T) {
	n := 0
	for range NewStub().Stream(context.Background(), Request{UserName: "x"}) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}

func fakeGenerate(resps []*genai.GenerateContentResponse, failWith error, captured *[]*genai.Content, cfg **genai.GenerateContentConfig) generateFunc {
	return func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		if captured != nil {
			*captured = contents
		}
		if cfg != nil {
			*cfg = config
		}
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, r := range resps {
				if !yield(r, nil) {
					return
				}
			}
			if failWith != nil {
				yield(nil, failWith)
			}
		}
	}
}

func response(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}},
	}
}

func TestGemini_DemultiplexesInOrder(t *testing.T) {
	var contents []*genai.Content
	var config *genai.GenerateContentConfig
	g := newGemini(fakeGenerate([]*genai.GenerateContentResponse{
		response(genai.NewPartFromText("Hello ")),
		response(genai.NewPartFromBytes([]byte{1, 2, 3, 4}, "audio/pcm;rate=24000")),
		response(
			genai.NewPartFromText("there [STAGE_COMPLETE:PROGRAM_VALUE_L1]"),
			genai.NewPartFromBytes([]byte{9}, "image/png"),
		),
	}, nil, &contents, &config), "", logger.NewNop())

	req := Request{UserName: "Ravi", Stage: stage.Intro, Audio: []byte{5, 6}}
	events, err := collect(t, g.Stream(context.Background(), req))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if tr, ok := events[0].(Transcript); !ok || tr.Text != "Hello " {
		t.Fatalf("event 0: %+v", events[0])
	}
	if au, ok := events[1].(Audio); !ok || au.SampleRate != 24000 || len(au.Payload) != 4 {
		t.Fatalf("event 1: %+v", events[1])
	}
	if _, ok := events[2].(Transcript); !ok {
		t.Fatalf("event 2: %+v", events[2])
	}

	if len(contents) != 1 || len(contents[0].Parts) != 1 {
		t.Fatalf("unexpected request contents")
	}
	blob := contents[0].Parts[0].InlineData
	if blob == nil || blob.MIMEType != "audio/pcm;rate=16000" || !bytes.Equal(blob.Data, req.Audio) {
		t.Fatalf("utterance not attached as inline audio: %+v", blob)
	}
	if *config.Temperature != 0.7 || *config.TopP != 0.95 {
		t.Fatalf("unexpected sampling config")
	}
	if len(config.ResponseModalities) != 2 || config.ResponseModalities[0] != "TEXT" || config.ResponseModalities[1] != "AUDIO" {
		t.Fatalf("response modalities = %v", config.ResponseModalities)
	}
	if !strings.Contains(config.SystemInstruction.Parts[0].Text, "Hi Ravi!") {
		t.Fatalf("system prompt missing user name")
	}
}

func TestGemini_JoinsStreamedTextBeforeAudio(t *testing.T) {
	g := newGemini(fakeGenerate([]*genai.GenerateContentResponse{
		response(genai.NewPartFromText("Great. [STAGE_COMP")),
		response(genai.NewPartFromText("LETE:PAYMENT_STRUCTURE]")),
		response(genai.NewPartFromBytes([]byte{1, 2}, "audio/pcm;rate=24000")),
		response(genai.NewPartFromText("Any "), genai.NewPartFromText("questions?")),
	}, nil, nil, nil), "", nil)

	events, err := collect(t, g.Stream(context.Background(), Request{Stage: stage.ProgramValueL2}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected transcript, audio, transcript; got %+v", events)
	}
	first, ok := events[0].(Transcript)
	if !ok || first.Text != "Great. [STAGE_COMPLETE:PAYMENT_STRUCTURE]" {
		t.Fatalf("event 0: %+v", events[0])
	}
	if _, ok := events[1].(Audio); !ok {
		t.Fatalf("event 1: %+v", events[1])
	}
	if last, ok := events[2].(Transcript); !ok || last.Text != "Any questions?" {
		t.Fatalf("event 2: %+v", events[2])
	}

	tr, err := stage.Advance(stage.ProgramValueL2, first.Text)
	if err != nil || !tr.Changed || tr.To != stage.PaymentStructure || tr.Text != "Great." {
		t.Fatalf("joined text did not advance the stage: %+v, %v", tr, err)
	}
}

func TestGemini_BackendErrorIsInvocationError(t *testing.T) {
	boom := errors.New("quota exceeded")
	g := newGemini(fakeGenerate([]*genai.GenerateContentResponse{
		response(genai.NewPartFromText("partial")),
	}, boom, nil, nil), "m", nil)

	events, err := collect(t, g.Stream(context.Background(), Request{}))
	var invocation *InvocationError
	if !errors.As(err, &invocation) || !errors.Is(err, boom) {
		t.Fatalf("expected InvocationError wrapping backend error, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("incomplete text must not be delivered, got %+v", events)
	}
}

func TestGemini_DeadlineIsTimeoutError(t *testing.T) {
	g := newGemini(fakeGenerate(nil, context.DeadlineExceeded, nil, nil), "m", nil)
	_, err := collect(t, g.Stream(context.Background(), Request{}))
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestSampleRate(t *testing.T) {
	cases := map[string]int{
		"audio/pcm;rate=16000": 16000,
		"audio/pcm; rate=8000": 8000,
		"audio/pcm":            audio.OutputSampleRate,
		"audio/pcm;rate=abc":   audio.OutputSampleRate,
	}
	for mt, want := range cases {
		if got := sampleRate(mt); got != want {
			t.Errorf("%q: got %d want %d", mt, got, want)
		}
	}
}

func TestNew_SelectsVariant(t *testing.T) {
	log := logger.NewNop()
	ctx := context.Background()

	e, err := New(ctx, Config{Mock: true, GeminiAPIKey: "key"}, log)
	if err != nil || e.Name() != "stub" {
		t.Fatalf("mock mode: got %v, %v", e, err)
	}
	e, err = New(ctx, Config{}, log)
	if err != nil || e.Name() != "stub" {
		t.Fatalf("no key: got %v, %v", e, err)
	}
	e, err = New(ctx, Config{GeminiAPIKey: "key"}, log)
	if err != nil || e.Name() != "gemini" {
		t.Fatalf("key set: got %v, %v", e, err)
	}
}

func TestBuildPrompt(t *testing.T) {
	history := []model.Message{
		{Speaker: model.SpeakerAgent, Text: "Shall we begin?"},
		{Speaker: model.SpeakerUser, Audio: []byte{1}},
	}
	p := BuildPrompt("Asha", stage.PaymentStructure, history)

	for _, want := range []string{
		"Current stage: Present payment options.",
		"If they choose 0% EMI, go to NBFC.",
		"Conversation history:\nAGENT: Shall we begin?\nUSER: ",
		"[STAGE_COMPLETE:<NEXT_STAGE_ID>]",
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}

	if !strings.Contains(BuildPrompt("Asha", stage.Intro, nil), "Hi Asha!") {
		t.Fatalf("intro script should address the user by name")
	}
	if strings.Contains(BuildPrompt("Asha", stage.Intro, nil), "Conversation history") {
		t.Fatalf("empty history should be omitted")
	}
}
