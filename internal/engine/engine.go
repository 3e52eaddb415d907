// Package engine provides the dialogue engines that turn a consolidated user
// utterance into agent transcript and audio events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
)

// Event is one item of an engine response stream. The only implementations
// are Transcript and Audio.
type Event interface {
	isEvent()
}

// Transcript carries agent text, possibly including a stage completion token.
type Transcript struct {
	Text string
}

// Audio carries synthesized agent speech as mono PCM16.
type Audio struct {
	Payload    []byte
	SampleRate int
}

func (Transcript) isEvent() {}
func (Audio) isEvent()      {}

// Request is the input for one generation round.
type Request struct {
	ConversationID string
	UserName       string
	Stage          stage.ID
	Audio          []byte
	History        []model.Message
}

// Engine produces a finite, ordered response stream for a request.
type Engine interface {
	// Name returns the engine name used in logs and metrics.
	Name() string

	// Stream returns the response events. The sequence may be ranged over once.
	Stream(ctx context.Context, req Request) iter.Seq2[Event, error]
}

// ErrStreamConsumed is yielded when a stream is iterated a second time.
var ErrStreamConsumed = errors.New("engine stream already consumed")

// TimeoutError is returned when a generation round exceeds its deadline.
type TimeoutError struct {
	Engine  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s engine timed out after %s", e.Engine, e.Timeout)
	}
	return fmt.Sprintf("%s engine timed out", e.Engine)
}

// InvocationError wraps a backend failure.
type InvocationError struct {
	Engine string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s engine failed: %v", e.Engine, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// classify maps a context or backend error onto the engine error types.
func classify(ctx context.Context, name string, err error) error {
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Engine: name}
	}
	var invocation *InvocationError
	if errors.As(err, &invocation) {
		return err
	}
	return &InvocationError{Engine: name, Err: err}
}

// once guards a sequence so that a second range over it yields ErrStreamConsumed.
func once(seq iter.Seq2[Event, error]) iter.Seq2[Event, error] {
	var used atomic.Bool
	return func(yield func(Event, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		seq(yield)
	}
}
