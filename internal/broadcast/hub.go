// Package broadcast fans out voice events to the connections that joined a
// conversation.
package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/pkg/logger"
)

// Client is one subscriber with a bounded outbound queue.
type Client struct {
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	overflowed atomic.Bool
}

// NewClient creates a client whose queue holds up to buffer frames.
func NewClient(buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	return &Client{
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send returns the outbound frame queue.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Done is closed when the client has been kicked or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close marks the client as finished. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Enqueue adds a frame without blocking. A full queue closes the client and
// returns false.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.overflowed.Store(true)
		c.Close()
		return false
	}
}

// Overflowed reports whether the client was closed for falling behind.
func (c *Client) Overflowed() bool {
	return c.overflowed.Load()
}

// SendEvent encodes ev and enqueues it on c alone.
func (c *Client) SendEvent(ev model.Event) bool {
	frame, err := model.Encode(ev)
	if err != nil {
		return false
	}
	return c.Enqueue(frame)
}

// Hub tracks the clients subscribed to each conversation.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
	log    *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		groups: make(map[string]map[*Client]struct{}),
		log:    log,
	}
}

// Join subscribes c to a conversation.
func (h *Hub) Join(conversationID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[conversationID]
	if !ok {
		group = make(map[*Client]struct{})
		h.groups[conversationID] = group
	}
	group[c] = struct{}{}
}

// Leave unsubscribes c and reports whether the conversation has no members left.
func (h *Hub) Leave(conversationID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[conversationID]
	if !ok {
		return true
	}
	delete(group, c)
	if len(group) == 0 {
		delete(h.groups, conversationID)
		return true
	}
	return false
}

// Count returns the number of clients subscribed to a conversation.
func (h *Hub) Count(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[conversationID])
}

// Publish delivers ev to every client of the conversation. Slow clients are
// closed instead of blocking the publisher.
func (h *Hub) Publish(conversationID string, ev model.Event) {
	frame, err := model.Encode(ev)
	if err != nil {
		h.log.Error("Failed to encode event",
			zap.String("session_id", conversationID),
			zap.String("type", string(ev.EventType())),
			zap.Error(err),
		)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.groups[conversationID]))
	for c := range h.groups[conversationID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.Done():
			continue
		default:
		}
		if !c.Enqueue(frame) && c.Overflowed() {
			h.log.Warn("Dropping slow voice client",
				zap.String("session_id", conversationID),
				zap.String("type", string(ev.EventType())),
			)
		}
	}
}
