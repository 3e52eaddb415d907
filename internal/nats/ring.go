package nats

import (
	"sort"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
)

// ring keeps the last n messages pushed, in push order.
type ring struct {
	buf   []model.Message
	start int
	size  int
}

func newRing(n int) *ring {
	return &ring{buf: make([]model.Message, n)}
}

func (r *ring) push(m model.Message) {
	if len(r.buf) == 0 {
		return
	}
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = m
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []model.Message {
	out := make([]model.Message, r.size)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func sortNewestFirst(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
}
