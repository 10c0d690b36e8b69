package turns

import (
	"sync"

	"github.com/huandu/go-clone"
)

// History is the ordered, append-only conversation of a run or session.
//
// Messages are only ever appended; existing entries are never rewritten or
// reordered. Readers may call Snapshot concurrently with appends and will see
// a consistent prefix.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

// NewHistory creates a History seeded with copies of msgs.
func NewHistory(msgs ...Message) *History {
	h := &History{}
	h.Append(msgs...)
	return h
}

// Append appends copies of msgs to the history.
func (h *History) Append(msgs ...Message) {
	if h == nil || len(msgs) == 0 {
		return
	}
	cp := make([]Message, len(msgs))
	for i := range msgs {
		cp[i] = msgs[i].Clone()
	}
	h.mu.Lock()
	h.messages = append(h.messages, cp...)
	h.mu.Unlock()
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Snapshot returns a deep copy of all messages currently in the history.
func (h *History) Snapshot() []Message {
	return h.Since(0)
}

// Since returns a deep copy of the messages appended at or after index n.
func (h *History) Since(n int) []Message {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(h.messages) {
		return []Message{}
	}
	return clone.Clone(h.messages[n:]).([]Message)
}

// Last returns a copy of the most recently appended message.
func (h *History) Last() (Message, bool) {
	if h == nil {
		return Message{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1].Clone(), true
}
