package events

import "strings"

// ToolEventEntry aggregates the lifecycle of one tool call: the model's
// request, its streamed arguments, and the local execution result.
type ToolEventEntry struct {
	ID        string
	Name      string
	Input     string
	Step      int
	Completed bool
	Result    string
	Error     string
	ErrorKind string
}

// ToolEventAggregator collects tool-related events into compact entries per tool call ID.
// It is not safe for concurrent use.
type ToolEventAggregator struct {
	index   map[string]int
	entries []ToolEventEntry
	partial map[string]*strings.Builder
}

func NewToolEventAggregator() *ToolEventAggregator {
	return &ToolEventAggregator{
		index:   make(map[string]int),
		entries: make([]ToolEventEntry, 0, 4),
		partial: make(map[string]*strings.Builder),
	}
}

func (a *ToolEventAggregator) Reset() {
	a.index = make(map[string]int)
	a.entries = a.entries[:0]
	a.partial = make(map[string]*strings.Builder)
}

// Entries returns a snapshot of current entries in first-seen order.
func (a *ToolEventAggregator) Entries() []ToolEventEntry {
	out := make([]ToolEventEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// PublishEvent lets the aggregator be used directly as an EventSink.
func (a *ToolEventAggregator) PublishEvent(e Event) error {
	a.Handle(e)
	return nil
}

// Handle consumes an Event and updates entries when it is tool-related.
func (a *ToolEventAggregator) Handle(e Event) {
	switch ev := e.(type) {
	case *EventToolCallStart:
		if ev.ToolCall.ID == "" {
			return
		}
		idx := a.ensure(ev.ToolCall.ID)
		a.entries[idx].Name = ev.ToolCall.Name
		a.entries[idx].Step = ev.Metadata().Step
	case *EventToolCallDelta:
		if ev.ID == "" {
			return
		}
		a.ensure(ev.ID)
		b, ok := a.partial[ev.ID]
		if !ok {
			b = &strings.Builder{}
			a.partial[ev.ID] = b
		}
		b.WriteString(ev.Delta)
	case *EventToolCallComplete:
		if ev.ToolCall.ID == "" {
			return
		}
		idx := a.ensure(ev.ToolCall.ID)
		a.entries[idx].Name = ev.ToolCall.Name
		a.entries[idx].Input = ev.ToolCall.Input
		a.entries[idx].Step = ev.Metadata().Step
		a.entries[idx].Completed = true
		delete(a.partial, ev.ToolCall.ID)
	case *EventToolResult:
		if ev.ToolResult.ID == "" {
			return
		}
		idx := a.ensure(ev.ToolResult.ID)
		if a.entries[idx].Name == "" {
			a.entries[idx].Name = ev.ToolResult.Name
		}
		a.entries[idx].Result = ev.ToolResult.Result
		a.entries[idx].Error = ev.ToolResult.Error
		a.entries[idx].ErrorKind = ev.ToolResult.ErrorKind
	}
}

// PartialInput returns the arguments streamed so far for a call that has not completed yet.
func (a *ToolEventAggregator) PartialInput(id string) string {
	if b, ok := a.partial[id]; ok {
		return b.String()
	}
	return ""
}

// Lines returns a compact, plain-text representation for each entry.
func (a *ToolEventAggregator) Lines() []string {
	lines := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		name := e.Name
		if name == "" {
			name = e.ID
		}
		parts := make([]string, 0, 3)
		parts = append(parts, "→ "+name)
		input := e.Input
		if !e.Completed {
			input = a.PartialInput(e.ID)
		}
		if input != "" {
			parts = append(parts, input)
		}
		switch {
		case e.Error != "":
			parts = append(parts, "✗ "+e.ErrorKind+": "+e.Error)
		case e.Result != "":
			parts = append(parts, "← "+e.Result)
		}
		lines = append(lines, strings.Join(parts, "  "))
	}
	return lines
}

func (a *ToolEventAggregator) ensure(id string) int {
	if idx, ok := a.index[id]; ok {
		return idx
	}
	idx := len(a.entries)
	a.index[id] = idx
	a.entries = append(a.entries, ToolEventEntry{ID: id})
	return idx
}

var _ EventSink = (*ToolEventAggregator)(nil)
