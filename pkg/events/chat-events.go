package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// Step boundaries
	EventTypeStepStart  EventType = "step-start"
	EventTypeStepFinish EventType = "step-finish"

	// Model output, streamed in generation order
	EventTypeTextDelta        EventType = "text-delta"
	EventTypeToolCallStart    EventType = "tool-call-start"
	EventTypeToolCallDelta    EventType = "tool-call-delta"
	EventTypeToolCallComplete EventType = "tool-call-complete"

	// Local tool execution
	EventTypeToolResult EventType = "tool-result"

	// Terminal events: exactly one of these closes a run's stream
	EventTypeRunFinish EventType = "run-finish"
	EventTypeError     EventType = "error"
	EventTypeAbort     EventType = "abort"
)

// IsTerminal reports whether no further events follow an event of this type.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTypeRunFinish, EventTypeError, EventTypeAbort:
		return true
	default:
		return false
	}
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// store payload if the event was deserialized from JSON (see NewEventFromJson), not further used
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var (
	_ Event                      = &EventImpl{}
	_ zerolog.LogObjectMarshaler = &EventImpl{}
	_ zerolog.LogObjectMarshaler = EventMetadata{}
)

// EventMetadata is carried by every event of a run.
type EventMetadata struct {
	ID        uuid.UUID `json:"message_id" yaml:"message_id" mapstructure:"message_id"`
	RunID     string    `json:"run_id,omitempty" yaml:"run_id,omitempty" mapstructure:"run_id"`
	SessionID string    `json:"session_id,omitempty" yaml:"session_id,omitempty" mapstructure:"session_id"`
	// Step is the 0-based index of the step the event belongs to.
	Step int `json:"step" yaml:"step" mapstructure:"step"`
	// Seq is a per-run counter, strictly increasing in emission order.
	Seq uint64 `json:"seq" yaml:"seq" mapstructure:"seq"`
	// Extra carries caller-provided correlation values
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty" mapstructure:"extra"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.RunID != "" {
		e.Str("run_id", em.RunID)
	}
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	e.Int("step", em.Step)
	e.Uint64("seq", em.Seq)
}

type ToolCall struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Input string `json:"input,omitempty" yaml:"input,omitempty"`
}

func (tc ToolCall) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", tc.ID).Str("name", tc.Name).Str("input", tc.Input)
}

type ToolResult struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Result    string `json:"result,omitempty" yaml:"result,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
}

func (tr ToolResult) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", tr.ID).Str("name", tr.Name).Str("result", tr.Result)
	if tr.Error != "" {
		ev.Str("error", tr.Error).Str("error_kind", tr.ErrorKind)
	}
}

type EventStepStart struct {
	EventImpl
	// Tools lists the tool names offered to the model for this step.
	Tools []string `json:"tools,omitempty"`
}

func NewStepStartEvent(metadata EventMetadata, tools []string) *EventStepStart {
	return &EventStepStart{
		EventImpl: EventImpl{Type_: EventTypeStepStart, Metadata_: metadata},
		Tools:     tools,
	}
}

var _ Event = &EventStepStart{}

// EventTextDelta is one incremental chunk of model text.
type EventTextDelta struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the step's text so far, including Delta.
	Completion string `json:"completion"`
}

func NewTextDeltaEvent(metadata EventMetadata, delta string, completion string) *EventTextDelta {
	return &EventTextDelta{
		EventImpl:  EventImpl{Type_: EventTypeTextDelta, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventTextDelta{}

type EventToolCallStart struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallStartEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCallStart {
	return &EventToolCallStart{
		EventImpl: EventImpl{Type_: EventTypeToolCallStart, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

var _ Event = &EventToolCallStart{}

// EventToolCallDelta carries a fragment of a tool call's JSON arguments as the model streams them.
type EventToolCallDelta struct {
	EventImpl
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

func NewToolCallDeltaEvent(metadata EventMetadata, id string, delta string) *EventToolCallDelta {
	return &EventToolCallDelta{
		EventImpl: EventImpl{Type_: EventTypeToolCallDelta, Metadata_: metadata},
		ID:        id,
		Delta:     delta,
	}
}

var _ Event = &EventToolCallDelta{}

type EventToolCallComplete struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallCompleteEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCallComplete {
	return &EventToolCallComplete{
		EventImpl: EventImpl{Type_: EventTypeToolCallComplete, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

var _ Event = &EventToolCallComplete{}

type EventToolResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
}

func NewToolResultEvent(metadata EventMetadata, toolResult ToolResult) *EventToolResult {
	return &EventToolResult{
		EventImpl:  EventImpl{Type_: EventTypeToolResult, Metadata_: metadata},
		ToolResult: toolResult,
	}
}

var _ Event = &EventToolResult{}

type EventStepFinish struct {
	EventImpl
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason"`
	ToolCalls    int    `json:"tool_calls"`
	Usage        Usage  `json:"usage"`
}

func NewStepFinishEvent(metadata EventMetadata, text string, finishReason string, toolCalls int, usage Usage) *EventStepFinish {
	return &EventStepFinish{
		EventImpl:    EventImpl{Type_: EventTypeStepFinish, Metadata_: metadata},
		Text:         text,
		FinishReason: finishReason,
		ToolCalls:    toolCalls,
		Usage:        usage,
	}
}

var _ Event = &EventStepFinish{}

// EventRunFinish closes a run that completed successfully.
type EventRunFinish struct {
	EventImpl
	Text         string          `json:"text"`
	Output       json.RawMessage `json:"output,omitempty"`
	FinishReason string          `json:"finish_reason"`
	Steps        int             `json:"steps"`
	Usage        Usage           `json:"usage"`
}

func NewRunFinishEvent(metadata EventMetadata, text string, output json.RawMessage, finishReason string, steps int, usage Usage) *EventRunFinish {
	return &EventRunFinish{
		EventImpl:    EventImpl{Type_: EventTypeRunFinish, Metadata_: metadata},
		Text:         text,
		Output:       output,
		FinishReason: finishReason,
		Steps:        steps,
		Usage:        usage,
	}
}

var _ Event = &EventRunFinish{}

// EventError closes a run that failed fatally.
type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	Kind        string `json:"kind,omitempty"`
}

func NewErrorEvent(metadata EventMetadata, kind string, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
		Kind:        kind,
	}
}

var _ Event = &EventError{}

// EventAbort closes a run that was cancelled or timed out.
type EventAbort struct {
	EventImpl
	Reason string `json:"reason,omitempty"`
	Steps  int    `json:"steps"`
}

func NewAbortEvent(metadata EventMetadata, reason string, steps int) *EventAbort {
	return &EventAbort{
		EventImpl: EventImpl{Type_: EventTypeAbort, Metadata_: metadata},
		Reason:    reason,
		Steps:     steps,
	}
}

var _ Event = &EventAbort{}

// NewEventFromJson decodes a JSON encoded event into its concrete type.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	var ret Event
	switch hdr.Type {
	case EventTypeStepStart:
		ret = &EventStepStart{}
	case EventTypeStepFinish:
		ret = &EventStepFinish{}
	case EventTypeTextDelta:
		ret = &EventTextDelta{}
	case EventTypeToolCallStart:
		ret = &EventToolCallStart{}
	case EventTypeToolCallDelta:
		ret = &EventToolCallDelta{}
	case EventTypeToolCallComplete:
		ret = &EventToolCallComplete{}
	case EventTypeToolResult:
		ret = &EventToolResult{}
	case EventTypeRunFinish:
		ret = &EventRunFinish{}
	case EventTypeError:
		ret = &EventError{}
	case EventTypeAbort:
		ret = &EventAbort{}
	default:
		return nil, fmt.Errorf("unknown event type %q", hdr.Type)
	}

	if err := json.Unmarshal(b, ret); err != nil {
		return nil, err
	}
	if setter, ok := ret.(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(b)
	}
	return ret, nil
}

// MarshalLine encodes an event as a single newline-terminated JSON record.
func MarshalLine(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (e EventTextDelta) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta)
}

func (e EventToolCallComplete) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_call", e.ToolCall)
}

func (e EventToolResult) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_result", e.ToolResult)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString).Str("kind", e.Kind)
}
