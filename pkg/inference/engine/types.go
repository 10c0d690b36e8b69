package engine

import (
	"time"

	"github.com/invopop/jsonschema"

	"github.com/go-go-golems/stepwise/pkg/events"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

type Usage = events.Usage

// FinishReason tells why the backend stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool-calls"
	FinishReasonContentFilter FinishReason = "content-filter"
	FinishReasonError         FinishReason = "error"
	FinishReasonOther         FinishReason = "other"
)

// IsFatal reports whether a step finishing with this reason must end the run.
func (f FinishReason) IsFatal() bool {
	return f == FinishReasonError || f == FinishReasonContentFilter
}

func (f FinishReason) Valid() bool {
	switch f {
	case FinishReasonStop, FinishReasonLength, FinishReasonToolCalls,
		FinishReasonContentFilter, FinishReasonError, FinishReasonOther:
		return true
	default:
		return false
	}
}

// ToolChoice defines how the model should choose tools
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"     // Let the model decide
	ToolChoiceNone     ToolChoice = "none"     // Never call tools
	ToolChoiceRequired ToolChoice = "required" // Must call at least one tool
)

// ToolSpec is the part of a tool definition the backend sees.
type ToolSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// Request is one step's input to the backend.
type Request struct {
	Messages   []turns.Message `json:"messages"`
	Tools      []ToolSpec      `json:"tools,omitempty"`
	ToolChoice ToolChoice      `json:"tool_choice,omitempty"`

	Inference        *InferenceConfig        `json:"inference,omitempty"`
	StructuredOutput *StructuredOutputConfig `json:"structured_output,omitempty"`
}

// ResponseMetadata carries provider bookkeeping for a response.
type ResponseMetadata struct {
	ID        string    `json:"id,omitempty" yaml:"id,omitempty"`
	Model     string    `json:"model,omitempty" yaml:"model,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// Response is a complete backend output for one step.
type Response struct {
	Text         string           `json:"text,omitempty"`
	ToolCalls    []turns.ToolCall `json:"tool_calls,omitempty"`
	FinishReason FinishReason     `json:"finish_reason"`
	Usage        Usage            `json:"usage"`
	Metadata     ResponseMetadata `json:"metadata"`
}

type DeltaKind string

const (
	DeltaKindText DeltaKind = "text"
	// DeltaKindToolCallStart opens a tool call; ToolCallID and ToolName are set.
	DeltaKindToolCallStart DeltaKind = "tool-call-start"
	// DeltaKindToolCallArgs appends Arguments to an open tool call.
	DeltaKindToolCallArgs DeltaKind = "tool-call-args"
	// DeltaKindToolCallEnd closes a tool call. Backends that cannot signal the
	// end of an individual call may omit it; open calls close at finish.
	DeltaKindToolCallEnd DeltaKind = "tool-call-end"
	// DeltaKindFinish carries the finish reason, usage and response metadata.
	DeltaKindFinish DeltaKind = "finish"
)

// Delta is one low-level unit of a streaming generation.
type Delta struct {
	Kind         DeltaKind         `json:"kind" yaml:"kind"`
	Text         string            `json:"text,omitempty" yaml:"text,omitempty"`
	ToolCallID   string            `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
	ToolName     string            `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	Arguments    string            `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	FinishReason FinishReason      `json:"finish_reason,omitempty" yaml:"finish_reason,omitempty"`
	Usage        *Usage            `json:"usage,omitempty" yaml:"usage,omitempty"`
	Metadata     *ResponseMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}
