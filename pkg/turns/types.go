package turns

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartKind identifies the kind of a content Part.
type PartKind string

const (
	PartKindText       PartKind = "text"
	PartKindToolCall   PartKind = "tool-call"
	PartKindToolResult PartKind = "tool-result"
)

// ToolCall is a request emitted by the model to run a named tool with a raw JSON input.
type ToolCall struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// ToolResult is the outcome of running a ToolCall, paired by ID.
//
// Content holds the JSON encoding of the executor output. Error and ErrorKind
// are set when the call failed (unknown tool, invalid input, execution error, ...).
type ToolResult struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Content   json.RawMessage `json:"content,omitempty" yaml:"content,omitempty"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
}

// IsError reports whether the result carries an error marker.
func (r ToolResult) IsError() bool {
	return r.Error != "" || r.ErrorKind != ""
}

// Part is a single content element of a Message. Exactly one of Text, ToolCall
// or ToolResult is meaningful, as selected by Kind.
type Part struct {
	Kind       PartKind    `json:"kind" yaml:"kind"`
	Text       string      `json:"text,omitempty" yaml:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty" yaml:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty" yaml:"tool_result,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Role  Role   `json:"role" yaml:"role"`
	Parts []Part `json:"parts" yaml:"parts"`
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool calls carried by the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var ret []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartKindToolCall && p.ToolCall != nil {
			ret = append(ret, *p.ToolCall)
		}
	}
	return ret
}

// ToolResults returns the tool results carried by the message, in order.
func (m Message) ToolResults() []ToolResult {
	var ret []ToolResult
	for _, p := range m.Parts {
		if p.Kind == PartKindToolResult && p.ToolResult != nil {
			ret = append(ret, *p.ToolResult)
		}
	}
	return ret
}

// Clone returns a copy of the message that shares no mutable state with the original.
func (m Message) Clone() Message {
	out := Message{ID: m.ID, Role: m.Role}
	if len(m.Parts) == 0 {
		return out
	}
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		if p.ToolCall != nil {
			tc := *p.ToolCall
			tc.Arguments = append(json.RawMessage(nil), p.ToolCall.Arguments...)
			p.ToolCall = &tc
		}
		if p.ToolResult != nil {
			tr := *p.ToolResult
			tr.Content = append(json.RawMessage(nil), p.ToolResult.Content...)
			p.ToolResult = &tr
		}
		out.Parts[i] = p
	}
	return out
}
