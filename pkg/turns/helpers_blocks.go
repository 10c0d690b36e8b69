package turns

import "github.com/google/uuid"

// Convenience constructors for commonly used Message shapes.

// NewUserMessage returns a user message with a single text part.
func NewUserMessage(text string) Message {
	return Message{
		ID:    uuid.NewString(),
		Role:  RoleUser,
		Parts: []Part{NewTextPart(text)},
	}
}

// NewSystemMessage returns a system message with a single text part.
func NewSystemMessage(text string) Message {
	return Message{
		ID:    uuid.NewString(),
		Role:  RoleSystem,
		Parts: []Part{NewTextPart(text)},
	}
}

// NewAssistantMessage returns an assistant message carrying the model text
// (omitted when empty) followed by its tool calls in request order.
func NewAssistantMessage(text string, calls ...ToolCall) Message {
	m := Message{ID: uuid.NewString(), Role: RoleAssistant}
	if text != "" {
		m.Parts = append(m.Parts, NewTextPart(text))
	}
	for _, c := range calls {
		m.Parts = append(m.Parts, NewToolCallPart(c))
	}
	return m
}

// NewToolResultMessage returns a tool message with one result part per result, in order.
func NewToolResultMessage(results ...ToolResult) Message {
	m := Message{ID: uuid.NewString(), Role: RoleTool}
	for _, r := range results {
		m.Parts = append(m.Parts, NewToolResultPart(r))
	}
	return m
}

func NewTextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

func NewToolCallPart(c ToolCall) Part {
	return Part{Kind: PartKindToolCall, ToolCall: &c}
}

func NewToolResultPart(r ToolResult) Part {
	return Part{Kind: PartKindToolResult, ToolResult: &r}
}
