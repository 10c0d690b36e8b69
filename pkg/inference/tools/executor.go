package tools

import (
	"context"

	"github.com/go-go-golems/stepwise/pkg/turns"
)

// ToolExecutor runs the tool calls of a step.
//
// ExecuteToolCalls returns exactly one result per call, in call order. Tool
// failures are reported as error results; the returned error is non-nil only
// when a failure was escalated and the run must fail.
type ToolExecutor interface {
	ExecuteToolCall(ctx context.Context, call turns.ToolCall, registry ToolRegistry) (*ToolResult, error)
	ExecuteToolCalls(ctx context.Context, calls []turns.ToolCall, registry ToolRegistry) ([]*ToolResult, error)
}

// NewDefaultToolExecutor returns a BaseToolExecutor using the default hooks.
func NewDefaultToolExecutor(config ToolConfig) ToolExecutor {
	return NewBaseToolExecutor(config)
}
