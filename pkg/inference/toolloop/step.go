package toolloop

import (
	"context"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

// StepInput is what the backend saw for a step.
type StepInput struct {
	Messages []turns.Message `json:"messages"`
	Tools    []string        `json:"tools,omitempty"`
}

// Step is one completed backend request/response cycle, including the tool
// results produced for its tool calls.
type Step struct {
	Index        int                     `json:"index"`
	Input        StepInput               `json:"input"`
	Text         string                  `json:"text,omitempty"`
	ToolCalls    []turns.ToolCall        `json:"tool_calls,omitempty"`
	ToolResults  []turns.ToolResult      `json:"tool_results,omitempty"`
	FinishReason engine.FinishReason     `json:"finish_reason"`
	Usage        engine.Usage            `json:"usage"`
	Response     engine.ResponseMetadata `json:"response"`
}

// StopCondition decides, after every completed step, whether the run stops.
// It must be a pure function of the steps.
type StopCondition func(steps []Step) bool

// StepCountIs stops once n steps have completed.
func StepCountIs(n int) StopCondition {
	return func(steps []Step) bool {
		return len(steps) >= n
	}
}

// HasToolCall stops after a step that called the named tool.
func HasToolCall(name string) StopCondition {
	return func(steps []Step) bool {
		if len(steps) == 0 {
			return false
		}
		for _, c := range steps[len(steps)-1].ToolCalls {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// AnyOf stops as soon as one of the conditions holds.
func AnyOf(conds ...StopCondition) StopCondition {
	return func(steps []Step) bool {
		for _, c := range conds {
			if c != nil && c(steps) {
				return true
			}
		}
		return false
	}
}

// StepSettings overrides the tools offered for a single step.
type StepSettings struct {
	// ActiveTools restricts the step to the named tools. Nil keeps all tools.
	ActiveTools []string
	// ToolChoice overrides the loop's tool choice when non-empty.
	ToolChoice engine.ToolChoice
}

// PrepareStepFunc is called before each backend call with the steps completed so far.
type PrepareStepFunc func(ctx context.Context, index int, steps []Step) StepSettings

// StepFinishHook observes every completed step.
type StepFinishHook func(ctx context.Context, step Step)
