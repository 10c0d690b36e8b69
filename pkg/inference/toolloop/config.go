package toolloop

import (
	"github.com/go-go-golems/stepwise/pkg/inference/engine"
)

// LoopConfig configures the step controller.
type LoopConfig struct {
	// MaxSteps caps the number of backend calls of a run. Zero leaves the
	// limit to the stop condition, or to DefaultMaxSteps when the loop has
	// none.
	MaxSteps   int                     `json:"max_steps" mapstructure:"max-steps"`
	ToolChoice engine.ToolChoice       `json:"tool_choice" mapstructure:"tool-choice"`
	Inference  *engine.InferenceConfig `json:"inference,omitempty" mapstructure:"inference"`
}

// DefaultMaxSteps bounds runs that have neither MaxSteps nor a stop condition.
const DefaultMaxSteps = 5

// DefaultLoopConfig returns a sensible default configuration
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		ToolChoice: engine.ToolChoiceAuto,
	}
}

func (c LoopConfig) WithMaxSteps(n int) LoopConfig {
	c.MaxSteps = n
	return c
}

// maxSteps returns the step cap, or 0 for none.
func (c LoopConfig) maxSteps(hasStopCondition bool) int {
	switch {
	case c.MaxSteps > 0:
		return c.MaxSteps
	case hasStopCondition:
		return 0
	default:
		return DefaultMaxSteps
	}
}
