package toolloop

import (
	"encoding/json"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a finished run.
type Result struct {
	RunID   string  `json:"run_id"`
	Outcome Outcome `json:"outcome"`
	// Text is the text of the last step.
	Text string `json:"text"`
	// Output is the validated structured output, if one was requested.
	Output       json.RawMessage     `json:"output,omitempty"`
	FinishReason engine.FinishReason `json:"finish_reason,omitempty"`
	Steps        []Step              `json:"steps"`
	Usage        engine.Usage        `json:"usage"`
	// Messages are the messages the run appended to the history.
	Messages []turns.Message `json:"messages"`
}
