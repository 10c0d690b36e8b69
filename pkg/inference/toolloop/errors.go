package toolloop

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
)

var (
	ErrNoEngine  = errors.New("tool loop engine is nil")
	ErrNoHistory = errors.New("tool loop history is nil")
)

// RunErrorKind classifies a fatal run failure.
type RunErrorKind string

const (
	RunErrorKindBackend       RunErrorKind = "backend"
	RunErrorKindContentFilter RunErrorKind = "content-filter"
	RunErrorKindTool          RunErrorKind = "tool"
)

// RunError is returned when a run terminates in a failed state. It carries
// the completed steps and what the failing step produced before it failed.
type RunError struct {
	Kind RunErrorKind
	// Step is the index of the failing step.
	Step        int
	Steps       []Step
	Usage       engine.Usage
	PartialText string
	Err         error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed at step %d (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// NoOutputError is returned when the run completed but its final text is not
// a valid structured output.
type NoOutputError struct {
	Text     string
	Response engine.ResponseMetadata
	Usage    engine.Usage
	Err      error
}

func (e *NoOutputError) Error() string {
	return fmt.Sprintf("no valid structured output: %v", e.Err)
}

func (e *NoOutputError) Unwrap() error {
	return e.Err
}
