package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/events"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	ErrorKindUnknownTool  ErrorKind = "unknown_tool"
	ErrorKindNotAllowed   ErrorKind = "not_allowed"
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	ErrorKindExecution    ErrorKind = "execution"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindCancelled    ErrorKind = "cancelled"
)

// ToolError is a classified tool failure. It becomes an error result that is
// fed back to the model rather than failing the run.
type ToolError struct {
	ToolName string
	Kind     ErrorKind
	Message  string
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.ToolName, e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// EscalationError marks a tool failure that must fail the whole run.
type EscalationError struct {
	ToolName string
	Err      error
}

func (e *EscalationError) Error() string {
	if e.ToolName == "" {
		return "tool failure escalated: " + e.Err.Error()
	}
	return fmt.Sprintf("tool %s failed: %s", e.ToolName, e.Err.Error())
}

func (e *EscalationError) Unwrap() error {
	return e.Err
}

// Escalate wraps err so that returning it from a tool executor fails the run
// instead of reporting the failure back to the model.
func Escalate(err error) error {
	if err == nil {
		return nil
	}
	return &EscalationError{Err: err}
}

// IsEscalation reports whether err carries an escalation marker.
func IsEscalation(err error) bool {
	var ee *EscalationError
	return errors.As(err, &ee)
}

// ToolResult is the executor's view of one completed call.
type ToolResult struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Result    interface{}   `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// IsError reports whether the call failed.
func (r *ToolResult) IsError() bool {
	return r.ErrorKind != "" || r.Error != ""
}

// Content returns the JSON encoding of the result value. Values that cannot be
// encoded are rendered as a JSON string.
func (r *ToolResult) Content() json.RawMessage {
	if r.IsError() {
		return nil
	}
	if raw, ok := r.Result.(json.RawMessage); ok && json.Valid(raw) {
		return raw
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("%v", r.Result))
	}
	return b
}

// ToTurns converts the result into the history representation.
func (r *ToolResult) ToTurns() turns.ToolResult {
	return turns.ToolResult{
		ID:        r.ID,
		Name:      r.Name,
		Content:   r.Content(),
		Error:     r.Error,
		ErrorKind: string(r.ErrorKind),
	}
}

// ToEvent converts the result into the event payload representation.
func (r *ToolResult) ToEvent() events.ToolResult {
	return events.ToolResult{
		ID:        r.ID,
		Name:      r.Name,
		Result:    string(r.Content()),
		Error:     r.Error,
		ErrorKind: string(r.ErrorKind),
	}
}

func errorResult(call turns.ToolCall, kind ErrorKind, err error) *ToolResult {
	return &ToolResult{
		ID:        call.ID,
		Name:      call.Name,
		Error:     err.Error(),
		ErrorKind: kind,
	}
}
