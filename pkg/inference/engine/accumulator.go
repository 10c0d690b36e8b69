package engine

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/turns"
)

var (
	ErrUnknownToolCall   = errors.New("delta references a tool call that was never started")
	ErrDuplicateToolCall = errors.New("tool call started twice")
)

type pendingCall struct {
	id   string
	name string
	args strings.Builder
	done bool
}

// Accumulator folds a sequence of deltas into a Response.
//
// Add returns the tool calls that became complete with the given delta, in
// the order they were started, so callers can report each call as soon as
// its arguments are final.
type Accumulator struct {
	text     strings.Builder
	calls    []*pendingCall
	byID     map[string]*pendingCall
	finish   FinishReason
	usage    Usage
	metadata ResponseMetadata
	finished bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{byID: map[string]*pendingCall{}}
}

// Text returns the text accumulated so far.
func (a *Accumulator) Text() string {
	return a.text.String()
}

func (a *Accumulator) Add(d Delta) ([]turns.ToolCall, error) {
	switch d.Kind {
	case DeltaKindText:
		a.text.WriteString(d.Text)

	case DeltaKindToolCallStart:
		id := d.ToolCallID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		if _, ok := a.byID[id]; ok {
			return nil, errors.Wrapf(ErrDuplicateToolCall, "tool call %s", id)
		}
		pc := &pendingCall{id: id, name: d.ToolName}
		pc.args.WriteString(d.Arguments)
		a.calls = append(a.calls, pc)
		a.byID[id] = pc

	case DeltaKindToolCallArgs:
		pc, err := a.lookup(d.ToolCallID)
		if err != nil {
			return nil, err
		}
		pc.args.WriteString(d.Arguments)

	case DeltaKindToolCallEnd:
		pc, err := a.lookup(d.ToolCallID)
		if err != nil {
			return nil, err
		}
		if pc.done {
			return nil, nil
		}
		pc.done = true
		return []turns.ToolCall{pc.toolCall()}, nil

	case DeltaKindFinish:
		a.finished = true
		a.finish = d.FinishReason
		if d.Usage != nil {
			a.usage = *d.Usage
		}
		if d.Metadata != nil {
			a.metadata = *d.Metadata
		}
		return a.Flush(), nil

	default:
		return nil, errors.Errorf("unknown delta kind %q", d.Kind)
	}
	return nil, nil
}

// Flush closes every open tool call and returns them in start order.
func (a *Accumulator) Flush() []turns.ToolCall {
	var ret []turns.ToolCall
	for _, pc := range a.calls {
		if pc.done {
			continue
		}
		pc.done = true
		ret = append(ret, pc.toolCall())
	}
	return ret
}

// LastCallID returns the ID of the most recently started tool call. Streams
// where argument fragments arrive without an ID attach to it.
func (a *Accumulator) LastCallID() string {
	if len(a.calls) == 0 {
		return ""
	}
	return a.calls[len(a.calls)-1].id
}

// Response returns the accumulated response. If no finish delta was seen the
// finish reason is inferred from the presence of tool calls.
func (a *Accumulator) Response() *Response {
	resp := &Response{
		Text:         a.text.String(),
		FinishReason: a.finish,
		Usage:        a.usage,
		Metadata:     a.metadata,
	}
	for _, pc := range a.calls {
		resp.ToolCalls = append(resp.ToolCalls, pc.toolCall())
	}
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = FinishReasonToolCalls
		} else {
			resp.FinishReason = FinishReasonStop
		}
	}
	return resp
}

func (a *Accumulator) lookup(id string) (*pendingCall, error) {
	if id == "" {
		id = a.LastCallID()
	}
	pc, ok := a.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownToolCall, "tool call %q", id)
	}
	return pc, nil
}

func (pc *pendingCall) toolCall() turns.ToolCall {
	args := strings.TrimSpace(pc.args.String())
	if args == "" {
		args = "{}"
	}
	return turns.ToolCall{ID: pc.id, Name: pc.name, Arguments: json.RawMessage(args)}
}

// Collect drains a DeltaStream into a Response. StreamingEngine
// implementations use it to provide Generate.
func Collect(ctx context.Context, s DeltaStream) (*Response, error) {
	defer func() {
		_ = s.Close()
	}()

	acc := NewAccumulator()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if _, err := acc.Add(d); err != nil {
			return nil, err
		}
	}
	return acc.Response(), nil
}
