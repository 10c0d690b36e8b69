package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// NewTextPrinter returns a function that renders events as a human readable
// transcript: text deltas inline, tool calls and results as YAML blocks.
func NewTextPrinter(name string, w io.Writer) func(Event) error {
	isFirst := true
	endsWithNewline := true

	write := func(s string) error {
		if s == "" {
			return nil
		}
		_, err := io.WriteString(w, s)
		endsWithNewline = strings.HasSuffix(s, "\n")
		return err
	}
	ensureNewline := func() error {
		if endsWithNewline {
			return nil
		}
		return write("\n")
	}

	return func(e Event) error {
		switch p_ := e.(type) {
		case *EventTextDelta:
			if isFirst && name != "" {
				isFirst = false
				if err := write(fmt.Sprintf("\n%s: \n", name)); err != nil {
					return err
				}
			}
			return write(p_.Delta)

		case *EventToolCallComplete:
			if err := ensureNewline(); err != nil {
				return err
			}
			v_, err := yaml.Marshal(map[string]ToolCall{"tool_call": p_.ToolCall})
			if err != nil {
				return err
			}
			return write(string(v_))

		case *EventToolResult:
			if err := ensureNewline(); err != nil {
				return err
			}
			v_, err := yaml.Marshal(map[string]ToolResult{"tool_result": p_.ToolResult})
			if err != nil {
				return err
			}
			return write(string(v_))

		case *EventRunFinish:
			return ensureNewline()

		case *EventError:
			if err := ensureNewline(); err != nil {
				return err
			}
			return write(fmt.Sprintf("[error] %s\n", p_.ErrorString))

		case *EventAbort:
			if err := ensureNewline(); err != nil {
				return err
			}
			return write(fmt.Sprintf("[aborted] %s\n", p_.Reason))

		case *EventStepStart,
			*EventStepFinish,
			*EventToolCallStart,
			*EventToolCallDelta:
		}

		return nil
	}
}

// NewNDJSONPrinter returns a function writing one JSON record per event.
func NewNDJSONPrinter(w io.Writer) func(Event) error {
	return func(e Event) error {
		b, err := MarshalLine(e)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
}

// StepPrinterFunc adapts NewTextPrinter to a watermill handler.
func StepPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	printer := NewTextPrinter(name, w)

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("events: skipping undecodable message")
			return nil
		}
		return printer(e)
	}
}
