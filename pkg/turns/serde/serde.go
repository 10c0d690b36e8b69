// Package serde reads and writes conversation histories as YAML, so a
// session can be continued across process invocations.
package serde

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/stepwise/pkg/turns"
)

// Raw JSON values (tool arguments and results) are written as plain YAML
// values rather than byte sequences.
type yamlPart struct {
	Kind      turns.PartKind `yaml:"kind"`
	Text      string         `yaml:"text,omitempty"`
	ID        string         `yaml:"id,omitempty"`
	Name      string         `yaml:"name,omitempty"`
	Arguments any            `yaml:"arguments,omitempty"`
	Content   any            `yaml:"content,omitempty"`
	Error     string         `yaml:"error,omitempty"`
	ErrorKind string         `yaml:"error_kind,omitempty"`
}

type yamlMessage struct {
	ID    string     `yaml:"id,omitempty"`
	Role  turns.Role `yaml:"role"`
	Parts []yamlPart `yaml:"parts"`
}

type yamlHistory struct {
	Messages []yamlMessage `yaml:"messages"`
}

// ToYAML marshals messages, in order.
func ToYAML(msgs []turns.Message) ([]byte, error) {
	doc := yamlHistory{Messages: make([]yamlMessage, 0, len(msgs))}
	for _, m := range msgs {
		ym := yamlMessage{ID: m.ID, Role: m.Role}
		for _, p := range m.Parts {
			yp := yamlPart{Kind: p.Kind, Text: p.Text}
			switch {
			case p.ToolCall != nil:
				args, err := decodeRaw(p.ToolCall.Arguments)
				if err != nil {
					return nil, errors.Wrapf(err, "tool call %s has invalid arguments", p.ToolCall.ID)
				}
				yp.ID, yp.Name, yp.Arguments = p.ToolCall.ID, p.ToolCall.Name, args
			case p.ToolResult != nil:
				content, err := decodeRaw(p.ToolResult.Content)
				if err != nil {
					return nil, errors.Wrapf(err, "tool result %s has invalid content", p.ToolResult.ID)
				}
				yp.ID, yp.Name, yp.Content = p.ToolResult.ID, p.ToolResult.Name, content
				yp.Error, yp.ErrorKind = p.ToolResult.Error, p.ToolResult.ErrorKind
			}
			ym.Parts = append(ym.Parts, yp)
		}
		doc.Messages = append(doc.Messages, ym)
	}
	return yaml.Marshal(doc)
}

// FromYAML unmarshals messages written by ToYAML.
func FromYAML(b []byte) ([]turns.Message, error) {
	var doc yamlHistory
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "could not parse history")
	}
	ret := make([]turns.Message, 0, len(doc.Messages))
	for i, ym := range doc.Messages {
		switch ym.Role {
		case turns.RoleUser, turns.RoleAssistant, turns.RoleSystem, turns.RoleTool:
		default:
			return nil, errors.Errorf("message %d has unknown role %q", i, ym.Role)
		}
		m := turns.Message{ID: ym.ID, Role: ym.Role}
		for _, yp := range ym.Parts {
			switch yp.Kind {
			case turns.PartKindText:
				m.Parts = append(m.Parts, turns.NewTextPart(yp.Text))
			case turns.PartKindToolCall:
				args, err := encodeRaw(yp.Arguments)
				if err != nil {
					return nil, err
				}
				m.Parts = append(m.Parts, turns.NewToolCallPart(turns.ToolCall{ID: yp.ID, Name: yp.Name, Arguments: args}))
			case turns.PartKindToolResult:
				content, err := encodeRaw(yp.Content)
				if err != nil {
					return nil, err
				}
				m.Parts = append(m.Parts, turns.NewToolResultPart(turns.ToolResult{
					ID:        yp.ID,
					Name:      yp.Name,
					Content:   content,
					Error:     yp.Error,
					ErrorKind: yp.ErrorKind,
				}))
			default:
				return nil, errors.Errorf("message %d has unknown part kind %q", i, yp.Kind)
			}
		}
		ret = append(ret, m)
	}
	return ret, nil
}

// SaveHistoryYAML writes a snapshot of h to path.
func SaveHistoryYAML(path string, h *turns.History) error {
	data, err := ToYAML(h.Snapshot())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadHistoryYAML reads a history from path. A missing file yields an empty history.
func LoadHistoryYAML(path string) (*turns.History, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return turns.NewHistory(), nil
	}
	if err != nil {
		return nil, err
	}
	msgs, err := FromYAML(b)
	if err != nil {
		return nil, err
	}
	return turns.NewHistory(msgs...), nil
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "value cannot be represented as JSON")
	}
	return b, nil
}
