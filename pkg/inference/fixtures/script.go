package fixtures

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
)

// Script is a canned sequence of backend responses, one per step.
//
//	steps:
//	  - chunks: ["Let me ", "double that."]
//	    tool_calls:
//	      - id: call_1
//	        name: double
//	        arguments: {x: 21}
//	  - text: The answer is 42
type Script struct {
	Model string       `yaml:"model,omitempty"`
	Steps []ScriptStep `yaml:"steps"`
}

type ScriptStep struct {
	// Text is streamed word by word unless Chunks is set.
	Text   string   `yaml:"text,omitempty"`
	Chunks []string `yaml:"chunks,omitempty"`

	ToolCalls    []ScriptToolCall    `yaml:"tool_calls,omitempty"`
	FinishReason engine.FinishReason `yaml:"finish_reason,omitempty"`
	Usage        *engine.Usage       `yaml:"usage,omitempty"`

	// Error makes the backend fail after the step's text has been streamed.
	Error string `yaml:"error,omitempty"`
	// Delay is applied before each delta.
	Delay time.Duration `yaml:"delay,omitempty"`
	// Block makes the step hang until the request context is cancelled.
	Block bool `yaml:"block,omitempty"`
}

type ScriptToolCall struct {
	ID        string    `yaml:"id,omitempty"`
	Name      string    `yaml:"name"`
	Arguments Arguments `yaml:"arguments,omitempty"`
}

// Arguments holds raw JSON tool input. In YAML it can be written either as a
// JSON string or as a regular mapping.
type Arguments json.RawMessage

func (a *Arguments) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!str" {
		*a = Arguments(strings.TrimSpace(value.Value))
		return nil
	}
	var v interface{}
	if err := value.Decode(&v); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "tool call arguments must be JSON encodable")
	}
	*a = Arguments(b)
	return nil
}

func (s ScriptStep) text() string {
	if len(s.Chunks) > 0 {
		return strings.Join(s.Chunks, "")
	}
	return s.Text
}

func (s ScriptStep) chunks() []string {
	if len(s.Chunks) > 0 {
		return s.Chunks
	}
	if s.Text == "" {
		return nil
	}
	words := strings.SplitAfter(s.Text, " ")
	ret := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			ret = append(ret, w)
		}
	}
	return ret
}

func (s ScriptStep) finishReason() engine.FinishReason {
	if s.FinishReason != "" {
		return s.FinishReason
	}
	if len(s.ToolCalls) > 0 {
		return engine.FinishReasonToolCalls
	}
	return engine.FinishReasonStop
}

// ParseScript decodes a YAML script.
func ParseScript(b []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "could not parse script")
	}
	if len(s.Steps) == 0 {
		return nil, errors.New("script has no steps")
	}
	for i, st := range s.Steps {
		for j, tc := range st.ToolCalls {
			if tc.Name == "" {
				return nil, errors.Errorf("step %d tool call %d has no name", i, j)
			}
		}
		if st.FinishReason != "" && !st.FinishReason.Valid() {
			return nil, errors.Errorf("step %d has unknown finish reason %q", i, st.FinishReason)
		}
	}
	return &s, nil
}

// LoadScript reads and decodes a YAML script file.
func LoadScript(path string) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read script %s", path)
	}
	return ParseScript(b)
}
