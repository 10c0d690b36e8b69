// Package settings holds the process level configuration of a run: which
// backend to talk to, how the step controller and tool engine behave, and
// where the output goes. Values come from flags, STEPWISE_ environment
// variables and an optional YAML config file, in that order of precedence.
package settings

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/inference/engine/openai"
	"github.com/go-go-golems/stepwise/pkg/inference/toolloop"
	"github.com/go-go-golems/stepwise/pkg/inference/tools"
)

type Provider string

const (
	ProviderScripted Provider = "scripted"
	ProviderOpenAI   Provider = "openai"
)

type OutputFormat string

const (
	OutputText   OutputFormat = "text"
	OutputNDJSON OutputFormat = "ndjson"
	// OutputRaw dumps each event payload as indented JSON.
	OutputRaw OutputFormat = "raw"
)

type EngineSettings struct {
	Provider Provider `yaml:"provider" mapstructure:"provider"`
	// Script is the YAML file replayed by the scripted provider.
	Script     string          `yaml:"script,omitempty" mapstructure:"script"`
	RepeatLast bool            `yaml:"repeat-last,omitempty" mapstructure:"repeat-last"`
	OpenAI     openai.Settings `yaml:"openai" mapstructure:"openai"`
}

// MCPServer is a tool server launched as a subprocess and spoken to over stdio.
type MCPServer struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args,omitempty" mapstructure:"args"`
}

type RunSettings struct {
	Engine EngineSettings      `yaml:"engine" mapstructure:"engine"`
	Loop   toolloop.LoopConfig `yaml:"loop" mapstructure:"loop"`
	Tools  tools.ToolConfig    `yaml:"tools" mapstructure:"tools"`
	MCP    []MCPServer         `yaml:"mcp,omitempty" mapstructure:"mcp"`

	System  string        `yaml:"system,omitempty" mapstructure:"system"`
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Output  OutputFormat  `yaml:"output" mapstructure:"output"`
}

func NewRunSettings() *RunSettings {
	return &RunSettings{
		Engine: EngineSettings{
			Provider: ProviderScripted,
			OpenAI:   *openai.NewSettings(),
		},
		Loop:   toolloop.DefaultLoopConfig().WithMaxSteps(toolloop.DefaultMaxSteps),
		Tools:  tools.DefaultToolConfig(),
		Output: OutputText,
	}
}

func (s *RunSettings) Validate() error {
	switch Provider(strings.ToLower(string(s.Engine.Provider))) {
	case ProviderScripted:
		if s.Engine.Script == "" {
			return errors.New("the scripted provider needs a script file")
		}
	case ProviderOpenAI:
		if s.Engine.OpenAI.APIKey == "" && s.Engine.OpenAI.BaseURL == "" {
			return errors.New("the openai provider needs an api key or a base url")
		}
	default:
		return errors.Errorf("unknown provider %q", s.Engine.Provider)
	}

	switch s.Output {
	case OutputText, OutputNDJSON, OutputRaw:
	default:
		return errors.Errorf("unknown output format %q", s.Output)
	}

	if s.Loop.MaxSteps < 1 {
		return errors.Errorf("max steps must be at least 1, got %d", s.Loop.MaxSteps)
	}
	if s.Timeout < 0 {
		return errors.Errorf("timeout must not be negative, got %s", s.Timeout)
	}
	switch s.Tools.ToolErrorHandling {
	case tools.ToolErrorContinue, tools.ToolErrorAbort, tools.ToolErrorRetry:
	default:
		return errors.Errorf("unknown tool error handling %q", s.Tools.ToolErrorHandling)
	}
	for i, m := range s.MCP {
		if m.Name == "" || m.Command == "" {
			return errors.Errorf("mcp server %d needs a name and a command", i)
		}
	}
	return nil
}
