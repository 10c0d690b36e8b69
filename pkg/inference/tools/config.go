package tools

import (
	"time"

	"github.com/mb0/glob"
	"github.com/rs/zerolog/log"
)

// ToolConfig controls how a batch of tool calls is executed.
type ToolConfig struct {
	ExecutionTimeout  time.Duration     `json:"execution_timeout" mapstructure:"execution-timeout"`
	MaxParallelTools  int               `json:"max_parallel_tools" mapstructure:"max-parallel-tools"`
	AllowedTools      []string          `json:"allowed_tools" mapstructure:"allowed-tools"`
	ToolErrorHandling ToolErrorHandling `json:"tool_error_handling" mapstructure:"tool-error-handling"`
	RetryConfig       RetryConfig       `json:"retry_config" mapstructure:"retry"`
}

// DefaultToolConfig returns a sensible default configuration
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		ExecutionTimeout:  30 * time.Second,
		MaxParallelTools:  3,
		AllowedTools:      nil, // nil means all tools are allowed
		ToolErrorHandling: ToolErrorContinue,
		RetryConfig: RetryConfig{
			MaxRetries:    2,
			BackoffBase:   time.Second,
			BackoffFactor: 2.0,
		},
	}
}

func (tc ToolConfig) WithExecutionTimeout(timeout time.Duration) ToolConfig {
	tc.ExecutionTimeout = timeout
	return tc
}

func (tc ToolConfig) WithMaxParallelTools(maxParallel int) ToolConfig {
	tc.MaxParallelTools = maxParallel
	return tc
}

// WithAllowedTools restricts execution to tools matching one of the glob patterns.
func (tc ToolConfig) WithAllowedTools(patterns []string) ToolConfig {
	tc.AllowedTools = patterns
	return tc
}

func (tc ToolConfig) WithToolErrorHandling(handling ToolErrorHandling) ToolConfig {
	tc.ToolErrorHandling = handling
	return tc
}

func (tc ToolConfig) WithRetryConfig(cfg RetryConfig) ToolConfig {
	tc.RetryConfig = cfg
	return tc
}

// RetryConfig defines retry behavior for failed tool executions
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries" mapstructure:"max-retries"`
	BackoffBase   time.Duration `json:"backoff_base" mapstructure:"backoff-base"`
	BackoffFactor float64       `json:"backoff_factor" mapstructure:"backoff-factor"`
}

// ToolErrorHandling defines how execution errors affect the run
type ToolErrorHandling string

const (
	ToolErrorContinue ToolErrorHandling = "continue" // Feed the error back to the model
	ToolErrorAbort    ToolErrorHandling = "abort"    // Escalate execution errors and fail the run
	ToolErrorRetry    ToolErrorHandling = "retry"    // Retry with exponential backoff, then continue
)

// IsToolAllowed checks the tool name against the AllowedTools glob patterns.
func (tc *ToolConfig) IsToolAllowed(toolName string) bool {
	if tc.AllowedTools == nil {
		return true
	}

	for _, pattern := range tc.AllowedTools {
		ok, err := glob.Match(pattern, toolName)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("invalid allowed-tools pattern")
			continue
		}
		if ok {
			return true
		}
	}

	return false
}

// FilterTools returns only the tools that are allowed by this configuration
func (tc *ToolConfig) FilterTools(tools []ToolDefinition) []ToolDefinition {
	if tc.AllowedTools == nil {
		return tools
	}

	filtered := make([]ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		if tc.IsToolAllowed(tool.Name) {
			filtered = append(filtered, tool)
		}
	}

	return filtered
}
