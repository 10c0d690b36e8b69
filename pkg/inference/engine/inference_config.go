package engine

import "strings"

// InferenceConfig holds sampling parameters for a request.
//
// Fields use pointer types so that nil means "not set, use default".
type InferenceConfig struct {
	Model string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`

	// Temperature overrides the sampling temperature.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" mapstructure:"temperature"`

	// TopP overrides the top-p (nucleus) sampling.
	TopP *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty" mapstructure:"top_p"`

	// MaxResponseTokens overrides the max output tokens.
	MaxResponseTokens *int `json:"max_response_tokens,omitempty" yaml:"max_response_tokens,omitempty" mapstructure:"max_response_tokens"`

	// Stop overrides stop sequences. A non-nil empty slice clears the default.
	Stop []string `json:"stop,omitempty" yaml:"stop,omitempty" mapstructure:"stop"`

	// Seed for reproducibility, where the backend supports it.
	Seed *int `json:"seed,omitempty" yaml:"seed,omitempty" mapstructure:"seed"`
}

// MergeInferenceConfig overlays the fields set in override on top of def.
// The result shares no pointers with either input. Returns nil if both are nil.
func MergeInferenceConfig(override *InferenceConfig, def *InferenceConfig) *InferenceConfig {
	if override == nil {
		return def
	}
	if def == nil {
		return override
	}

	merged := InferenceConfig{
		Model:             def.Model,
		Temperature:       copyPtr(def.Temperature),
		TopP:              copyPtr(def.TopP),
		MaxResponseTokens: copyPtr(def.MaxResponseTokens),
		Seed:              copyPtr(def.Seed),
	}
	if def.Stop != nil {
		merged.Stop = append([]string{}, def.Stop...)
	}

	if override.Model != "" {
		merged.Model = override.Model
	}
	if override.Temperature != nil {
		merged.Temperature = copyPtr(override.Temperature)
	}
	if override.TopP != nil {
		merged.TopP = copyPtr(override.TopP)
	}
	if override.MaxResponseTokens != nil {
		merged.MaxResponseTokens = copyPtr(override.MaxResponseTokens)
	}
	if override.Stop != nil {
		merged.Stop = append([]string{}, override.Stop...)
	}
	if override.Seed != nil {
		merged.Seed = copyPtr(override.Seed)
	}
	return &merged
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SanitizeForReasoningModel returns a copy of cfg with sampling fields cleared.
// Reasoning models (e.g., o1/o3/o4/gpt-5) reject temperature and top_p.
func SanitizeForReasoningModel(cfg *InferenceConfig) *InferenceConfig {
	if cfg == nil {
		return nil
	}
	sanitized := *cfg
	sanitized.Temperature = nil
	sanitized.TopP = nil
	return &sanitized
}

// IsReasoningModel reports whether model belongs to a family that rejects sampling parameters.
func IsReasoningModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	return strings.HasPrefix(m, "o1") ||
		strings.HasPrefix(m, "o3") ||
		strings.HasPrefix(m, "o4") ||
		strings.HasPrefix(m, "gpt-5")
}
