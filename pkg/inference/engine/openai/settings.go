package openai

import (
	"net/http"
	"strings"

	go_openai "github.com/sashabaranov/go-openai"
)

const DefaultModel = "gpt-4o-mini"

// Settings configures the connection to an OpenAI compatible chat completions endpoint.
type Settings struct {
	APIKey  string `yaml:"api-key,omitempty" mapstructure:"api-key"`
	BaseURL string `yaml:"base-url,omitempty" mapstructure:"base-url"`
	Model   string `yaml:"model,omitempty" mapstructure:"model"`
	// IncludeUsage asks the server for a trailing usage chunk. Some
	// compatible servers reject stream_options, so it can be turned off.
	IncludeUsage bool `yaml:"include-usage" mapstructure:"include-usage"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-"`
}

func NewSettings() *Settings {
	return &Settings{
		Model:        DefaultModel,
		IncludeUsage: true,
	}
}

// MakeClient builds a go-openai client from the settings.
func MakeClient(s *Settings) *go_openai.Client {
	config := go_openai.DefaultConfig(s.APIKey)
	if strings.TrimSpace(s.BaseURL) != "" {
		config.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	if s.HTTPClient != nil {
		config.HTTPClient = s.HTTPClient
	}
	return go_openai.NewClientWithConfig(config)
}
