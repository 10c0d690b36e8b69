package factory

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/inference/engine/openai"
	"github.com/go-go-golems/stepwise/pkg/inference/fixtures"
	"github.com/go-go-golems/stepwise/pkg/settings"
)

// EngineFactory creates backends from engine settings, so callers do not
// need to know the concrete implementations.
type EngineFactory interface {
	// CreateEngine creates an Engine for settings.Provider, falling back to
	// DefaultProvider when it is empty.
	CreateEngine(s *settings.EngineSettings) (engine.Engine, error)

	SupportedProviders() []string
	DefaultProvider() string
}

// StandardEngineFactory supports the scripted replay backend and any
// OpenAI compatible endpoint.
type StandardEngineFactory struct{}

func NewStandardEngineFactory() *StandardEngineFactory {
	return &StandardEngineFactory{}
}

func (f *StandardEngineFactory) CreateEngine(s *settings.EngineSettings) (engine.Engine, error) {
	if s == nil {
		return nil, errors.New("settings cannot be nil")
	}

	provider := f.DefaultProvider()
	if s.Provider != "" {
		provider = strings.ToLower(string(s.Provider))
	}

	if err := f.validateSettings(s, provider); err != nil {
		return nil, errors.Wrapf(err, "invalid settings for provider %s", provider)
	}
	log.Debug().Str("provider", provider).Msg("factory: creating engine")

	switch settings.Provider(provider) {
	case settings.ProviderScripted:
		script, err := fixtures.LoadScript(s.Script)
		if err != nil {
			return nil, err
		}
		var opts []fixtures.Option
		if s.RepeatLast {
			opts = append(opts, fixtures.WithRepeatLast())
		}
		return fixtures.NewScriptedEngine(script, opts...), nil

	case settings.ProviderOpenAI:
		cfg := s.OpenAI
		e, err := openai.NewOpenAIEngine(&cfg)
		if err != nil {
			return nil, err
		}
		return e, nil

	default:
		supported := strings.Join(f.SupportedProviders(), ", ")
		return nil, errors.Errorf("unsupported provider %s. Supported providers: %s", provider, supported)
	}
}

func (f *StandardEngineFactory) SupportedProviders() []string {
	return []string{
		string(settings.ProviderOpenAI),
		string(settings.ProviderScripted),
	}
}

func (f *StandardEngineFactory) DefaultProvider() string {
	return string(settings.ProviderOpenAI)
}

func (f *StandardEngineFactory) validateSettings(s *settings.EngineSettings, provider string) error {
	switch settings.Provider(provider) {
	case settings.ProviderScripted:
		if s.Script == "" {
			return errors.New("missing script file")
		}
		return nil
	case settings.ProviderOpenAI:
		// local compatible servers often run without a key
		if s.OpenAI.APIKey == "" && s.OpenAI.BaseURL == "" {
			return errors.New("missing API key")
		}
		return nil
	default:
		return errors.Errorf("unknown provider %s", provider)
	}
}

var _ EngineFactory = (*StandardEngineFactory)(nil)
