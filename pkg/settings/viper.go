package settings

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "STEPWISE"

// NewViper returns a viper instance reading STEPWISE_ environment variables
// and, if found, a config file. An explicit configFile must exist; otherwise
// stepwise.yaml is looked up in the working directory and the user config dir.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, NewRunSettings())

	// the usual variable works as well
	_ = v.BindEnv("engine.openai.api-key", EnvPrefix+"_ENGINE_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("engine.openai.base-url", EnvPrefix+"_ENGINE_OPENAI_BASE_URL", "OPENAI_BASE_URL")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("stepwise")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "stepwise"))
		}
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		log.Debug().Str("config", v.ConfigFileUsed()).Msg("settings: loaded configuration")
	case errors.As(err, &notFound) && configFile == "":
	default:
		return nil, errors.Wrap(err, "could not read config file")
	}
	return v, nil
}

// setDefaults registers every leaf key so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper, d *RunSettings) {
	v.SetDefault("engine.provider", string(d.Engine.Provider))
	v.SetDefault("engine.script", d.Engine.Script)
	v.SetDefault("engine.repeat-last", d.Engine.RepeatLast)
	v.SetDefault("engine.openai.api-key", d.Engine.OpenAI.APIKey)
	v.SetDefault("engine.openai.base-url", d.Engine.OpenAI.BaseURL)
	v.SetDefault("engine.openai.model", d.Engine.OpenAI.Model)
	v.SetDefault("engine.openai.include-usage", d.Engine.OpenAI.IncludeUsage)

	v.SetDefault("loop.max-steps", d.Loop.MaxSteps)
	v.SetDefault("loop.tool-choice", string(d.Loop.ToolChoice))

	v.SetDefault("tools.execution-timeout", d.Tools.ExecutionTimeout)
	v.SetDefault("tools.max-parallel-tools", d.Tools.MaxParallelTools)
	v.SetDefault("tools.allowed-tools", d.Tools.AllowedTools)
	v.SetDefault("tools.tool-error-handling", string(d.Tools.ToolErrorHandling))
	v.SetDefault("tools.retry.max-retries", d.Tools.RetryConfig.MaxRetries)
	v.SetDefault("tools.retry.backoff-base", d.Tools.RetryConfig.BackoffBase)
	v.SetDefault("tools.retry.backoff-factor", d.Tools.RetryConfig.BackoffFactor)

	v.SetDefault("system", d.System)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("output", string(d.Output))
}

// FromViper decodes and validates the run settings held by v.
func FromViper(v *viper.Viper) (*RunSettings, error) {
	s := NewRunSettings()
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
