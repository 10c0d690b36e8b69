package factory

import (
	"github.com/spf13/viper"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/settings"
)

// NewEngineFromSettings creates an engine with a StandardEngineFactory.
func NewEngineFromSettings(s *settings.RunSettings) (engine.Engine, error) {
	return NewStandardEngineFactory().CreateEngine(&s.Engine)
}

// NewEngineFromViper decodes the run settings held by v and creates the
// engine they describe.
func NewEngineFromViper(v *viper.Viper) (engine.Engine, *settings.RunSettings, error) {
	s, err := settings.FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	e, err := NewEngineFromSettings(s)
	if err != nil {
		return nil, nil, err
	}
	return e, s, nil
}
