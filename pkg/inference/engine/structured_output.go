package engine

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

type StructuredOutputMode string

const (
	StructuredOutputModeOff        StructuredOutputMode = "off"
	StructuredOutputModeJSONSchema StructuredOutputMode = "json_schema"
)

var (
	ErrEmptyOutput   = errors.New("final step produced no text")
	ErrOutputNotJSON = errors.New("final text is not valid JSON")
)

// StructuredOutputConfig asks the backend to constrain its final answer to a
// JSON schema. Backends without native support ignore it; the step
// controller checks the final text with ValidateOutput either way.
type StructuredOutputConfig struct {
	Mode        StructuredOutputMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Name        string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Schema      map[string]any       `json:"schema,omitempty" yaml:"schema,omitempty"`
	// Strict defaults to true when unset.
	Strict *bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

func (c StructuredOutputConfig) IsEnabled() bool {
	return strings.EqualFold(string(c.Mode), string(StructuredOutputModeJSONSchema))
}

func (c StructuredOutputConfig) StrictOrDefault() bool {
	return c.Strict == nil || *c.Strict
}

// Validate checks that an enabled config names its schema and that the schema compiles.
func (c StructuredOutputConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.Errorf("structured output mode %q requires a non-empty schema name", c.Mode)
	}
	if len(c.Schema) == 0 {
		return errors.Errorf("structured output mode %q requires a non-empty JSON schema", c.Mode)
	}
	_, err := c.compile()
	return err
}

// ValidateOutput checks that text is a JSON document matching the schema and
// returns it trimmed.
func (c StructuredOutputConfig) ValidateOutput(text string) (json.RawMessage, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, ErrEmptyOutput
	}
	if !json.Valid([]byte(raw)) {
		return nil, ErrOutputNotJSON
	}
	if len(c.Schema) == 0 {
		return json.RawMessage(raw), nil
	}
	schema, err := c.compile()
	if err != nil {
		return nil, err
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "could not validate output")
	}
	if !res.Valid() {
		violations := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			violations = append(violations, e.String())
		}
		return nil, errors.Errorf("output does not match schema %q: %s", c.Name, strings.Join(violations, "; "))
	}
	return json.RawMessage(raw), nil
}

func (c StructuredOutputConfig) compile() (*gojsonschema.Schema, error) {
	// meta keys confuse the loader when they point at remote drafts
	m := make(map[string]any, len(c.Schema))
	for k, v := range c.Schema {
		if k == "$schema" || k == "$id" {
			continue
		}
		m[k] = v
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(m))
	if err != nil {
		return nil, errors.Wrapf(err, "could not compile schema %q", c.Name)
	}
	return schema, nil
}
