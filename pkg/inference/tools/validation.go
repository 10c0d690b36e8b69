package tools

import (
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// ValidationError lists the ways a tool input violated its schema.
type ValidationError struct {
	Violations []string `json:"violations"`
}

func (e *ValidationError) Error() string {
	return "input does not match schema: " + strings.Join(e.Violations, "; ")
}

type inputValidator struct {
	schema *gojsonschema.Schema
}

// newInputValidator compiles a reflected schema for gojsonschema. The
// draft-2020-12 $schema marker emitted by the reflector is dropped so the
// validator falls back to its own draft detection.
func newInputValidator(s *jsonschema.Schema) (*inputValidator, error) {
	if s == nil {
		return &inputValidator{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal schema")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "could not decode schema")
	}
	delete(m, "$schema")
	delete(m, "$id")

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(m))
	if err != nil {
		return nil, errors.Wrap(err, "could not compile schema")
	}
	return &inputValidator{schema: compiled}, nil
}

func (v *inputValidator) validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return &ValidationError{Violations: []string{"arguments are not valid JSON"}}
	}
	if v.schema == nil {
		return nil
	}
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &ValidationError{Violations: []string{err.Error()}}
	}
	if res.Valid() {
		return nil
	}
	ve := &ValidationError{}
	for _, e := range res.Errors() {
		ve.Violations = append(ve.Violations, e.String())
	}
	return ve
}
