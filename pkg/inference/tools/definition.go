package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
)

// ExecutorFunc runs a tool against raw JSON input. It must be safe for
// concurrent use and should return promptly once ctx is cancelled.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

// ToolDefinition represents a tool that can be called by AI models
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
	Function    ToolFunc           `json:"-"`
	Tags        []string           `json:"tags,omitempty"`
	Version     string             `json:"version,omitempty"`

	validator *inputValidator
}

// ToolFunc wraps the function backing a tool.
type ToolFunc struct {
	Fn       interface{} `json:"-"`
	executor ExecutorFunc
}

// Spec returns the backend-facing description of the tool.
func (td *ToolDefinition) Spec() engine.ToolSpec {
	return engine.ToolSpec{
		Name:        td.Name,
		Description: td.Description,
		Parameters:  td.Parameters,
	}
}

// ValidateInput checks args against the tool's parameter schema.
// It returns a *ValidationError describing every violation.
func (td *ToolDefinition) ValidateInput(args json.RawMessage) error {
	v := td.validator
	if v == nil {
		var err error
		v, err = newInputValidator(td.Parameters)
		if err != nil {
			return err
		}
	}
	return v.validate(args)
}

// NewTool creates a ToolDefinition from an explicit schema and executor.
func NewTool(name, description string, schema *jsonschema.Schema, fn ExecutorFunc) (*ToolDefinition, error) {
	if name == "" {
		return nil, errors.New("tool name cannot be empty")
	}
	if fn == nil {
		return nil, errors.Errorf("tool %s has no executor", name)
	}
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	validator, err := newInputValidator(schema)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schema for tool %s", name)
	}
	return &ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Function:    ToolFunc{Fn: fn, executor: fn},
		validator:   validator,
	}, nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewToolFromFunc creates a ToolDefinition from a Go function. Supported signatures:
//
//	func(Input) (Result, error)
//	func(context.Context, Input) (Result, error)
//	func(context.Context) (Result, error)
//
// The error return is optional. The parameter schema is reflected from Input.
func NewToolFromFunc(name, description string, fn interface{}) (*ToolDefinition, error) {
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, fmt.Errorf("provided value is not a function")
	}

	if funcType.NumOut() == 0 || funcType.NumOut() > 2 {
		return nil, fmt.Errorf("function must return (result) or (result, error)")
	}
	if funcType.NumOut() == 2 && !funcType.Out(1).Implements(errorType) {
		return nil, fmt.Errorf("second return value must be an error")
	}

	withCtx := funcType.NumIn() > 0 && funcType.In(0) == contextType
	var inType reflect.Type
	switch {
	case funcType.NumIn() == 0:
	case funcType.NumIn() == 1 && withCtx:
	case funcType.NumIn() == 1:
		inType = funcType.In(0)
	case funcType.NumIn() == 2 && withCtx:
		inType = funcType.In(1)
	default:
		return nil, fmt.Errorf("function must take (Input), (context.Context, Input) or (context.Context)")
	}

	schema := generateSchema(inType)
	def, err := NewTool(name, description, schema, reflectExecutor(fn, withCtx, inType))
	if err != nil {
		return nil, err
	}
	def.Function.Fn = fn
	return def, nil
}

// Execute calls the tool function with a background context.
func (tf *ToolFunc) Execute(args []byte) (interface{}, error) {
	return tf.ExecuteWithContext(context.Background(), args)
}

func (tf *ToolFunc) ExecuteWithContext(ctx context.Context, args []byte) (interface{}, error) {
	if tf.executor == nil {
		return nil, fmt.Errorf("tool function not properly initialized")
	}
	return tf.executor(ctx, args)
}

func generateSchema(inputType reflect.Type) *jsonschema.Schema {
	if inputType == nil {
		return &jsonschema.Schema{Type: "object"}
	}

	reflector := jsonschema.Reflector{
		// Expand definitions inline instead of using $refs
		DoNotReference: true,
	}
	schema := reflector.Reflect(reflect.New(inputType).Elem().Interface())

	// Ensure the root schema has type "object" for OpenAI compatibility
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	return schema
}

func reflectExecutor(fn interface{}, withCtx bool, inType reflect.Type) ExecutorFunc {
	funcValue := reflect.ValueOf(fn)

	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var in []reflect.Value
		if withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		if inType != nil {
			input := reflect.New(inType)
			if len(args) > 0 {
				if err := json.Unmarshal(args, input.Interface()); err != nil {
					return nil, errors.Wrap(err, "failed to unmarshal arguments")
				}
			}
			in = append(in, input.Elem())
		}
		return extractResults(funcValue.Call(in))
	}
}

// extractResults extracts the result and error from function call results
func extractResults(results []reflect.Value) (interface{}, error) {
	result := results[0].Interface()
	if len(results) == 1 {
		return result, nil
	}
	if errInterface := results[1].Interface(); errInterface != nil {
		return result, errInterface.(error)
	}
	return result, nil
}
