package main

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/inference/tools"
)

type DoubleRequest struct {
	X float64 `json:"x" jsonschema:"required,description=The number to double"`
}

type DoubleResponse struct {
	Result float64 `json:"result"`
}

func double(req DoubleRequest) DoubleResponse {
	return DoubleResponse{Result: req.X * 2}
}

type EchoRequest struct {
	Text  string `json:"text" jsonschema:"required,description=Text to echo back"`
	Upper bool   `json:"upper,omitempty" jsonschema:"description=Uppercase the text"`
}

func echo(req EchoRequest) (string, error) {
	if req.Text == "" {
		return "", errors.New("nothing to echo")
	}
	if req.Upper {
		return strings.ToUpper(req.Text), nil
	}
	return req.Text, nil
}

// builtinTools registers the demo tools every run offers.
func builtinTools(reg tools.ToolRegistry) error {
	doubleDef, err := tools.NewToolFromFunc("double", "Multiply a number by two", double)
	if err != nil {
		return errors.Wrap(err, "failed to create double tool")
	}
	echoDef, err := tools.NewToolFromFunc("echo", "Echo a piece of text back, optionally uppercased", echo)
	if err != nil {
		return errors.Wrap(err, "failed to create echo tool")
	}
	for _, def := range []*tools.ToolDefinition{doubleDef, echoDef} {
		if err := reg.RegisterTool(def.Name, *def); err != nil {
			return errors.Wrapf(err, "failed to register %s tool", def.Name)
		}
	}
	return nil
}
