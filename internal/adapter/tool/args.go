package tool

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// argSchema is a compiled tool input schema.
type argSchema struct {
	schema *jsonschema.Schema
}

// compileArgSchema compiles a tool's input schema for argument checks.
// A nil schema with a nil error means the tool accepts any object.
func compileArgSchema(raw json.RawMessage) (*argSchema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return &argSchema{schema: schema}, nil
}

// check validates decoded tool arguments. A nil receiver accepts everything.
func (a *argSchema) check(args map[string]any) error {
	if a == nil {
		return nil
	}
	var instance any = args
	if args == nil {
		instance = map[string]any{}
	}
	result := a.schema.Validate(instance)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
