package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator implements Validator by compiling each tool's JSON-schema
// document on first use and caching the compiled form, keyed by the schema
// bytes themselves. Grounded on the teacher's pkg/pluginsdk/validation.go
// ValidateConfig (DESIGN.md D3), adapted from plugin-config validation to
// tool-argument validation at dispatch time.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty, ready-to-use SchemaValidator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: map[string]*jsonschema.Schema{}}
}

// Validate compiles schema (memoized) and checks args against it.
func (v *SchemaValidator) Validate(schema json.RawMessage, args json.RawMessage) error {
	compiled, err := v.compile(schema)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("decode tool arguments: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tool arguments invalid: %w", err)
	}
	return nil
}

func (v *SchemaValidator) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.schema.json", bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("tool.schema.json")
	if err != nil {
		return nil, err
	}
	v.cache[key] = compiled
	return compiled, nil
}
