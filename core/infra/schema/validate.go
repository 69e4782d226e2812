package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema ready for repeated validation.
// Compile once at startup and reuse; compilation is the expensive part.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Compile parses and compiles a JSON schema document under the given name.
func Compile(name string, data []byte) (*Schema, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("schema %q is empty", name)
	}
	if name == "" {
		name = "schema"
	}
	id := "inmemory://" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema %q: %w", name, err)
	}
	compiled, err := compiler.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompile is Compile for package-level schemas that are known good.
func MustCompile(name string, data []byte) *Schema {
	s, err := Compile(name, data)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the name the schema was compiled under.
func (s *Schema) Name() string {
	return s.name
}

// Validate checks a value against the schema. Raw JSON bytes are decoded
// first; decoded Go values pass through as-is.
func (s *Schema) Validate(value any) error {
	payload := value
	switch v := value.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(v, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	if err := s.compiled.Validate(payload); err != nil {
		return fmt.Errorf("%s validation failed: %w", s.name, err)
	}
	return nil
}
