package schema

import (
	"encoding/json"
	"testing"
)

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile("test", []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if s.Name() != "test" {
		t.Fatalf("name = %q", s.Name())
	}
	if err := s.Validate(map[string]any{"name": "ok"}); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := s.Validate(map[string]any{"nope": "bad"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCompileRejectsBadInput(t *testing.T) {
	if _, err := Compile("empty", nil); err == nil {
		t.Fatal("expected error for empty schema")
	}
	if _, err := Compile("broken", []byte(`{"type":`)); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}

func TestValidateDecodesRawJSON(t *testing.T) {
	s := MustCompile("raw", []byte(`{"type":"object","required":["k"]}`))
	if err := s.Validate(json.RawMessage(`{"k":"v"}`)); err != nil {
		t.Fatalf("raw message: %v", err)
	}
	if err := s.Validate([]byte(`{}`)); err == nil {
		t.Fatal("expected validation error for missing key")
	}
	if err := s.Validate(json.RawMessage(`{"broken`)); err == nil {
		t.Fatal("expected decode error")
	}
}
