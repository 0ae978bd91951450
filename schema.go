package kiln

import (
	"fmt"
	"strings"
)

// Schema is a small structural description of a JSON-shaped value: the
// subset of JSON Schema the kernel actually needs (typed primitives,
// required keys, nested objects and arrays). It is deliberately not a
// general JSON-Schema implementation.
type Schema struct {
	// Type is one of object, array, string, number, integer, boolean, null.
	Type string `json:"type"`
	// Properties describes object members by name.
	Properties map[string]*Schema `json:"properties,omitempty"`
	// Required lists object members that must be present.
	Required []string `json:"required,omitempty"`
	// Items describes every element of an array.
	Items *Schema `json:"items,omitempty"`
	// Description is informational only; validation ignores it.
	Description string `json:"description,omitempty"`
}

// ObjectSchema is shorthand for an object schema with the given properties
// and no required keys. Pass nil for a permissive object.
func ObjectSchema(props map[string]*Schema) *Schema {
	return &Schema{Type: "object", Properties: props}
}

// StringSchema is shorthand for {"type":"string"}.
func StringSchema() *Schema { return &Schema{Type: "string"} }

// NumberSchema is shorthand for {"type":"number"}.
func NumberSchema() *Schema { return &Schema{Type: "number"} }

// Validate checks v against the schema. The first violation is returned as
// a *ValidationError whose Path uses dotted/indexed notation
// ("config.items[2].name").
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	return s.validate(v, "")
}

func (s *Schema) validate(v any, path string) error {
	switch s.Type {
	case "", "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return &ValidationError{Path: path, Message: fmt.Sprintf("expected object, got %s", typeName(v))}
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return &ValidationError{Path: joinPath(path, req), Message: "required key missing"}
			}
		}
		for name, sub := range s.Properties {
			val, present := obj[name]
			if !present {
				continue
			}
			if err := sub.validate(val, joinPath(path, name)); err != nil {
				return err
			}
		}
		return nil
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return &ValidationError{Path: path, Message: fmt.Sprintf("expected array, got %s", typeName(v))}
		}
		if s.Items != nil {
			for i, el := range arr {
				if err := s.Items.validate(el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
		return nil
	case "string":
		if _, ok := v.(string); !ok {
			return &ValidationError{Path: path, Message: fmt.Sprintf("expected string, got %s", typeName(v))}
		}
		return nil
	case "number":
		if !isNumeric(v) {
			return &ValidationError{Path: path, Message: fmt.Sprintf("expected number, got %s", typeName(v))}
		}
		return nil
	case "integer":
		if !isIntegral(v) {
			return &ValidationError{Path: path, Message: fmt.Sprintf("expected integer, got %s", typeName(v))}
		}
		return nil
	case "boolean":
		if _, ok := v.(bool); !ok {
			return &ValidationError{Path: path, Message: fmt.Sprintf("expected boolean, got %s", typeName(v))}
		}
		return nil
	case "null":
		if v != nil {
			return &ValidationError{Path: path, Message: fmt.Sprintf("expected null, got %s", typeName(v))}
		}
		return nil
	default:
		return &ValidationError{Path: path, Message: fmt.Sprintf("unknown schema type %q", s.Type)}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

func isIntegral(v any) bool {
	switch t := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return t == float64(int64(t))
	case float32:
		return t == float32(int64(t))
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
}
