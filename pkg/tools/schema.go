package tools

import (
	"encoding/json"
	"fmt"
)

// FieldType is the semantic type of a schema field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Field declares one argument of a tool schema.
type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Enum        []string
	Description string
}

// InvalidParamsError reports a schema violation with the offending field.
type InvalidParamsError struct {
	Field  string
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params: field %q %s", e.Field, e.Reason)
}

// Args is the validated argument set a handler receives. Values hold their
// JSON-decoded shapes: string, float64, bool, map, slice.
type Args map[string]any

// String returns the named string argument, "" when absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the named integer argument, 0 when absent.
func (a Args) Int(name string) int {
	switch v := a[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Int64 returns the named integer argument as int64, 0 when absent.
func (a Args) Int64(name string) int64 {
	switch v := a[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Float returns the named number argument, 0 when absent.
func (a Args) Float(name string) float64 {
	switch v := a[name].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Bool returns the named boolean argument, false when absent.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Strings returns the named array argument's string elements.
func (a Args) Strings(name string) []string {
	raw, ok := a[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Object re-encodes the named object argument as raw JSON, nil when absent.
func (a Args) Object(name string) json.RawMessage {
	v, ok := a[name]
	if !ok || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// Has reports whether the argument was supplied.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// ValidateArgs checks raw against schema and materialises the Args set.
// Extra arguments outside the schema are ignored.
func ValidateArgs(schema []Field, raw map[string]any) (Args, error) {
	args := make(Args, len(schema))
	for _, f := range schema {
		v, present := raw[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, &InvalidParamsError{Field: f.Name, Reason: "is required"}
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return nil, err
		}
		if len(f.Enum) > 0 {
			s, _ := v.(string)
			if !contains(f.Enum, s) {
				return nil, &InvalidParamsError{Field: f.Name, Reason: fmt.Sprintf("must be one of %v", f.Enum)}
			}
		}
		args[f.Name] = v
	}
	return args, nil
}

func checkType(f Field, v any) error {
	switch f.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return &InvalidParamsError{Field: f.Name, Reason: "must be a string"}
		}
	case TypeInteger:
		switch n := v.(type) {
		case float64:
			if n != float64(int64(n)) {
				return &InvalidParamsError{Field: f.Name, Reason: "must be an integer"}
			}
		case int, int64, json.Number:
		default:
			return &InvalidParamsError{Field: f.Name, Reason: "must be an integer"}
		}
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64, json.Number:
		default:
			return &InvalidParamsError{Field: f.Name, Reason: "must be a number"}
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return &InvalidParamsError{Field: f.Name, Reason: "must be a boolean"}
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return &InvalidParamsError{Field: f.Name, Reason: "must be an object"}
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return &InvalidParamsError{Field: f.Name, Reason: "must be an array"}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// schemaJSON renders the field list as a JSON-Schema object for tools/list.
func schemaJSON(schema []Field) map[string]any {
	props := make(map[string]any, len(schema))
	var required []string
	for _, f := range schema {
		p := map[string]any{"type": string(f.Type)}
		if f.Description != "" {
			p["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			p["enum"] = f.Enum
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}
