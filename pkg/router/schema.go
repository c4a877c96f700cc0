package router

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"
)

// FieldType is the JSON type a parameter must have.
type FieldType string

const (
	TypeAny     FieldType = ""
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// FieldSchema constrains one request parameter. MinLength and MaxLength apply to
// strings (in characters) and arrays (in elements).
type FieldSchema struct {
	Type        FieldType `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []any     `json:"enum,omitempty" yaml:"enum,omitempty"`
	MinLength   *int      `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int      `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Minimum     *float64  `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64  `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// EndpointSchema declares one routable endpoint: which methods it accepts, which
// parameters it takes and which component owns it. Exactly one of Component (exact
// name) and Capability (capability tag) selects the owner.
type EndpointSchema struct {
	Endpoint    string                 `json:"endpoint" yaml:"endpoint"`
	Methods     []string               `json:"methods,omitempty" yaml:"methods,omitempty"`
	Component   string                 `json:"component,omitempty" yaml:"component,omitempty"`
	Capability  string                 `json:"capability,omitempty" yaml:"capability,omitempty"`
	Operation   string                 `json:"operation,omitempty" yaml:"operation,omitempty"`
	Fields      map[string]FieldSchema `json:"fields,omitempty" yaml:"fields,omitempty"`
	Strict      bool                   `json:"strict,omitempty" yaml:"strict,omitempty"`
	TimeoutMs   int                    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
}

// FieldError is one failed constraint.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every failed constraint of a request.
type ValidationError struct {
	Endpoint string
	Fields   []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return fmt.Sprintf("invalid request for %s: %s", e.Endpoint, strings.Join(parts, "; "))
}

// NormalizeEndpoint trims whitespace and surrounding slashes: "/api/x/" and "api/x"
// name the same endpoint.
func NormalizeEndpoint(endpoint string) string {
	return strings.Trim(strings.TrimSpace(endpoint), "/")
}

// AllowsMethod reports whether method may call the endpoint. No declared methods means
// any method is accepted.
func (s EndpointSchema) AllowsMethod(method string) bool {
	if len(s.Methods) == 0 {
		return true
	}
	for _, m := range s.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Check reports declaration errors in the schema itself.
func (s EndpointSchema) Check() error {
	if NormalizeEndpoint(s.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if (s.Component == "") == (s.Capability == "") {
		return fmt.Errorf("endpoint %s: exactly one of component and capability is required", s.Endpoint)
	}
	for name, f := range s.Fields {
		switch f.Type {
		case TypeAny, TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		default:
			return fmt.Errorf("endpoint %s: field %s: unknown type %q", s.Endpoint, name, f.Type)
		}
		if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
			return fmt.Errorf("endpoint %s: field %s: minLength > maxLength", s.Endpoint, name)
		}
	}
	return nil
}

// Validate checks params against the schema and returns a *ValidationError listing every
// violation, ordered by field name.
func (s EndpointSchema) Validate(params map[string]any) error {
	var problems []FieldError

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := s.Fields[name]
		v, present := params[name]
		if !present || v == nil {
			if f.Required {
				problems = append(problems, FieldError{Field: name, Reason: "is required"})
			}
			continue
		}
		if reason := f.check(v); reason != "" {
			problems = append(problems, FieldError{Field: name, Reason: reason})
		}
	}

	if s.Strict {
		var unknown []string
		for name := range params {
			if _, ok := s.Fields[name]; !ok {
				unknown = append(unknown, name)
			}
		}
		sort.Strings(unknown)
		for _, name := range unknown {
			problems = append(problems, FieldError{Field: name, Reason: "is not allowed"})
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Endpoint: NormalizeEndpoint(s.Endpoint), Fields: problems}
}

func (f FieldSchema) check(v any) string {
	if !hasType(v, f.Type) {
		return fmt.Sprintf("must be %s", f.Type)
	}
	if len(f.Enum) > 0 && !inEnum(v, f.Enum) {
		return fmt.Sprintf("must be one of %v", f.Enum)
	}

	if n, ok := length(v); ok {
		if f.MinLength != nil && n < *f.MinLength {
			return fmt.Sprintf("length must be at least %d", *f.MinLength)
		}
		if f.MaxLength != nil && n > *f.MaxLength {
			return fmt.Sprintf("length must be at most %d", *f.MaxLength)
		}
	}
	if x, ok := toFloat(v); ok {
		if f.Minimum != nil && x < *f.Minimum {
			return fmt.Sprintf("must be >= %v", *f.Minimum)
		}
		if f.Maximum != nil && x > *f.Maximum {
			return fmt.Sprintf("must be <= %v", *f.Maximum)
		}
	}
	return ""
}

func hasType(v any, t FieldType) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		x, ok := toFloat(v)
		return ok && x == math.Trunc(x)
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		return isList(v)
	}
	return false
}

// isList accepts decoded JSON arrays and typed slices from in-process callers.
func isList(v any) bool {
	if _, ok := v.([]any); ok {
		return true
	}
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func length(v any) (int, bool) {
	switch x := v.(type) {
	case string:
		return utf8.RuneCountInString(x), true
	case []any:
		return len(x), true
	}
	if isList(v) {
		return reflect.ValueOf(v).Len(), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if a, ok := toFloat(v); ok {
			if b, ok := toFloat(e); ok && a == b {
				return true
			}
			continue
		}
		if v == e {
			return true
		}
	}
	return false
}
