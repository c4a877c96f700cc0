package router

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

const schemaTestPrefix = "router:schema_test"

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }

func analyzeSchema() EndpointSchema {
	return EndpointSchema{
		Endpoint:   "/analyze/",
		Methods:    []string{"POST"},
		Capability: "analyze",
		Fields: map[string]FieldSchema{
			"text":  {Type: TypeString, Required: true, MinLength: intPtr(1), MaxLength: intPtr(10)},
			"mode":  {Type: TypeString, Enum: []any{"fast", "deep"}},
			"depth": {Type: TypeInteger, Minimum: floatPtr(1), Maximum: floatPtr(5)},
			"tags":  {Type: TypeArray, MaxLength: intPtr(2)},
			"flags": {Type: TypeObject},
			"debug": {Type: TypeBoolean},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   []FieldError
	}{
		{"valid minimal", map[string]any{"text": "hello"}, nil},
		{"valid full", map[string]any{
			"text": "héllo", "mode": "deep", "depth": float64(3), "tags": []any{"a"},
			"flags": map[string]any{"x": true}, "debug": false,
		}, nil},
		{"json number depth", map[string]any{"text": "hi", "depth": json.Number("2")}, nil},
		{"yaml int depth", map[string]any{"text": "hi", "depth": 4}, nil},
		{"missing required", map[string]any{}, []FieldError{{"text", "is required"}}},
		{"null required", map[string]any{"text": nil}, []FieldError{{"text", "is required"}}},
		{"wrong type", map[string]any{"text": 12.0}, []FieldError{{"text", "must be string"}}},
		{"too short", map[string]any{"text": ""}, []FieldError{{"text", "length must be at least 1"}}},
		{"too long", map[string]any{"text": "abcdefghijk"}, []FieldError{{"text", "length must be at most 10"}}},
		{"enum", map[string]any{"text": "a", "mode": "slow"}, []FieldError{{"mode", "must be one of [fast deep]"}}},
		{"not integer", map[string]any{"text": "a", "depth": 2.5}, []FieldError{{"depth", "must be integer"}}},
		{"below minimum", map[string]any{"text": "a", "depth": float64(0)}, []FieldError{{"depth", "must be >= 1"}}},
		{"above maximum", map[string]any{"text": "a", "depth": float64(9)}, []FieldError{{"depth", "must be <= 5"}}},
		{"array too long", map[string]any{"text": "a", "tags": []any{1, 2, 3}}, []FieldError{{"tags", "length must be at most 2"}}},
		{"typed slice", map[string]any{"text": "a", "tags": []string{"x", "y"}}, nil},
		{"typed slice too long", map[string]any{"text": "a", "tags": []int{1, 2, 3}}, []FieldError{{"tags", "length must be at most 2"}}},
		{"string is not array", map[string]any{"text": "a", "tags": "xy"}, []FieldError{{"tags", "must be array"}}},
		{"several", map[string]any{"debug": "yes", "flags": []any{}}, []FieldError{
			{"debug", "must be boolean"},
			{"flags", "must be object"},
			{"text", "is required"},
		}},
		{"unknown allowed when not strict", map[string]any{"text": "a", "extra": 1}, nil},
	}

	s := analyzeSchema()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.params)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("%s - Validate: %v", schemaTestPrefix, err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("%s - Validate = %v, want *ValidationError", schemaTestPrefix, err)
			}
			if ve.Endpoint != "analyze" {
				t.Errorf("%s - endpoint = %q", schemaTestPrefix, ve.Endpoint)
			}
			if !reflect.DeepEqual(ve.Fields, tt.want) {
				t.Errorf("%s - fields = %v, want %v", schemaTestPrefix, ve.Fields, tt.want)
			}
		})
	}
}

func TestValidate_Strict(t *testing.T) {
	s := analyzeSchema()
	s.Strict = true
	err := s.Validate(map[string]any{"text": "a", "zeta": 1, "alpha": 2})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("%s - Validate = %v", schemaTestPrefix, err)
	}
	want := []FieldError{{"alpha", "is not allowed"}, {"zeta", "is not allowed"}}
	if !reflect.DeepEqual(ve.Fields, want) {
		t.Errorf("%s - fields = %v, want %v", schemaTestPrefix, ve.Fields, want)
	}
}

func TestEndpointSchema_Check(t *testing.T) {
	tests := []struct {
		name    string
		schema  EndpointSchema
		wantErr bool
	}{
		{"valid", analyzeSchema(), false},
		{"no endpoint", EndpointSchema{Endpoint: " / ", Capability: "x"}, true},
		{"no owner", EndpointSchema{Endpoint: "x"}, true},
		{"two owners", EndpointSchema{Endpoint: "x", Capability: "x", Component: "X"}, true},
		{"bad type", EndpointSchema{Endpoint: "x", Component: "X", Fields: map[string]FieldSchema{"a": {Type: "date"}}}, true},
		{"bad lengths", EndpointSchema{Endpoint: "x", Component: "X", Fields: map[string]FieldSchema{"a": {MinLength: intPtr(3), MaxLength: intPtr(1)}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.schema.Check(); (err != nil) != tt.wantErr {
				t.Errorf("%s - Check = %v, wantErr %v", schemaTestPrefix, err, tt.wantErr)
			}
		})
	}
}

func TestAllowsMethod(t *testing.T) {
	s := EndpointSchema{Methods: []string{"GET", "post"}}
	for method, want := range map[string]bool{"GET": true, "POST": true, "post": true, "DELETE": false} {
		if got := s.AllowsMethod(method); got != want {
			t.Errorf("%s - AllowsMethod(%s) = %v, want %v", schemaTestPrefix, method, got, want)
		}
	}
	if !(EndpointSchema{}).AllowsMethod("PATCH") {
		t.Errorf("%s - schema without methods should allow any", schemaTestPrefix)
	}
}

func TestRoutes(t *testing.T) {
	r, err := NewRoutes(analyzeSchema(), EndpointSchema{Endpoint: "reports/daily", Component: "ReportService", Methods: []string{"get"}})
	if err != nil {
		t.Fatalf("%s - NewRoutes: %v", schemaTestPrefix, err)
	}
	if err := r.Add(EndpointSchema{Endpoint: "analyze", Capability: "other"}); !errors.Is(err, ErrDuplicateEndpoint) {
		t.Errorf("%s - duplicate Add = %v", schemaTestPrefix, err)
	}
	s, ok := r.Lookup("/reports/daily")
	if !ok || s.Methods[0] != "GET" {
		t.Errorf("%s - Lookup = %+v, %v", schemaTestPrefix, s, ok)
	}
	var names []string
	for _, s := range r.List() {
		names = append(names, s.Endpoint)
	}
	if !reflect.DeepEqual(names, []string{"analyze", "reports/daily"}) || r.Len() != 2 {
		t.Errorf("%s - List = %v", schemaTestPrefix, names)
	}
}
