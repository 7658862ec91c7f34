// Package schemas provides JSON Schema definitions for OpenAI tool calling.
package schemas

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/flynn-ai/tally/internal/model"
)

// Schema defines a tool's JSON schema in OpenAI function format.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// SchemaBuilder provides a fluent interface for building tool schemas.
type SchemaBuilder struct {
	schema *Schema
}

// NewSchema creates a new schema builder with the given name and description.
func NewSchema(name, description string) *SchemaBuilder {
	return &SchemaBuilder{
		schema: &Schema{
			Name:        name,
			Description: description,
			Parameters: map[string]interface{}{
				"type":                 "object",
				"properties":           make(map[string]interface{}),
				"required":             make([]string, 0),
				"additionalProperties": false,
			},
		},
	}
}

// AddParam adds a parameter to the schema.
func (b *SchemaBuilder) AddParam(name, paramType, description string, required bool) *SchemaBuilder {
	props := b.schema.Parameters["properties"].(map[string]interface{})
	props[name] = map[string]interface{}{
		"type":        paramType,
		"description": description,
	}
	if required {
		req := b.schema.Parameters["required"].([]string)
		b.schema.Parameters["required"] = append(req, name)
	}
	return b
}

// Build returns the constructed schema.
func (b *SchemaBuilder) Build() *Schema {
	return b.schema
}

// Properties returns the declared parameter names mapped to their JSON types.
func (s *Schema) Properties() map[string]string {
	out := make(map[string]string)
	props, _ := s.Parameters["properties"].(map[string]interface{})
	for name, raw := range props {
		def, _ := raw.(map[string]interface{})
		t, _ := def["type"].(string)
		out[name] = t
	}
	return out
}

// Required returns the names of required parameters.
func (s *Schema) Required() []string {
	req, _ := s.Parameters["required"].([]string)
	return req
}

// ToModelTool converts the schema into a model tool declaration.
func (s *Schema) ToModelTool() model.Tool {
	return model.Tool{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Parameters,
	}
}

// Validate checks input against the schema: every required parameter is
// present and non-null, no undeclared parameter is given, and each value
// has the declared JSON type. Problems are reported together.
func (s *Schema) Validate(input map[string]interface{}) error {
	props := s.Properties()
	var problems []string

	for _, name := range s.Required() {
		if v, ok := input[name]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
		}
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		want, declared := props[k]
		if !declared {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", k))
			continue
		}
		v := input[k]
		if v == nil {
			continue
		}
		if !hasType(v, want) {
			problems = append(problems, fmt.Sprintf("parameter %q must be a %s, got %T", k, want, v))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func hasType(v interface{}, want string) bool {
	switch want {
	case "number":
		f, ok := toFloat(v)
		return ok && !math.IsNaN(f) && !math.IsInf(f, 0)
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Registry holds tool schemas in registration order.
type Registry struct {
	schemas map[string]*Schema
	order   []string
}

// NewRegistry creates a new empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds a schema to the registry. It reports false if the name is
// already taken.
func (r *Registry) Register(schema *Schema) bool {
	if _, exists := r.schemas[schema.Name]; exists {
		return false
	}
	r.schemas[schema.Name] = schema
	r.order = append(r.order, schema.Name)
	return true
}

// Get retrieves a schema by name.
func (r *Registry) Get(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// List returns all registered schema names in registration order.
func (r *Registry) List() []string {
	return append([]string(nil), r.order...)
}

// ToModelTools converts all schemas to model tool declarations.
func (r *Registry) ToModelTools() []model.Tool {
	result := make([]model.Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.schemas[name].ToModelTool())
	}
	return result
}

// ToOpenAIFormat converts schemas to OpenAI function calling format.
func (r *Registry) ToOpenAIFormat() []map[string]interface{} {
	result := make([]map[string]interface{}, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, map[string]interface{}{
			"type":     "function",
			"function": r.schemas[name],
		})
	}
	return result
}

// ToJSON returns the registry in OpenAI format as indented JSON.
func (r *Registry) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r.ToOpenAIFormat(), "", "  ")
}
