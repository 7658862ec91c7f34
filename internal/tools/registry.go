// Package tools provides the tool registry: schemas plus executable kinds.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/flynn-ai/tally/internal/errors"
	"github.com/flynn-ai/tally/internal/model"
	"github.com/flynn-ai/tally/internal/tools/executor"
	"github.com/flynn-ai/tally/internal/tools/schemas"
)

// Definition binds a tool kind to the schema the model is shown.
type Definition struct {
	Kind   executor.Kind
	Schema *schemas.Schema
}

// Registry combines schemas and executable kinds. Bindings are immutable
// once registered.
type Registry struct {
	schemas *schemas.Registry
	kinds   map[string]executor.Kind
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: schemas.NewRegistry(),
		kinds:   make(map[string]executor.Kind),
	}
}

// NewDefaultRegistry returns a registry holding add, multiply and divide.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Initialize(); err != nil {
		// The built-in set has unique names.
		panic(err)
	}
	return r
}

// Register binds def.Schema.Name to def.Kind. A name can be bound once.
func (r *Registry) Register(def Definition) error {
	if def.Schema == nil || def.Schema.Name == "" {
		return errors.User(errors.CodeToolInvalidParams, "tool schema must have a name")
	}
	if _, exists := r.kinds[def.Schema.Name]; exists {
		return errors.User(errors.CodeToolDuplicate, fmt.Sprintf("tool %q already registered", def.Schema.Name))
	}
	r.schemas.Register(def.Schema)
	r.kinds[def.Schema.Name] = def.Kind
	return nil
}

// Lookup resolves a tool name.
func (r *Registry) Lookup(name string) (executor.Kind, *schemas.Schema, error) {
	kind, ok := r.kinds[name]
	if !ok {
		return 0, nil, errors.NewBuilder(errors.CodeToolNotFound, fmt.Sprintf("unknown tool: %s", name)).
			User().
			WithSuggestion(fmt.Sprintf("Available tools: %v", r.schemas.List())).
			Build()
	}
	schema, _ := r.schemas.Get(name)
	return kind, schema, nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	return r.schemas.List()
}

// Schemas returns the schema registry.
func (r *Registry) Schemas() *schemas.Registry {
	return r.schemas
}

// Declarations returns the tool declarations sent to the model.
func (r *Registry) Declarations() []model.Tool {
	return r.schemas.ToModelTools()
}

// Execute resolves, validates and runs a tool. The returned Result is never
// nil; err is non-nil exactly when Result.Success is false.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (*executor.Result, error) {
	start := time.Now()

	v, err := r.run(ctx, name, input)
	if err != nil {
		return executor.TimedResult(executor.NewErrorResult(err), start), err
	}
	return executor.TimedResult(executor.NewSuccessResult(v), start), nil
}

func (r *Registry) run(ctx context.Context, name string, input map[string]any) (float64, error) {
	kind, schema, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}

	if err := schema.Validate(input); err != nil {
		return 0, errors.Wrap(err, errors.CodeToolInvalidParams, fmt.Sprintf("invalid arguments for %s", name), errors.CategoryUser)
	}
	ops, err := executor.DecodeOperands(input)
	if err != nil {
		return 0, err
	}

	return executor.Execute(ctx, kind, ops)
}

// Initialize registers the arithmetic tools.
func (r *Registry) Initialize() error {
	for _, kind := range executor.Kinds {
		schema := schemas.NewSchema(kind.Name(), kind.Description()).
			AddParam("a", "number", "first number", true).
			AddParam("b", "number", "second number", true).
			Build()
		if err := r.Register(Definition{Kind: kind, Schema: schema}); err != nil {
			return err
		}
	}
	return nil
}
