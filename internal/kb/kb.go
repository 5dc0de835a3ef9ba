// Package kb defines the uniform contract the mesh speaks to every
// knowledge-base adapter: a named operation registry, health, and an
// optional bus listener. Adapters return raw results; policy and masking
// happen in the enforcement pipeline, never here.
package kb

import (
	"context"
	"fmt"
	"sort"
)

// Health is an adapter's self-reported condition.
type Health struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// OperationNotFoundError reports a dispatch to an unregistered operation.
type OperationNotFoundError struct {
	Name string
}

func (e *OperationNotFoundError) Error() string {
	return fmt.Sprintf("operation %q not found", e.Name)
}

// HandlerFunc executes one operation with named parameters.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// OperationMeta advertises an operation to the directory. InputSchema
// and OutputSchema are JSON-schema objects.
type OperationMeta struct {
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Adapter is the interface every KB backend implements.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Health(ctx context.Context) Health
	Operations() map[string]OperationMeta
	Schema(name string) (OperationMeta, error)
	Execute(ctx context.Context, name string, params map[string]any) (any, error)
}

type operation struct {
	meta    OperationMeta
	handler HandlerFunc
}

// Registry maps operation names to metadata and handlers. Adapters embed
// one and register their operations at construction time.
type Registry struct {
	ops map[string]operation
}

// NewRegistry returns an empty operation registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]operation)}
}

// Register adds or replaces an operation.
func (r *Registry) Register(name string, meta OperationMeta, h HandlerFunc) {
	r.ops[name] = operation{meta: meta, handler: h}
}

// Operations returns the metadata of every registered operation.
func (r *Registry) Operations() map[string]OperationMeta {
	out := make(map[string]OperationMeta, len(r.ops))
	for name, op := range r.ops {
		out[name] = op.meta
	}
	return out
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the metadata for one operation.
func (r *Registry) Schema(name string) (OperationMeta, error) {
	op, ok := r.ops[name]
	if !ok {
		return OperationMeta{}, &OperationNotFoundError{Name: name}
	}
	return op.meta, nil
}

// Execute dispatches to the named operation. Parameter names are checked
// against the operation's declared input schema; surplus names are
// rejected before the handler runs.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (any, error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, &OperationNotFoundError{Name: name}
	}
	if err := checkParams(op.meta.InputSchema, params); err != nil {
		return nil, err
	}
	return op.handler(ctx, params)
}

// checkParams rejects parameter names absent from the schema's declared
// properties and reports missing required names. Value validation stays
// with the handler.
func checkParams(schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name := range params {
		if _, declared := props[name]; !declared {
			return fmt.Errorf("surplus parameter %q", name)
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, req := range required {
			name, _ := req.(string)
			if _, present := params[name]; name != "" && !present {
				return fmt.Errorf("missing required parameter %q", name)
			}
		}
	}
	return nil
}
