package engine

import (
	"context"

	"github.com/flowstate/flowstate/pkg/schema"
)

// NodeHandler implements the behavior of one node kind. Handlers are the
// only place kind-specific logic lives; the driver loop owns ordering.
type NodeHandler interface {
	Kind() schema.StepKind
	Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error)
}

// Registry maps node kinds to their handlers. Populated once at machine
// construction and read-only afterwards.
type Registry struct {
	handlers map[schema.StepKind]NodeHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.StepKind]NodeHandler)}
}

// Register adds a handler, replacing any previous handler for its kind.
func (r *Registry) Register(h NodeHandler) {
	r.handlers[h.Kind()] = h
}

// Handler returns the handler for a kind, or nil when none is registered.
func (r *Registry) Handler(kind schema.StepKind) NodeHandler {
	return r.handlers[kind]
}

// CheckComplete verifies that every known node kind has a handler. Called
// once at machine construction, never per dispatch.
func (r *Registry) CheckComplete() error {
	var missing []string
	for _, kind := range schema.AllKinds() {
		if _, ok := r.handlers[kind]; !ok {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"handler registry incomplete: no handler for %v", missing)
	}
	return nil
}
