package tool

import (
	"fmt"
	"sync"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/model"
)

// Resolver looks tools up by name.
type Resolver interface {
	Lookup(name string) (Tool, bool)
}

// Registry is a concurrency safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry holding tools. It panics on duplicate names,
// which are programming errors at wiring time.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%w: duplicate tool %q", core.ErrInvalidArgument, t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Lookup implements Resolver.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Definitions returns the model facing declarations in registration order.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
