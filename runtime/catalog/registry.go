package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom/runtime/agent"
)

// Registry maps agent class names to constructors. It replaces dynamic
// class loading: every loadable class is registered at startup, and
// persisted definitions referencing unknown classes are pruned during
// bootstrap.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]agent.Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]agent.Constructor)}
}

// Register binds a class name to a constructor. Registering the same name
// twice panics: class names are startup wiring, not runtime state.
func (r *Registry) Register(className string, ctor agent.Constructor) {
	if className == "" || ctor == nil {
		panic("catalog: class name and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[className]; ok {
		panic(fmt.Sprintf("catalog: class %q registered twice", className))
	}
	r.ctors[className] = ctor
}

// Resolve returns the constructor for a class name. The constructor never
// holds long-lived resources; instantiation is cheap.
func (r *Registry) Resolve(className string) (agent.Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[className]
	if !ok {
		return nil, fmt.Errorf("class %q: %w", className, ErrAgentClassUnresolvable)
	}
	return ctor, nil
}

// Known reports whether the class name resolves.
func (r *Registry) Known(className string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[className]
	return ok
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
