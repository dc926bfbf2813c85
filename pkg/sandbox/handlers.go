package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is a kernel-internal method body. Genesis artifacts are
// plain executable artifacts whose code dispatches here instead of into
// an interpreter, so they remain reachable through the one invoke
// pipeline every other artifact uses.
type HandlerFunc func(ctx context.Context, caller string, args []interface{}) (interface{}, error)

// HandlerRegistry maps artifact id and method name onto kernel handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]HandlerFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]map[string]HandlerFunc)}
}

// Register binds a handler to (artifactID, method). Re-registering
// replaces the previous handler.
func (r *HandlerRegistry) Register(artifactID, method string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	methods, ok := r.handlers[artifactID]
	if !ok {
		methods = make(map[string]HandlerFunc)
		r.handlers[artifactID] = methods
	}
	methods[method] = fn
}

// Handles reports whether the artifact dispatches to kernel handlers.
func (r *HandlerRegistry) Handles(artifactID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[artifactID]) > 0
}

// Methods lists the registered method names of an artifact, sorted.
func (r *HandlerRegistry) Methods(artifactID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers[artifactID]))
	for m := range r.handlers[artifactID] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Call runs the registered handler. Handler failures are ordinary
// execution failures, never kernel errors.
func (r *HandlerRegistry) Call(ctx context.Context, artifactID, method string, caller string, args []interface{}) (interface{}, error) {
	if method == "" {
		method = DefaultMethod
	}
	r.mu.RLock()
	fn := r.handlers[artifactID][method]
	r.mu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("artifact %s has no method %q", artifactID, method)
	}
	return fn(ctx, caller, args)
}
