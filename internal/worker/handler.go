package worker

import (
	"context"
	"sync"
)

// Handler is a registered service's async implementation: the "opaque
// callable named by a string" of spec.md §1, invoked with a payload map
// and returning a result map or an error. It must be safe for concurrent
// invocation from multiple workers, and should respect ctx cancellation.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Registry maps service name to Handler. Registration must complete
// before Start(); concurrent reads (dispatch lookups) are always safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under name, overwriting any existing handler of
// the same name. Per spec.md §4.10, calling this while the pool is
// running is undefined; callers must register before Start().
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler for name, and whether it was found.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
