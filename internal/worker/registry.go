package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler executes the work for one task type. It must be a pure function of
// its parameters plus whatever dependencies were injected at construction.
// Because delivery is at-least-once, a handler may run more than once for
// the same logical task and must tolerate that (idempotent or at least
// non-corrupting).
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry maps task type strings to handlers. Populated once at worker
// startup; queried by exact match only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Registering a type twice replaces
// the earlier handler with a warning.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		log.Warn().Str("task_type", taskType).Msg("task type already registered, replacing")
	}
	r.handlers[taskType] = h
	log.Info().Str("task_type", taskType).Msg("handler registered")
}

// Lookup returns the handler for a task type.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
