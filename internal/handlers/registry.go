package handlers

import (
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// Registry resolves tool strings to handlers. It is built once at startup
// and read-only afterwards; dispatch is first-match-wins over registration
// order, so overlapping matchers are a configuration error.
type Registry struct {
	handlers []Handler
}

// NewRegistry creates a Registry over the given handlers, in dispatch order.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// Resolve returns the first handler whose Match accepts the tool.
func (r *Registry) Resolve(tool string) (Handler, error) {
	for _, h := range r.handlers {
		if h.Match(tool) {
			return h, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNoHandler, "no handler for tool").
		WithDetails(map[string]any{"tool": tool})
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	return len(r.handlers)
}
