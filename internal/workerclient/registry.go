package workerclient

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler executes one job of a given kind. The payload is opaque to the
// orchestrator; the result document is reported back verbatim.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry maps job kinds to Handler functions.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

func (r *Registry) Lookup(kind string) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}
	return h, nil
}

// Kinds returns the registered kinds; the client claims only these.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
