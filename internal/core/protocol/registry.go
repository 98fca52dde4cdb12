package protocol

import (
	"context"
	"sync"

	"github.com/dep2p/harbor/pkg/types"
)

// Handler serves one message kind. Request kinds return the response
// message; fire-and-forget kinds return nil.
type Handler func(ctx context.Context, from types.PeerID, msg Message) (Message, error)

// Registry maps message kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

// Register installs h for k.
func (r *Registry) Register(k Kind, h Handler) error {
	if !k.Valid() {
		return ErrUnknownKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[k]; ok {
		return ErrDuplicateHandler
	}
	r.handlers[k] = h
	return nil
}

// Unregister removes the handler of k.
func (r *Registry) Unregister(k Kind) {
	r.mu.Lock()
	delete(r.handlers, k)
	r.mu.Unlock()
}

// Handler returns the handler of k.
func (r *Registry) Handler(k Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[k]
	return h, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
