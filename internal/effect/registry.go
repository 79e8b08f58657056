// Package effect executes effect requests through handlers keyed by effect type.
package effect

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"
)

// Outcome is what a handler reports back to the strategy program.
// OK=false carries a diagnostic in Data; it is a business failure, not an executor error.
type Outcome struct {
	OK   bool
	Data []byte
}

// Succeeded reports success with result data.
func Succeeded(data []byte) Outcome {
	return Outcome{OK: true, Data: data}
}

// Failed reports a business failure with an ABI-encoded reason.
func Failed(reason string) Outcome {
	return Outcome{OK: false, Data: EncodeReason(reason)}
}

// Handler executes one effect type.
// A returned error is transient: the request is released and redelivered.
type Handler interface {
	Handle(ctx context.Context, req schema.EffectRequest) (Outcome, error)
}

type HandlerFunc func(ctx context.Context, req schema.EffectRequest) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, req schema.EffectRequest) (Outcome, error) {
	return f(ctx, req)
}

// Registry maps effect types to handlers. Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.EffectType]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.EffectType]Handler),
	}
}

// Register binds h to t. A second registration of the same type is rejected.
func (r *Registry) Register(t schema.EffectType, h Handler) error {
	if h == nil {
		return failure.Wrap(exception.ErrNilHandler, t.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[t]; ok {
		return failure.Wrap(exception.ErrDuplicateHandler, t.String())
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Lookup(t schema.EffectType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	return h, ok
}

// Types lists the registered effect types in discriminator order.
func (r *Registry) Types() []schema.EffectType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.EffectType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
