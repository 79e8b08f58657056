// Package registry tracks the running strategy loops of a process.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"
)

// Handle is the owned background task behind a registered loop.
type Handle interface {
	Stop()
	Done() <-chan struct{}
	Err() error
}

type entry struct {
	schema.LoopEntry
	handle Handle
}

// Registry maps strategy ids to loops. One mutex serialises every mutation.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register adds a loop in starting status. A live loop for the same strategy is rejected;
// an exited one is replaced.
func (r *Registry) Register(strategyID string, h Handle) error {
	if h == nil {
		return exception.ErrNilInstance
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[strategyID]; ok && !e.Status.IsTerminal() {
		return failure.Wrap(exception.ErrLoopAlreadyExists, strategyID)
	}
	r.entries[strategyID] = &entry{
		LoopEntry: schema.LoopEntry{
			StrategyID: strategyID,
			Status:     schema.LoopStarting,
			StartedAt:  r.now().UTC(),
		},
		handle: h,
	}
	return nil
}

// SetStatus moves a loop to status. Repeating the current status is a no-op.
func (r *Registry) SetStatus(strategyID string, status schema.LoopStatus, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[strategyID]
	if !ok {
		return failure.Wrap(exception.ErrLoopNotFound, strategyID)
	}
	if e.Status == status {
		return nil
	}
	if !canTransition(e.Status, status) {
		return failure.Wrap(exception.ErrInvalidTransition, string(e.Status)+" -> "+string(status))
	}

	e.Status = status
	if cause != nil {
		e.Error = cause.Error()
	}
	if status.IsTerminal() {
		e.StoppedAt = r.now().UTC()
	}
	return nil
}

func canTransition(from, to schema.LoopStatus) bool {
	switch from {
	case schema.LoopStarting:
		return to == schema.LoopRunning || to == schema.LoopStopping || to.IsTerminal()
	case schema.LoopRunning:
		return to == schema.LoopStopping || to.IsTerminal()
	case schema.LoopStopping:
		return to.IsTerminal()
	default:
		return false
	}
}

func (r *Registry) Get(strategyID string) (schema.LoopEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[strategyID]
	if !ok {
		return schema.LoopEntry{}, false
	}
	return e.LoopEntry, true
}

// Handle returns the task behind a registered loop.
func (r *Registry) Handle(strategyID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[strategyID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// List returns every entry ordered by strategy id.
func (r *Registry) List() []schema.LoopEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]schema.LoopEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.LoopEntry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

func (r *Registry) Unregister(strategyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[strategyID]; !ok {
		return failure.Wrap(exception.ErrLoopNotFound, strategyID)
	}
	delete(r.entries, strategyID)
	return nil
}

// StopAll stops every loop and waits for them to exit or ctx to end.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		handles = append(handles, e.handle)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
