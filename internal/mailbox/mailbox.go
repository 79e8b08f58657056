// Package mailbox serialises work per entity without blocking producers.
//
// A Mailbox is a private FIFO with at most one consumer goroutine, started when an item arrives at
// an idle mailbox and exiting once the mailbox is drained. A Dispatcher fans items out to one
// mailbox per key, so different keys are processed concurrently and each key in arrival order.
package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yanun0323/logs"

	"automation/internal/failure"
	"automation/pkg/exception"
)

// Handler processes one item. Errors and panics are logged and the item is skipped.
type Handler[T any] func(ctx context.Context, item T) error

type Mailbox[T any] struct {
	id      string
	ctx     context.Context
	handler Handler[T]

	mu      sync.Mutex
	items   []T
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// New builds a mailbox whose handler runs under ctx.
func New[T any](ctx context.Context, id string, handler Handler[T]) *Mailbox[T] {
	return &Mailbox[T]{id: id, ctx: ctx, handler: handler}
}

// Enqueue appends item and wakes the consumer if it is idle. It never blocks.
func (m *Mailbox[T]) Enqueue(item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return failure.Wrap(exception.ErrMailboxClosed, m.id)
	}
	m.items = append(m.items, item)
	if !m.running {
		m.running = true
		m.wg.Add(1)
		go m.drain()
	}
	return nil
}

// Len is the number of items waiting, excluding the one being processed.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects new items and waits until queued ones are processed or ctx ends.
func (m *Mailbox[T]) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox[T]) drain() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		item := m.items[0]
		var zero T
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		m.process(item)
	}
}

func (m *Mailbox[T]) process(item T) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("mailbox %s handler panic, err: %+v", m.id, fmt.Errorf("%v", r))
		}
	}()
	if err := m.handler(m.ctx, item); err != nil {
		logs.Errorf("mailbox %s skip item, err: %+v", m.id, err)
	}
}

// Dispatcher owns one mailbox per key.
type Dispatcher[T any] struct {
	ctx     context.Context
	handler func(ctx context.Context, key string, item T) error

	mu        sync.Mutex
	mailboxes map[string]*Mailbox[T]
	closed    bool
}

func NewDispatcher[T any](ctx context.Context, handler func(ctx context.Context, key string, item T) error) *Dispatcher[T] {
	return &Dispatcher[T]{
		ctx:       ctx,
		handler:   handler,
		mailboxes: make(map[string]*Mailbox[T]),
	}
}

// Dispatch enqueues item into the mailbox of key, creating it on first use.
func (d *Dispatcher[T]) Dispatch(key string, item T) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return failure.Wrap(exception.ErrMailboxClosed, key)
	}
	mb, ok := d.mailboxes[key]
	if !ok {
		mb = New(d.ctx, key, func(ctx context.Context, item T) error {
			return d.handler(ctx, key, item)
		})
		d.mailboxes[key] = mb
	}
	d.mu.Unlock()

	return mb.Enqueue(item)
}

// Keys lists the keys that have a mailbox.
func (d *Dispatcher[T]) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.mailboxes))
	for k := range d.mailboxes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Remove closes and forgets the mailbox of key after it drains.
func (d *Dispatcher[T]) Remove(ctx context.Context, key string) error {
	d.mu.Lock()
	mb, ok := d.mailboxes[key]
	delete(d.mailboxes, key)
	d.mu.Unlock()

	if !ok {
		return nil
	}
	return mb.Close(ctx)
}

// Close stops accepting items and drains every mailbox.
func (d *Dispatcher[T]) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	mailboxes := make([]*Mailbox[T], 0, len(d.mailboxes))
	for _, mb := range d.mailboxes {
		mailboxes = append(mailboxes, mb)
	}
	d.mu.Unlock()

	for _, mb := range mailboxes {
		if err := mb.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}
