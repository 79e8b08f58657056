package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"automation/internal/failure"
	"automation/pkg/exception"
)

// DefaultQueueCapacity bounds each in-memory queue when no capacity is configured.
const DefaultQueueCapacity = 4096

// Memory is an in-process broker with bounded queues.
// A publish that would overflow any routed queue is refused with accepted=false.
type Memory struct {
	mu        sync.Mutex
	exchanges map[string]*memExchange
	queues    map[string]*memQueue
	capacity  int

	closed    chan struct{}
	closeOnce sync.Once
}

type memExchange struct {
	kind     ExchangeKind
	bindings map[memBinding]struct{}
}

type memBinding struct {
	queue string
	key   string
}

type queued struct {
	msg         Message
	redelivered bool
}

type memQueue struct {
	mu       sync.Mutex
	items    []queued
	capacity int
	wake     chan struct{}
	deleted  chan struct{}
}

// NewMemory allocates a memory broker whose queues hold at most capacity messages.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Memory{
		exchanges: make(map[string]*memExchange),
		queues:    make(map[string]*memQueue),
		capacity:  capacity,
		closed:    make(chan struct{}),
	}
}

func (b *Memory) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *Memory) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return exception.ErrBrokerClosed
	}
	return nil
}

func (b *Memory) DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error {
	if err := b.guard(ctx); err != nil {
		return err
	}
	if !kind.IsAvailable() {
		return failure.Wrap(exception.ErrInvalidExchangeKind, string(kind))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return failure.Wrap(exception.ErrInvalidExchangeKind, "exchange "+name+" already declared as "+string(ex.kind))
		}
		return nil
	}
	b.exchanges[name] = &memExchange{kind: kind, bindings: make(map[memBinding]struct{})}
	return nil
}

func (b *Memory) DeclareQueue(ctx context.Context, name string) error {
	if err := b.guard(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return nil
	}
	b.queues[name] = &memQueue{
		capacity: b.capacity,
		wake:     make(chan struct{}),
		deleted:  make(chan struct{}),
	}
	return nil
}

func (b *Memory) DeleteQueue(ctx context.Context, name string) error {
	if err := b.guard(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		for binding := range ex.bindings {
			if binding.queue == name {
				delete(ex.bindings, binding)
			}
		}
	}
	q.mu.Lock()
	q.items = nil
	close(q.deleted)
	q.mu.Unlock()
	return nil
}

func (b *Memory) Bind(ctx context.Context, queue, exchange, key string) error {
	if err := b.guard(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchange]
	if !ok {
		return failure.Wrap(exception.ErrUnknownExchange, exchange)
	}
	if _, ok := b.queues[queue]; !ok {
		return failure.Wrap(exception.ErrUnknownQueue, queue)
	}
	ex.bindings[memBinding{queue: queue, key: key}] = struct{}{}
	return nil
}

func (b *Memory) Unbind(ctx context.Context, queue, exchange, key string) error {
	if err := b.guard(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[exchange]; ok {
		delete(ex.bindings, memBinding{queue: queue, key: key})
	}
	return nil
}

// Publish routes msg to every bound queue, or to none when any of them is full.
// Unroutable messages are accepted and dropped.
func (b *Memory) Publish(ctx context.Context, exchange, key string, msg Message) (bool, error) {
	if err := b.guard(ctx); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchange]
	if !ok {
		return false, failure.Wrap(exception.ErrUnknownExchange, exchange)
	}

	targets := make(map[string]*memQueue)
	for binding := range ex.bindings {
		if !routes(ex.kind, binding.key, key) {
			continue
		}
		if q, ok := b.queues[binding.queue]; ok {
			targets[binding.queue] = q
		}
	}
	for _, q := range targets {
		if q.depth() >= q.capacity {
			return false, nil
		}
	}
	for _, q := range targets {
		q.pushBack(queued{msg: cloneMessage(msg)})
	}
	return true, nil
}

func (b *Memory) queue(name string) (*memQueue, error) {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return nil, failure.Wrap(exception.ErrUnknownQueue, name)
	}
	return q, nil
}

func (b *Memory) Get(ctx context.Context, queue string) (Delivery, bool, error) {
	if err := b.guard(ctx); err != nil {
		return nil, false, err
	}
	q, err := b.queue(queue)
	if err != nil {
		return nil, false, err
	}
	item, ok, _ := q.popFront()
	if !ok {
		return nil, false, nil
	}
	return &memDelivery{q: q, item: item, release: func() {}}, true, nil
}

func (b *Memory) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	if err := b.guard(ctx); err != nil {
		return nil, err
	}
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	out := make(chan Delivery)
	go b.consume(ctx, q, prefetch, out)
	return out, nil
}

func (b *Memory) consume(ctx context.Context, q *memQueue, prefetch int, out chan<- Delivery) {
	defer close(out)
	window := make(chan struct{}, prefetch)
	release := func() { <-window }

	for {
		select {
		case window <- struct{}{}:
		case <-ctx.Done():
			return
		case <-q.deleted:
			return
		case <-b.closed:
			return
		}

		var item queued
		for {
			next, ok, wake := q.popFront()
			if ok {
				item = next
				break
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			case <-q.deleted:
				return
			case <-b.closed:
				return
			}
		}

		d := &memDelivery{q: q, item: item, release: release}
		select {
		case out <- d:
		case <-ctx.Done():
			q.pushFront(item)
			return
		case <-b.closed:
			q.pushFront(item)
			return
		}
	}
}

func (b *Memory) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// Depth returns the number of ready messages in queue.
func (b *Memory) Depth(queue string) int {
	q, err := b.queue(queue)
	if err != nil {
		return 0
	}
	return q.depth()
}

// HasBinding reports whether queue is bound to exchange with key.
func (b *Memory) HasBinding(queue, exchange, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchange]
	if !ok {
		return false
	}
	_, ok = ex.bindings[memBinding{queue: queue, key: key}]
	return ok
}

// HasQueue reports whether queue is declared.
func (b *Memory) HasQueue(queue string) bool {
	_, err := b.queue(queue)
	return err == nil
}

func (q *memQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *memQueue) pushBack(item queued) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	q.signal()
}

func (q *memQueue) pushFront(item queued) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.deleted:
		return
	default:
	}
	q.items = append(q.items, queued{})
	copy(q.items[1:], q.items)
	q.items[0] = item
	q.signal()
}

// popFront returns the head item, or the channel closed on the next push when empty.
func (q *memQueue) popFront() (queued, bool, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queued{}, false, q.wake
	}
	item := q.items[0]
	q.items[0] = queued{}
	q.items = q.items[1:]
	return item, true, nil
}

type memDelivery struct {
	q       *memQueue
	item    queued
	settled atomic.Bool
	release func()
}

func (d *memDelivery) Message() Message {
	return d.item.msg
}

func (d *memDelivery) Redelivered() bool {
	return d.item.redelivered
}

func (d *memDelivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return exception.ErrDeliverySettled
	}
	d.release()
	return nil
}

func (d *memDelivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return exception.ErrDeliverySettled
	}
	if requeue {
		d.q.pushFront(queued{msg: d.item.msg, redelivered: true})
	}
	d.release()
	return nil
}

func cloneMessage(msg Message) Message {
	if msg.Body != nil {
		msg.Body = append([]byte(nil), msg.Body...)
	}
	return msg
}
