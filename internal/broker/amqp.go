package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yanun0323/logs"

	"automation/internal/failure"
	"automation/pkg/backoff"
	"automation/pkg/exception"
)

// AMQPConfig defines the RabbitMQ connection behavior.
type AMQPConfig struct {
	URL       string
	Heartbeat time.Duration
	// ConfirmTimeout bounds the wait for a publisher confirm.
	ConfirmTimeout time.Duration
	// MaxLength caps every declared queue; publishes into a full queue are nacked.
	MaxLength int
	Backoff   backoff.Backoff
	// OnConnect runs after every (re)connect, before the broker reports ready.
	OnConnect    func(ctx context.Context) error
	OnDisconnect func(err error)
}

// AMQP is a RabbitMQ broker that reconnects with backoff and resumes consumers after reconnect.
type AMQP struct {
	cfg AMQPConfig

	mu    sync.RWMutex
	conn  *amqp.Connection
	chans *channelSet[*amqp.Channel]
	pub   *amqp.Channel
	ready chan struct{}

	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewAMQP validates config and builds a broker. Run must be started to connect.
func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, failure.Wrap(exception.ErrInvalidConfig, "amqp url is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	cfg.Backoff = cfg.Backoff.OrDefault()
	return &AMQP{
		cfg:    cfg,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

// Run owns the connection lifecycle and blocks until ctx is done or the broker closes.
func (b *AMQP) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-b.closed:
			return nil
		default:
		}

		conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{Heartbeat: b.cfg.Heartbeat, Locale: "en_US"})
		if err != nil {
			attempt++
			logs.Errorf("dial amqp, attempt: %d, err: %+v", attempt, err)
			b.cfg.Backoff.Sleep(ctx, attempt)
			continue
		}
		if err := b.attach(conn); err != nil {
			_ = conn.Close()
			attempt++
			logs.Errorf("open amqp channels, err: %+v", err)
			b.cfg.Backoff.Sleep(ctx, attempt)
			continue
		}

		if b.cfg.OnConnect != nil {
			if err := b.cfg.OnConnect(ctx); err != nil {
				b.detach()
				_ = conn.Close()
				attempt++
				logs.Errorf("amqp on connect, err: %+v", err)
				b.cfg.Backoff.Sleep(ctx, attempt)
				continue
			}
		}
		attempt = 0
		b.markReady()
		logs.Info("amqp connected")

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		var cause error
		select {
		case <-ctx.Done():
		case <-b.closed:
		case amqpErr, ok := <-notify:
			if ok && amqpErr != nil {
				cause = amqpErr
			} else {
				cause = exception.ErrBrokerNotConnected
			}
		}
		b.detach()
		_ = conn.Close()
		if b.cfg.OnDisconnect != nil {
			b.cfg.OnDisconnect(cause)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-b.closed:
			return nil
		default:
		}
		logs.Errorf("amqp disconnected, err: %+v", cause)
		attempt++
		b.cfg.Backoff.Sleep(ctx, attempt)
	}
}

func (b *AMQP) attach(conn *amqp.Connection) error {
	chans := newChannelSet(conn.Channel)
	if _, err := chans.get(opsChannel); err != nil {
		return failure.Wrap(err, "open ops channel")
	}
	pub, err := conn.Channel()
	if err != nil {
		return failure.Wrap(err, "open publish channel")
	}
	if err := pub.Confirm(false); err != nil {
		return failure.Wrap(err, "enable publisher confirms")
	}
	b.mu.Lock()
	b.conn, b.chans, b.pub = conn, chans, pub
	b.mu.Unlock()
	b.connected.Store(true)
	return nil
}

func (b *AMQP) markReady() {
	b.mu.Lock()
	select {
	case <-b.ready:
	default:
		close(b.ready)
	}
	b.mu.Unlock()
}

func (b *AMQP) detach() {
	b.connected.Store(false)
	b.mu.Lock()
	if b.chans != nil {
		b.chans.closeAll()
	}
	b.conn, b.chans, b.pub = nil, nil, nil
	select {
	case <-b.ready:
		b.ready = make(chan struct{})
	default:
	}
	b.mu.Unlock()
}

// Connected reports whether a connection is currently attached.
func (b *AMQP) Connected() bool {
	return b.connected.Load()
}

// WaitReady blocks until the broker is connected and OnConnect has completed.
func (b *AMQP) WaitReady(ctx context.Context) error {
	b.mu.RLock()
	ready := b.ready
	b.mu.RUnlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return exception.ErrBrokerClosed
	}
}

// channel returns the channel reserved for key. Topology runs on opsChannel
// and every queue's Get has its own, so a failed bind cannot requeue held deliveries.
func (b *AMQP) channel(key string) (*amqp.Channel, error) {
	select {
	case <-b.closed:
		return nil, exception.ErrBrokerClosed
	default:
	}
	b.mu.RLock()
	chans := b.chans
	b.mu.RUnlock()
	if chans == nil {
		return nil, exception.ErrBrokerNotConnected
	}
	ch, err := chans.get(key)
	if err != nil {
		return nil, failure.Wrap(exception.ErrBrokerNotConnected, err.Error())
	}
	return ch, nil
}

// classify maps channel-level AMQP errors onto the broker's sentinel errors.
func classify(err error, subject string) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.NotFound:
			return failure.Wrap(exception.ErrUnknownQueue, subject+": "+amqpErr.Reason)
		case amqp.PreconditionFailed:
			return failure.Wrap(exception.ErrInvalidExchangeKind, subject+": "+amqpErr.Reason)
		}
	}
	return failure.Wrap(err, subject)
}

func (b *AMQP) DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error {
	if !kind.IsAvailable() {
		return failure.Wrap(exception.ErrInvalidExchangeKind, string(kind))
	}
	ch, err := b.channel(opsChannel)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(name, string(kind), true, false, false, false, nil); err != nil {
		return classify(err, "declare exchange "+name)
	}
	return nil
}

func (b *AMQP) DeclareQueue(ctx context.Context, name string) error {
	ch, err := b.channel(opsChannel)
	if err != nil {
		return err
	}
	var args amqp.Table
	if b.cfg.MaxLength > 0 {
		args = amqp.Table{
			"x-max-length": int64(b.cfg.MaxLength),
			"x-overflow":   "reject-publish",
		}
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return classify(err, "declare queue "+name)
	}
	return nil
}

func (b *AMQP) DeleteQueue(ctx context.Context, name string) error {
	ch, err := b.channel(opsChannel)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return classify(err, "delete queue "+name)
	}
	b.mu.RLock()
	chans := b.chans
	b.mu.RUnlock()
	if chans != nil {
		chans.drop(getChannel(name))
	}
	return nil
}

func (b *AMQP) Bind(ctx context.Context, queue, exchange, key string) error {
	ch, err := b.channel(opsChannel)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return classify(err, "bind "+queue+" to "+exchange+" with "+key)
	}
	return nil
}

func (b *AMQP) Unbind(ctx context.Context, queue, exchange, key string) error {
	ch, err := b.channel(opsChannel)
	if err != nil {
		return err
	}
	if err := ch.QueueUnbind(queue, key, exchange, nil); err != nil {
		return classify(err, "unbind "+queue+" from "+exchange+" with "+key)
	}
	return nil
}

// Publish sends a persistent message and waits for the publisher confirm.
// A broker nack, such as a full queue with reject-publish overflow, yields accepted=false.
func (b *AMQP) Publish(ctx context.Context, exchange, key string, msg Message) (bool, error) {
	b.mu.RLock()
	pub := b.pub
	b.mu.RUnlock()
	if pub == nil {
		return false, exception.ErrBrokerNotConnected
	}

	confirm, err := pub.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		DeliveryMode:  amqp.Persistent,
		Body:          msg.Body,
	})
	if err != nil {
		return false, failure.Wrap(err, "publish to "+exchange)
	}
	if confirm == nil {
		return true, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return false, failure.Wrap(err, "wait publisher confirm")
	}
	return acked, nil
}

func (b *AMQP) Get(ctx context.Context, queue string) (Delivery, bool, error) {
	ch, err := b.channel(getChannel(queue))
	if err != nil {
		return nil, false, err
	}
	d, ok, err := ch.Get(queue, false)
	if err != nil {
		return nil, false, classify(err, "get from "+queue)
	}
	if !ok {
		return nil, false, nil
	}
	return &amqpDelivery{d: d}, true, nil
}

// Consume keeps a consumer attached across reconnects until ctx ends or the broker closes.
func (b *AMQP) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	out := make(chan Delivery)
	go b.consumeLoop(ctx, queue, prefetch, out)
	return out, nil
}

func (b *AMQP) consumeLoop(ctx context.Context, queue string, prefetch int, out chan<- Delivery) {
	defer close(out)
	attempt := 0
	for {
		if err := b.WaitReady(ctx); err != nil {
			return
		}
		ch, deliveries, err := b.openConsumer(ctx, queue, prefetch)
		if err != nil {
			attempt++
			logs.Errorf("consume %s, attempt: %d, err: %+v", queue, attempt, err)
			if !b.cfg.Backoff.Sleep(ctx, attempt) {
				return
			}
			continue
		}
		attempt = 0

		stop := b.forward(ctx, deliveries, out)
		_ = ch.Close()
		if stop {
			return
		}
	}
}

func (b *AMQP) openConsumer(ctx context.Context, queue string, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return nil, nil, exception.ErrBrokerNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, failure.Wrap(err, "open consumer channel")
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, failure.Wrap(err, "set prefetch")
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, classify(err, "consume "+queue)
	}
	return ch, deliveries, nil
}

// forward relays deliveries until the upstream channel closes. It returns true when the consumer should stop.
func (b *AMQP) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Delivery) bool {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() != nil
			}
			select {
			case out <- &amqpDelivery{d: d}:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return true
			case <-b.closed:
				return true
			}
		case <-ctx.Done():
			return true
		case <-b.closed:
			return true
		}
	}
}

func (b *AMQP) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

type amqpDelivery struct {
	d       amqp.Delivery
	settled atomic.Bool
}

func (d *amqpDelivery) Message() Message {
	return Message{
		Body:          d.d.Body,
		ContentType:   d.d.ContentType,
		CorrelationID: d.d.CorrelationId,
		MessageID:     d.d.MessageId,
		Timestamp:     d.d.Timestamp,
	}
}

func (d *amqpDelivery) Redelivered() bool {
	return d.d.Redelivered
}

func (d *amqpDelivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return exception.ErrDeliverySettled
	}
	return d.d.Ack(false)
}

func (d *amqpDelivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return exception.ErrDeliverySettled
	}
	return d.d.Nack(false, requeue)
}
