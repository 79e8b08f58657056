// Package chaos injects transport faults around a broker: refused and duplicated publishes,
// publish delay, and deliveries that are returned to their queue instead of being acknowledged.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"automation/internal/broker"
	"automation/internal/failure"
	"automation/pkg/exception"
)

// Config controls fault injection. Rates are probabilities in [0, 1].
type Config struct {
	Seed          int64         `yaml:"seed"`
	RefuseRate    float64       `yaml:"refuse_rate"`
	DuplicateRate float64       `yaml:"duplicate_rate"`
	RedeliverRate float64       `yaml:"redeliver_rate"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	for name, rate := range map[string]float64{
		"refuse_rate":    c.RefuseRate,
		"duplicate_rate": c.DuplicateRate,
		"redeliver_rate": c.RedeliverRate,
	} {
		if rate < 0 || rate > 1 {
			return failure.Wrap(exception.ErrInvalidConfig, name+" must be between 0 and 1")
		}
	}
	if c.RedeliverRate == 1 {
		return failure.Wrap(exception.ErrInvalidConfig, "redeliver_rate 1 never acknowledges")
	}
	if c.MaxDelay < 0 {
		return failure.Wrap(exception.ErrInvalidConfig, "max_delay must be >= 0")
	}
	return nil
}

// Broker wraps a broker.Broker with fault injection.
type Broker struct {
	broker.Broker
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// Wrap validates cfg and decorates b.
func Wrap(b broker.Broker, cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Broker{
		Broker: b,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (b *Broker) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64() < rate
}

func (b *Broker) delay() time.Duration {
	if b.cfg.MaxDelay <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rng.Int63n(b.cfg.MaxDelay.Nanoseconds() + 1))
}

func (b *Broker) Publish(ctx context.Context, exchange, key string, msg broker.Message) (bool, error) {
	if d := b.delay(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
	if b.roll(b.cfg.RefuseRate) {
		return false, nil
	}
	accepted, err := b.Broker.Publish(ctx, exchange, key, msg)
	if err != nil || !accepted {
		return accepted, err
	}
	if b.roll(b.cfg.DuplicateRate) {
		_, _ = b.Broker.Publish(ctx, exchange, key, msg)
	}
	return true, nil
}

func (b *Broker) Get(ctx context.Context, queue string) (broker.Delivery, bool, error) {
	d, ok, err := b.Broker.Get(ctx, queue)
	if err != nil || !ok {
		return d, ok, err
	}
	return &delivery{Delivery: d, b: b}, true, nil
}

func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	in, err := b.Broker.Consume(ctx, queue, prefetch)
	if err != nil {
		return nil, err
	}
	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range in {
			select {
			case out <- &delivery{Delivery: d, b: b}:
			case <-ctx.Done():
				_ = d.Nack(true)
				return
			}
		}
	}()
	return out, nil
}

// delivery turns some acknowledgements into requeues, as if the consumer died before acking.
type delivery struct {
	broker.Delivery
	b *Broker
}

func (d *delivery) Ack() error {
	if d.b.roll(d.b.cfg.RedeliverRate) {
		return d.Delivery.Nack(true)
	}
	return d.Delivery.Ack()
}
