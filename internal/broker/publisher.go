package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"automation/internal/failure"
	"automation/internal/obs"
	"automation/pkg/backoff"
	"automation/pkg/exception"
)

// DefaultMaxAttempts bounds publish retries when no limit is configured.
const DefaultMaxAttempts = 8

// PublisherConfig bounds the retry of refused publishes.
type PublisherConfig struct {
	MaxAttempts int
	Backoff     backoff.Backoff
}

// Publisher retries refused or transiently failed publishes with capped jittered backoff.
// It never drops a message silently: exhaustion returns exception.ErrPublishRejected.
type Publisher struct {
	broker  Broker
	cfg     PublisherConfig
	metrics *obs.Metrics
}

// NewPublisher wraps b with bounded retry.
func NewPublisher(b Broker, cfg PublisherConfig, metrics *obs.Metrics) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff.IsZero() {
		cfg.Backoff = backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
			Jitter: 0.2,
		}
	}
	return &Publisher{broker: b, cfg: cfg, metrics: metrics}
}

// Publish sends msg, retrying until accepted or the attempt budget is spent.
func (p *Publisher) Publish(ctx context.Context, exchange, key string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	var last error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		accepted, err := p.broker.Publish(ctx, exchange, key, msg)
		if err == nil && accepted {
			p.metrics.ObservePublish(true, false)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil && !retryable(err) {
			return failure.Wrap(err, "publish to "+exchange+" with "+key)
		}
		last = err
		if attempt == p.cfg.MaxAttempts {
			break
		}
		p.metrics.ObservePublish(false, false)
		if !p.cfg.Backoff.Sleep(ctx, attempt) {
			return ctx.Err()
		}
	}
	p.metrics.ObservePublish(false, true)

	text := exchange + " with " + key + " after " + strconv.Itoa(p.cfg.MaxAttempts) + " attempts"
	if last != nil {
		text += ", last: " + last.Error()
	}
	return failure.Wrap(exception.ErrPublishRejected, text)
}

func retryable(err error) bool {
	switch {
	case failure.IsPermanent(err),
		errors.Is(err, exception.ErrBrokerClosed),
		errors.Is(err, exception.ErrUnknownExchange):
		return false
	default:
		return true
	}
}
