// Package executor runs effect requests from the shared pending queue.
//
// Any number of executors, in any number of processes, compete for the same queue. The idempotency
// ledger makes the business effect happen once per (strategy, idempotency key) regardless of
// redelivery.
package executor

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"automation/internal/broker"
	"automation/internal/codec"
	"automation/internal/effect"
	"automation/internal/failure"
	"automation/internal/idempotency"
	"automation/internal/obs"
	"automation/internal/schema"
	"automation/internal/topology"
	"automation/pkg/exception"
)

const settleTimeout = 5 * time.Second

// Config tunes an executor. Zero values fall back to defaults.
type Config struct {
	Workers        int           `yaml:"workers"`
	RateLimit      float64       `yaml:"rate_limit"`
	Burst          int           `yaml:"burst"`
	Lease          time.Duration `yaml:"lease"`
	Retention      time.Duration `yaml:"retention"`
	RequeuePause   time.Duration `yaml:"requeue_pause"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Lease <= 0 {
		c.Lease = idempotency.DefaultLease
	}
	if c.Retention <= 0 {
		c.Retention = idempotency.DefaultRetention
	}
	if c.RequeuePause <= 0 {
		c.RequeuePause = 500 * time.Millisecond
	}
	// a handler still running when the lease ends would race its own retry
	if c.HandlerTimeout <= 0 || c.HandlerTimeout >= c.Lease {
		c.HandlerTimeout = c.Lease / 2
	}
	return c
}

// Executor is a pool of workers consuming effects.pending with prefetch 1 each.
type Executor struct {
	id        string
	cfg       Config
	broker    broker.Broker
	publisher *broker.Publisher
	registry  *effect.Registry
	ledger    idempotency.Ledger
	metrics   *obs.Metrics
	limiter   *rate.Limiter
	now       func() time.Time

	running atomic.Bool
}

// New builds an executor identified by id; an empty id gets a generated one.
func New(id string, cfg Config, b broker.Broker, publisher *broker.Publisher, registry *effect.Registry, ledger idempotency.Ledger, metrics *obs.Metrics) *Executor {
	cfg = cfg.withDefaults()
	if id == "" {
		id = obs.NewInstanceID("executor")
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	return &Executor{
		id:        id,
		cfg:       cfg,
		broker:    b,
		publisher: publisher,
		registry:  registry,
		ledger:    ledger,
		metrics:   metrics,
		limiter:   limiter,
		now:       time.Now,
	}
}

func (e *Executor) ID() string {
	return e.id
}

// Run blocks until ctx ends or a worker loses its subscription.
func (e *Executor) Run(ctx context.Context) error {
	if e.running.Swap(true) {
		return failure.Wrap(exception.ErrInvalidArgument, "executor "+e.id+" already running")
	}
	defer e.running.Store(false)

	logs.Infof("executor %s started with %d workers", e.id, e.cfg.Workers)
	eg, ctx := errgroup.WithContext(ctx)
	for i := range e.cfg.Workers {
		eg.Go(func() error {
			return e.work(ctx, i)
		})
	}
	err := eg.Wait()
	logs.Infof("executor %s stopped", e.id)
	return err
}

func (e *Executor) work(ctx context.Context, worker int) error {
	deliveries, err := e.broker.Consume(ctx, topology.QueuePending, 1)
	if err != nil {
		return failure.Wrap(err, "consume "+topology.QueuePending)
	}

	for d := range deliveries {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				e.settle(d.Nack(true), "nack")
				break
			}
		}
		e.process(ctx, d)
	}

	if ctx.Err() != nil {
		return nil
	}
	return failure.Wrap(exception.ErrBrokerClosed, "worker "+e.id+"/"+strconv.Itoa(worker)+" lost "+topology.QueuePending)
}

// process settles exactly one delivery.
func (e *Executor) process(ctx context.Context, d broker.Delivery) {
	body := d.Message().Body

	req, err := codec.DecodeEffectRequest(body)
	if err != nil {
		e.metrics.ObserveEffect(obs.EffectMalformed, "")
		logs.Errorf("executor %s drop malformed request, err: %+v", e.id, err)
		e.answerMalformed(ctx, body, err)
		e.settle(d.Ack(), "ack")
		return
	}

	res, err := e.Execute(ctx, req)
	if err != nil {
		if !errors.Is(err, exception.ErrEffectInFlight) {
			logs.Errorf("executor %s execute %s %s of %s, err: %+v", e.id, req.EffectType, req.IdempotencyKey.Hex(), req.StrategyID, err)
		}
		e.requeue(ctx, d)
		return
	}

	if err := e.publish(ctx, res); err != nil {
		logs.Errorf("executor %s publish result %s of %s, err: %+v", e.id, req.IdempotencyKey.Hex(), req.StrategyID, err)
		e.requeue(ctx, d)
		return
	}
	e.settle(d.Ack(), "ack")
}

// Execute runs req at most once across all executors sharing the ledger and returns its result.
// An unknown effect type yields a failure result. exception.ErrEffectInFlight means another owner
// holds the claim. exception.ErrEffectUnsettled means the handler sent its side effect without
// seeing the outcome; the claim is kept until the lease expires. Any other error is transient and
// the claim has been released.
func (e *Executor) Execute(ctx context.Context, req schema.EffectRequest) (schema.EffectResult, error) {
	handler, ok := e.registry.Lookup(req.EffectType)
	if !ok {
		e.metrics.ObserveEffect(obs.EffectUnknownType, req.EffectType.Hex())
		reason := exception.ErrUnknownEffectType.Error() + " " + req.EffectType.Hex()
		return req.Result(false, effect.EncodeReason(reason), e.id, e.now()), nil
	}

	claim, err := e.ledger.Claim(ctx, req.StrategyID, req.IdempotencyKey, e.id, e.cfg.Lease)
	if err != nil {
		return schema.EffectResult{}, failure.Wrap(err, "claim")
	}

	switch claim.State {
	case idempotency.InFlight:
		e.metrics.ObserveEffect(obs.EffectInFlight, req.EffectType.String())
		return schema.EffectResult{}, exception.ErrEffectInFlight
	case idempotency.Completed:
		e.metrics.ObserveEffect(obs.EffectReplayed, req.EffectType.String())
		return claim.Result, nil
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	out, err := handler.Handle(effect.WithProgress(hctx, &progress{ledger: e.ledger, req: req, owner: e.id}), req)
	cancel()
	if err != nil {
		e.metrics.ObserveEffect(obs.EffectRequeued, req.EffectType.String())
		if errors.Is(err, exception.ErrEffectUnsettled) {
			// keep the claim: the retry waits for the lease and resumes from the recorded progress
			logs.Errorf("executor %s hold claim on %s of %s until lease expiry, err: %+v", e.id, req.IdempotencyKey.Hex(), req.StrategyID, err)
		} else {
			e.release(ctx, req)
		}
		return schema.EffectResult{}, failure.Wrap(err, "handle")
	}

	res := req.Result(out.OK, out.Data, e.id, e.now())
	if err := e.ledger.Complete(detached(ctx), res, e.cfg.Retention); err != nil {
		// the lease still guards against a second run until it expires
		logs.Errorf("executor %s complete %s of %s, err: %+v", e.id, req.IdempotencyKey.Hex(), req.StrategyID, err)
	}
	if out.OK {
		e.metrics.ObserveEffect(obs.EffectSucceeded, req.EffectType.String())
	} else {
		e.metrics.ObserveEffect(obs.EffectFailed, req.EffectType.String())
	}
	return res, nil
}

// answerMalformed tells the strategy its request could not be read, when the body names a strategy.
func (e *Executor) answerMalformed(ctx context.Context, body []byte, cause error) {
	req, ok := codec.PeekRequest(body)
	if !ok || topology.ValidatePart("strategy id", req.StrategyID) != nil {
		return
	}
	res := req.Result(false, effect.EncodeReason(cause.Error()), e.id, e.now())
	if err := e.publish(ctx, res); err != nil {
		logs.Errorf("executor %s answer malformed request of %s, err: %+v", e.id, req.StrategyID, err)
	}
}

func (e *Executor) publish(ctx context.Context, res schema.EffectResult) error {
	body, err := codec.EncodeEffectResult(res)
	if err != nil {
		return failure.Wrap(err, "encode result")
	}
	return e.publisher.Publish(ctx, topology.ExchangeResults, topology.ResultKey(res.StrategyID), broker.Message{
		Body:          body,
		ContentType:   codec.ContentType,
		CorrelationID: res.CorrelationID,
		MessageID:     res.IdempotencyKey.Hex(),
		Timestamp:     res.CompletedAt,
	})
}

func (e *Executor) release(ctx context.Context, req schema.EffectRequest) {
	rctx, cancel := context.WithTimeout(detached(ctx), settleTimeout)
	defer cancel()
	if err := e.ledger.Release(rctx, req.StrategyID, req.IdempotencyKey, e.id); err != nil {
		logs.Errorf("executor %s release %s of %s, err: %+v", e.id, req.IdempotencyKey.Hex(), req.StrategyID, err)
	}
}

// requeue pauses before returning d to the queue so a busy key is not spun on.
func (e *Executor) requeue(ctx context.Context, d broker.Delivery) {
	t := time.NewTimer(e.cfg.RequeuePause)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	e.settle(d.Nack(true), "nack")
}

func (e *Executor) settle(err error, action string) {
	if err != nil {
		logs.Errorf("executor %s %s delivery, err: %+v", e.id, action, err)
	}
}

// progress checkpoints a claimed request in the ledger.
type progress struct {
	ledger idempotency.Ledger
	req    schema.EffectRequest
	owner  string
}

func (p *progress) Load(ctx context.Context) (map[string]string, error) {
	return p.ledger.Checkpoints(ctx, p.req.StrategyID, p.req.IdempotencyKey)
}

func (p *progress) Save(ctx context.Context, name, value string) error {
	return p.ledger.Checkpoint(detached(ctx), p.req.StrategyID, p.req.IdempotencyKey, p.owner, name, value)
}

func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
