// Package direct runs strategies without a broker: each strategy's events flow through its own
// mailbox and effects are executed in process through the same handler registry and ledger.
package direct

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"automation/internal/chain"
	"automation/internal/executor"
	"automation/internal/failure"
	"automation/internal/loop"
	"automation/internal/mailbox"
	"automation/internal/obs"
	"automation/internal/schema"
	"automation/pkg/backoff"
	"automation/pkg/exception"
)

// Resolver returns the strategy program of strategyID.
type Resolver func(ctx context.Context, strategyID string) (loop.Contract, error)

// Config tunes a runner. Zero values fall back to defaults.
type Config struct {
	MaxIterations int             `yaml:"max_iterations"`
	Attempts      int             `yaml:"attempts"`
	Backoff       backoff.Backoff `yaml:"backoff"`
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 16
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	c.Backoff = c.Backoff.OrDefault()
	return c
}

// Runner processes step events per strategy in arrival order.
type Runner struct {
	resolve  Resolver
	executor *executor.Executor
	metrics  *obs.Metrics
	cfg      Config
	now      func() time.Time

	dispatcher *mailbox.Dispatcher[schema.StepEvent]

	mu     sync.Mutex
	epochs map[string]uint64
}

// New builds a runner whose event handlers run under ctx.
func New(ctx context.Context, resolve Resolver, exec *executor.Executor, metrics *obs.Metrics, cfg Config) *Runner {
	r := &Runner{
		resolve:  resolve,
		executor: exec,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		epochs:   make(map[string]uint64),
	}
	r.dispatcher = mailbox.NewDispatcher(ctx, r.process)
	return r
}

// Submit queues ev for strategyID without blocking.
func (r *Runner) Submit(strategyID string, ev schema.StepEvent) error {
	if !ev.EventType.IsAvailable() {
		return failure.Wrap(exception.ErrInvalidArgument, "unknown event type "+string(ev.EventType))
	}
	return r.dispatcher.Dispatch(strategyID, ev)
}

// Epoch is the epoch observed after the last commit of strategyID.
func (r *Runner) Epoch(strategyID string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	epoch, ok := r.epochs[strategyID]
	return epoch, ok
}

// Forget drains and drops the mailbox of strategyID.
func (r *Runner) Forget(ctx context.Context, strategyID string) error {
	if err := r.dispatcher.Remove(ctx, strategyID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.epochs, strategyID)
	r.mu.Unlock()
	return nil
}

// Close stops accepting events and waits for queued ones.
func (r *Runner) Close(ctx context.Context) error {
	return r.dispatcher.Close(ctx)
}

// process drives one event to commit. A failed event is dropped since there is no queue to return it to.
func (r *Runner) process(ctx context.Context, strategyID string, ev schema.StepEvent) error {
	contract, err := r.resolve(ctx, strategyID)
	if err != nil {
		return failure.Wrap(err, "resolve "+strategyID)
	}
	input, err := chain.EncodeStepInput(ev)
	if err != nil {
		return failure.Wrap(err, "encode step input")
	}
	correlationID := obs.NewCorrelationID()

	for i := 0; i < r.cfg.MaxIterations; i++ {
		start := r.now()
		sim, err := contract.Simulate(ctx, input)
		r.metrics.ObserveSimulate(r.now().Sub(start))
		if err != nil {
			r.metrics.ObserveEventFailed(strategyID, false)
			return failure.Wrap(err, "simulate")
		}

		switch sim.Kind {
		case chain.SimulationSuccess:
			return r.commit(ctx, strategyID, contract, input, ev, i+1)
		case chain.SimulationEffectNeeded:
			r.resolveEffect(ctx, strategyID, contract, sim.Effect.Request(strategyID, correlationID, r.now()))
		default:
			r.metrics.ObserveEventFailed(strategyID, false)
			return failure.Wrap(exception.ErrSimulationFailed, sim.Reason)
		}
	}

	r.metrics.ObserveEventFailed(strategyID, true)
	return failure.Wrap(exception.ErrIterationLimit, strategyID)
}

// resolveEffect executes req and submits its result. Failures are logged; the next simulation asks again.
func (r *Runner) resolveEffect(ctx context.Context, strategyID string, contract loop.Contract, req schema.EffectRequest) {
	r.metrics.IncEffectRequested(req.EffectType.String())

	res, err := r.execute(ctx, req)
	if err != nil {
		logs.Errorf("direct %s execute %s, err: %+v", strategyID, req.IdempotencyKey.Hex(), err)
		return
	}
	r.metrics.ObserveResult(true, res.Latency())

	if err := contract.SubmitResult(ctx, res); err != nil {
		logs.Errorf("direct %s submit result %s, err: %+v", strategyID, req.IdempotencyKey.Hex(), err)
	}
}

func (r *Runner) execute(ctx context.Context, req schema.EffectRequest) (schema.EffectResult, error) {
	var last error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		res, err := r.executor.Execute(ctx, req)
		if err == nil {
			return res, nil
		}
		last = err
		if failure.IsPermanent(err) {
			break
		}
		if attempt < r.cfg.Attempts && !r.cfg.Backoff.Sleep(ctx, attempt) {
			return schema.EffectResult{}, ctx.Err()
		}
	}
	return schema.EffectResult{}, last
}

func (r *Runner) commit(ctx context.Context, strategyID string, contract loop.Contract, input []byte, ev schema.StepEvent, iterations int) error {
	start := r.now()
	if err := contract.Commit(ctx, input); err != nil {
		r.metrics.ObserveEventFailed(strategyID, false)
		return failure.Wrap(exception.ErrCommitFailed, err.Error())
	}
	r.metrics.ObserveCommit(r.now().Sub(start))
	r.metrics.ObserveEventCommitted(strategyID)

	epoch, err := contract.Epoch(ctx)
	if err != nil {
		logs.Errorf("direct %s refresh epoch, err: %+v", strategyID, err)
	} else {
		r.mu.Lock()
		r.epochs[strategyID] = epoch
		r.mu.Unlock()
	}
	logs.Infof("direct %s committed %s event in %d iterations, epoch %d", strategyID, ev.EventType, iterations, epoch)
	return nil
}
