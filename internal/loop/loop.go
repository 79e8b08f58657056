// Package loop drives one strategy through the durable await protocol.
//
// Each event is simulated against the strategy; an "effect needed" revert publishes an effect
// request and parks the event until the matching result has been submitted on chain, after which
// the event is simulated again. Results are always drained before a new event is pulled, so two
// events of the same strategy never interleave while an effect is outstanding.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"automation/internal/broker"
	"automation/internal/chain"
	"automation/internal/codec"
	"automation/internal/failure"
	"automation/internal/obs"
	"automation/internal/schema"
	"automation/internal/topology"
	"automation/pkg/exception"
)

// Contract is the strategy program as seen by the loop.
type Contract interface {
	Simulate(ctx context.Context, input []byte) (chain.SimulationResult, error)
	Commit(ctx context.Context, input []byte) error
	SubmitResult(ctx context.Context, res schema.EffectResult) error
	Epoch(ctx context.Context) (uint64, error)
}

// Reporter receives the loop's status transitions.
type Reporter interface {
	SetStatus(strategyID string, status schema.LoopStatus, cause error) error
}

// Config tunes a loop. Zero values fall back to defaults.
type Config struct {
	MaxIterations int           `yaml:"max_iterations"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	// RetryDelay holds back new events after an event failed and was requeued.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// AwaitTimeout gives up on outstanding effects and requeues the event; zero waits forever.
	AwaitTimeout time.Duration `yaml:"await_timeout"`
	// ChainTimeout bounds each commit and result submission, including the wait for its receipt.
	ChainTimeout time.Duration `yaml:"chain_timeout"`
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ChainTimeout <= 0 {
		c.ChainTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the shared collaborators of every loop in a process.
type Deps struct {
	Broker    broker.Broker
	Publisher *broker.Publisher
	Metrics   *obs.Metrics
	Reporter  Reporter
}

// inflight is the event currently being driven to commit.
type inflight struct {
	delivery      broker.Delivery
	event         schema.StepEvent
	input         []byte
	correlationID string
	iterations    int
}

// Loop owns one strategy's inbound event queue and result queue.
type Loop struct {
	strategyID string
	contract   Contract
	deps       Deps
	cfg        Config
	now        func() time.Time

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error

	epoch   atomic.Uint64
	pending atomic.Int64

	// owned by the run goroutine
	current       *inflight
	awaiting      map[schema.IdempotencyKey]chain.EffectDescriptor
	awaitingSince time.Time
	holdUntil     time.Time
}

func New(strategyID string, contract Contract, deps Deps, cfg Config) *Loop {
	return &Loop{
		strategyID: strategyID,
		contract:   contract,
		deps:       deps,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		awaiting:   make(map[schema.IdempotencyKey]chain.EffectDescriptor),
	}
}

func (l *Loop) StrategyID() string {
	return l.strategyID
}

// Start runs the loop in a new goroutine until Stop is called or ctx ends.
func (l *Loop) Start(ctx context.Context) error {
	if l.started.Swap(true) {
		return failure.Wrap(exception.ErrLoopStarted, l.strategyID)
	}
	go l.run(ctx)
	return nil
}

// Stop asks the loop to exit at the next turn boundary. The in-flight event is requeued.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		select {
		case <-l.done:
		default:
			l.report(schema.LoopStopping, nil)
		}
	})
}

// Done is closed when the loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that ended the loop, if any.
func (l *Loop) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Wait blocks until the loop exits or ctx ends.
func (l *Loop) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Epoch is the strategy epoch observed after the last commit.
func (l *Loop) Epoch() uint64 {
	return l.epoch.Load()
}

// Pending is the number of effect results the loop is waiting for.
func (l *Loop) Pending() int {
	return int(l.pending.Load())
}

func (l *Loop) stopping(ctx context.Context) bool {
	select {
	case <-l.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// idle waits one poll interval, returning early on stop.
func (l *Loop) idle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.stop:
	case <-ctx.Done():
	}
}

func (l *Loop) report(status schema.LoopStatus, cause error) {
	if l.deps.Reporter == nil {
		return
	}
	if err := l.deps.Reporter.SetStatus(l.strategyID, status, cause); err != nil {
		logs.Errorf("loop %s report %s, err: %+v", l.strategyID, status, err)
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	if epoch, err := l.contract.Epoch(ctx); err != nil {
		logs.Errorf("loop %s read epoch, err: %+v", l.strategyID, err)
	} else {
		l.epoch.Store(epoch)
	}

	l.report(schema.LoopRunning, nil)
	logs.Infof("loop %s running at epoch %d", l.strategyID, l.epoch.Load())

	var fatal error
	for !l.stopping(ctx) {
		progressed, err := l.turn(ctx)
		if err != nil {
			if isFatal(err) {
				fatal = err
				break
			}
			logs.Errorf("loop %s turn, err: %+v", l.strategyID, err)
		}
		if !progressed {
			l.idle(ctx, l.cfg.PollInterval)
		}
	}

	if l.current != nil {
		l.settle(l.current.delivery.Nack(true), "requeue in-flight event")
		l.current = nil
	}

	if fatal != nil {
		l.errMu.Lock()
		l.err = fatal
		l.errMu.Unlock()
		logs.Errorf("loop %s stopped, err: %+v", l.strategyID, fatal)
		l.report(schema.LoopError, fatal)
		return
	}
	logs.Infof("loop %s stopped", l.strategyID)
	l.report(schema.LoopStopped, nil)
}

// isFatal reports whether the loop can no longer make progress on its queues.
func isFatal(err error) bool {
	return errors.Is(err, exception.ErrBrokerClosed) || errors.Is(err, exception.ErrUnknownQueue)
}

// turn performs one scheduling step and reports whether anything happened.
func (l *Loop) turn(ctx context.Context) (bool, error) {
	drained, err := l.drainResults(ctx)
	if err != nil {
		return drained > 0, err
	}
	if l.stopping(ctx) {
		return true, nil
	}

	if len(l.awaiting) > 0 {
		if l.current != nil && l.cfg.AwaitTimeout > 0 && l.now().Sub(l.awaitingSince) >= l.cfg.AwaitTimeout {
			l.clearAwaiting()
			l.fail(exception.ErrAwaitTimeout)
			return true, nil
		}
		return drained > 0, nil
	}
	if l.current != nil {
		l.advance(ctx)
		return true, nil
	}
	if l.now().Before(l.holdUntil) {
		return drained > 0, nil
	}

	d, ok, err := l.deps.Broker.Get(ctx, topology.EventQueue(l.strategyID))
	if err != nil {
		return drained > 0, failure.Wrap(err, "get event")
	}
	if !ok {
		return drained > 0, nil
	}
	l.begin(ctx, d)
	return true, nil
}

// drainResults consumes every result that is ready without blocking.
func (l *Loop) drainResults(ctx context.Context) (int, error) {
	n := 0
	for {
		d, ok, err := l.deps.Broker.Get(ctx, topology.ResultQueue(l.strategyID))
		if err != nil {
			return n, failure.Wrap(err, "get result")
		}
		if !ok {
			return n, nil
		}
		n++
		l.handleResult(ctx, d)
	}
}

// handleResult always acks: a result whose submission failed is requested again by the next simulation.
func (l *Loop) handleResult(ctx context.Context, d broker.Delivery) {
	defer func() { l.settle(d.Ack(), "ack result") }()

	res, err := codec.DecodeEffectResult(d.Message().Body)
	if err != nil {
		logs.Errorf("loop %s discard malformed result, err: %+v", l.strategyID, err)
		l.deps.Metrics.ObserveResult(false, 0)
		return
	}

	if _, ok := l.awaiting[res.IdempotencyKey]; !ok {
		logs.Infof("loop %s discard unmatched result %s", l.strategyID, res.IdempotencyKey.Hex())
		l.deps.Metrics.ObserveResult(false, res.Latency())
		return
	}
	l.deps.Metrics.ObserveResult(true, res.Latency())

	sctx, cancel := context.WithTimeout(ctx, l.cfg.ChainTimeout)
	err = l.contract.SubmitResult(sctx, res)
	cancel()
	if err != nil {
		logs.Errorf("loop %s submit result %s, err: %+v", l.strategyID, res.IdempotencyKey.Hex(), err)
	}
	delete(l.awaiting, res.IdempotencyKey)
	l.pending.Store(int64(len(l.awaiting)))
}

// begin decodes a new event and runs its first simulation.
func (l *Loop) begin(ctx context.Context, d broker.Delivery) {
	msg := d.Message()
	ev, err := codec.DecodeStepEvent(msg.Body)
	if err != nil {
		logs.Errorf("loop %s drop malformed event, err: %+v", l.strategyID, err)
		l.settle(d.Ack(), "ack malformed event")
		return
	}
	input, err := chain.EncodeStepInput(ev)
	if err != nil {
		logs.Errorf("loop %s drop unencodable event, err: %+v", l.strategyID, err)
		l.settle(d.Ack(), "ack unencodable event")
		return
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = obs.NewCorrelationID()
	}
	l.current = &inflight{
		delivery:      d,
		event:         ev,
		input:         input,
		correlationID: correlationID,
	}
	l.advance(ctx)
}

// advance runs one simulate iteration of the in-flight event.
func (l *Loop) advance(ctx context.Context) {
	cur := l.current
	if cur.iterations >= l.cfg.MaxIterations {
		l.fail(exception.ErrIterationLimit)
		return
	}
	cur.iterations++

	start := l.now()
	sim, err := l.contract.Simulate(ctx, cur.input)
	l.deps.Metrics.ObserveSimulate(l.now().Sub(start))
	if err != nil {
		l.fail(failure.Wrap(err, "simulate"))
		return
	}

	switch sim.Kind {
	case chain.SimulationSuccess:
		l.commit(ctx)
	case chain.SimulationEffectNeeded:
		l.request(ctx, sim.Effect)
	default:
		l.fail(failure.Wrap(exception.ErrSimulationFailed, sim.Reason))
	}
}

func (l *Loop) commit(ctx context.Context) {
	cur := l.current

	start := l.now()
	cctx, cancel := context.WithTimeout(ctx, l.cfg.ChainTimeout)
	err := l.contract.Commit(cctx, cur.input)
	cancel()
	if err != nil {
		l.fail(failure.Wrap(exception.ErrCommitFailed, err.Error()))
		return
	}
	l.deps.Metrics.ObserveCommit(l.now().Sub(start))

	if epoch, err := l.contract.Epoch(ctx); err != nil {
		logs.Errorf("loop %s refresh epoch, err: %+v", l.strategyID, err)
	} else {
		l.epoch.Store(epoch)
	}

	l.settle(cur.delivery.Ack(), "ack event")
	l.deps.Metrics.ObserveEventCommitted(l.strategyID)
	logs.Infof("loop %s committed %s event in %d iterations, epoch %d", l.strategyID, cur.event.EventType, cur.iterations, l.epoch.Load())
	l.current = nil
}

func (l *Loop) request(ctx context.Context, desc chain.EffectDescriptor) {
	req := desc.Request(l.strategyID, l.current.correlationID, l.now())
	body, err := codec.EncodeEffectRequest(req)
	if err != nil {
		l.fail(failure.Wrap(err, "encode effect request"))
		return
	}

	err = l.deps.Publisher.Publish(ctx, topology.ExchangeRequests, topology.KeyRequest, broker.Message{
		Body:          body,
		ContentType:   codec.ContentType,
		CorrelationID: req.CorrelationID,
		MessageID:     req.IdempotencyKey.Hex(),
		Timestamp:     req.RequestedAt,
	})
	if err != nil {
		l.fail(failure.Wrap(err, "publish effect request"))
		return
	}

	if len(l.awaiting) == 0 {
		l.awaitingSince = l.now()
	}
	l.awaiting[desc.IdempotencyKey] = desc
	l.pending.Store(int64(len(l.awaiting)))
	l.deps.Metrics.IncEffectRequested(desc.EffectType.String())
}

func (l *Loop) clearAwaiting() {
	clear(l.awaiting)
	l.pending.Store(0)
}

// fail requeues the in-flight event and holds back new events for RetryDelay.
func (l *Loop) fail(err error) {
	cur := l.current
	l.current = nil
	l.holdUntil = l.now().Add(l.cfg.RetryDelay)

	l.deps.Metrics.ObserveEventFailed(l.strategyID, errors.Is(err, exception.ErrIterationLimit))
	logs.Errorf("loop %s requeue %s event after %d iterations, err: %+v", l.strategyID, cur.event.EventType, cur.iterations, err)
	l.settle(cur.delivery.Nack(true), "requeue event")
}

func (l *Loop) settle(err error, action string) {
	if err != nil {
		logs.Errorf("loop %s %s, err: %+v", l.strategyID, action, err)
	}
}
