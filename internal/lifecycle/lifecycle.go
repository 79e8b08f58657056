// Package lifecycle starts and shuts down strategies as asynchronous, queryable operations.
package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"automation/internal/chain"
	"automation/internal/failure"
	"automation/internal/loop"
	"automation/internal/registry"
	"automation/internal/schema"
	"automation/internal/store"
	"automation/internal/topology"
	"automation/pkg/exception"
)

// Config tunes lifecycle operations. Zero durations fall back to defaults.
type Config struct {
	// MinGasPool is the smallest vault gas pool, in wei, accepted when starting a funded strategy.
	MinGasPool      *big.Int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	StopTimeout     time.Duration
	Loop            loop.Config
}

func (c Config) withDefaults() Config {
	if c.MinGasPool == nil {
		c.MinGasPool = new(big.Int)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators of the service.
type Deps struct {
	Store    store.Store
	Topology *topology.Manager
	Registry *registry.Registry
	Resolver Resolver
	// Topics, when set, drops a strategy's cached topic names when it starts and after it shuts down.
	Topics TopicCache
	// Loop is shared by every loop the service starts; its Reporter is replaced by Registry.
	Loop loop.Deps
}

// TopicCache caches the log topic names a strategy declared.
type TopicCache interface {
	Invalidate(strategyID string)
}

// Service runs at most one lifecycle operation per strategy at a time.
type Service struct {
	ctx  context.Context
	deps Deps
	cfg  Config
	now  func() time.Time

	mu  sync.Mutex
	ops map[string]*schema.OperationState
	wg  sync.WaitGroup
}

// New builds a service. Operations and the loops they start run under ctx.
func New(ctx context.Context, deps Deps, cfg Config) *Service {
	deps.Loop.Reporter = deps.Registry
	return &Service{
		ctx:  ctx,
		deps: deps,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		ops:  make(map[string]*schema.OperationState),
	}
}

// Start triggers a start operation and returns its pending state.
func (s *Service) Start(ctx context.Context, strategyID string) (schema.OperationState, error) {
	return s.trigger(ctx, strategyID, schema.OperationStart, s.start)
}

// Shutdown triggers a shutdown operation and returns its pending state.
func (s *Service) Shutdown(ctx context.Context, strategyID string) (schema.OperationState, error) {
	return s.trigger(ctx, strategyID, schema.OperationShutdown, s.shutdown)
}

// Status returns the latest operation of strategyID, from memory or the store.
func (s *Service) Status(ctx context.Context, strategyID string) (schema.OperationState, error) {
	strategyID = store.NormalizeID(strategyID)

	s.mu.Lock()
	op, ok := s.ops[strategyID]
	if ok {
		state := *op
		s.mu.Unlock()
		return state, nil
	}
	s.mu.Unlock()

	state, err := s.deps.Store.LatestOperation(ctx, strategyID)
	if errors.Is(err, exception.ErrRecordNotFound) {
		return schema.OperationState{}, failure.Wrap(exception.ErrOperationNotFound, strategyID)
	}
	if err != nil {
		return schema.OperationState{}, failure.Wrap(err, "latest operation")
	}
	return state, nil
}

// Recover fails every stored operation left open by a previous process and returns how many.
func (s *Service) Recover(ctx context.Context) (int, error) {
	open, err := s.deps.Store.OpenOperations(ctx)
	if err != nil {
		return 0, failure.Wrap(err, "open operations")
	}
	for _, op := range open {
		op.Status = schema.OperationFailed
		op.Error = exception.ErrInterrupted.Error()
		op.CompletedAt = s.now().UTC()
		if err := s.deps.Store.SaveOperation(ctx, op); err != nil {
			return 0, failure.Wrap(err, "save interrupted operation "+op.ID)
		}
		logs.Infof("lifecycle %s %s of %s marked interrupted", op.Operation, op.ID, op.StrategyID)
	}
	return len(open), nil
}

// Wait blocks until every background operation has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stepFunc func(ctx context.Context, op *schema.OperationState) error

func (s *Service) trigger(ctx context.Context, strategyID string, kind schema.Operation, run stepFunc) (schema.OperationState, error) {
	strategyID = store.NormalizeID(strategyID)
	if err := topology.ValidatePart("strategy id", strategyID); err != nil {
		return schema.OperationState{}, failure.Wrap(exception.ErrInvalidArgument, err.Error())
	}

	s.mu.Lock()
	if cur, ok := s.ops[strategyID]; ok && !cur.Status.IsTerminal() {
		state := *cur
		s.mu.Unlock()
		return state, nil
	}
	op := &schema.OperationState{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Operation:  kind,
		Status:     schema.OperationPending,
		StartedAt:  s.now().UTC(),
	}
	s.ops[strategyID] = op
	state := *op
	s.wg.Add(1)
	s.mu.Unlock()

	s.persist(ctx, state)
	logs.Infof("lifecycle %s %s of %s triggered", kind, state.ID, strategyID)

	go func() {
		defer s.wg.Done()
		err := run(s.ctx, op)
		s.finish(op, err)
	}()
	return state, nil
}

// advance moves op to status and persists it.
func (s *Service) advance(ctx context.Context, op *schema.OperationState, status schema.OperationStatus) {
	s.mu.Lock()
	op.Status = status
	state := *op
	s.mu.Unlock()
	s.persist(ctx, state)
}

func (s *Service) finish(op *schema.OperationState, err error) {
	s.mu.Lock()
	op.CompletedAt = s.now().UTC()
	if err != nil {
		op.Status = schema.OperationFailed
		op.Error = err.Error()
	} else {
		op.Status = schema.OperationCompleted
	}
	state := *op
	s.mu.Unlock()

	s.persist(context.WithoutCancel(s.ctx), state)
	if err != nil {
		logs.Errorf("lifecycle %s %s of %s failed, err: %+v", state.Operation, state.ID, state.StrategyID, err)
		return
	}
	logs.Infof("lifecycle %s %s of %s completed", state.Operation, state.ID, state.StrategyID)
}

func (s *Service) persist(ctx context.Context, state schema.OperationState) {
	if err := s.deps.Store.SaveOperation(ctx, state); err != nil {
		logs.Errorf("lifecycle save %s %s of %s, err: %+v", state.Operation, state.ID, state.StrategyID, err)
	}
}

func (s *Service) start(ctx context.Context, op *schema.OperationState) error {
	s.advance(ctx, op, schema.OperationValidating)
	st, err := s.deps.Store.Strategy(ctx, op.StrategyID)
	if err != nil {
		return failure.Wrap(err, "load strategy")
	}
	if st.RequiresFunding {
		if err := s.checkFunding(ctx, st); err != nil {
			return err
		}
	}
	id := op.StrategyID
	if s.deps.Topics != nil {
		s.deps.Topics.Invalidate(id)
	}
	program, err := s.deps.Resolver.Program(ctx, st)
	if err != nil {
		return failure.Wrap(err, "resolve program")
	}

	s.advance(ctx, op, schema.OperationStartingLoop)
	if err := s.deps.Topology.DeclareStrategy(ctx, id); err != nil {
		return failure.Wrap(err, "declare topology")
	}
	l := loop.New(id, program, s.deps.Loop, s.cfg.Loop)
	if err := s.deps.Registry.Register(id, l); err != nil {
		return err
	}
	if err := l.Start(s.ctx); err != nil {
		s.unregister(id)
		return err
	}

	s.advance(ctx, op, schema.OperationPublishing)
	if err := s.publishCommand(ctx, id, schema.LifecycleStart); err != nil {
		s.stopLoop(id)
		s.unregister(id)
		return err
	}
	return nil
}

func (s *Service) checkFunding(ctx context.Context, st store.Strategy) error {
	if st.Vault == nil {
		return failure.Wrap(exception.ErrVaultNotRegistered, st.ID)
	}
	vault, err := s.deps.Resolver.Vault(ctx, *st.Vault)
	if err != nil {
		return failure.Wrap(err, "resolve vault")
	}

	shutdown, err := vault.IsShutdown(ctx)
	if err != nil {
		return failure.Wrap(err, "read vault shutdown")
	}
	if shutdown {
		return failure.Wrap(exception.ErrVaultShutdown, st.Vault.Address.Hex())
	}
	balance, err := vault.Balance(ctx)
	if err != nil {
		return failure.Wrap(err, "read vault balance")
	}
	if balance.Sign() <= 0 {
		return failure.Wrap(exception.ErrVaultEmpty, st.Vault.Address.Hex())
	}
	pool, err := vault.GasPool(ctx)
	if err != nil {
		return failure.Wrap(err, "read vault gas pool")
	}
	if pool.Cmp(s.cfg.MinGasPool) < 0 {
		return failure.Wrap(exception.ErrGasPoolTooLow, pool.String()+" < "+s.cfg.MinGasPool.String())
	}
	return nil
}

func (s *Service) shutdown(ctx context.Context, op *schema.OperationState) error {
	st, err := s.deps.Store.Strategy(ctx, op.StrategyID)
	if err != nil {
		return failure.Wrap(err, "load strategy")
	}
	id := op.StrategyID
	program, err := s.deps.Resolver.Program(ctx, st)
	if err != nil {
		return failure.Wrap(err, "resolve program")
	}

	s.advance(ctx, op, schema.OperationPublishing)
	if err := s.publishCommand(ctx, id, schema.LifecycleShutdown); err != nil {
		return err
	}

	s.advance(ctx, op, schema.OperationWaitingChain)
	if err := s.awaitShutdown(ctx, program); err != nil {
		return err
	}

	s.advance(ctx, op, schema.OperationStoppingLoop)
	s.stopLoop(id)

	s.advance(ctx, op, schema.OperationTearingDown)
	if err := s.deps.Topology.TeardownStrategy(ctx, id); err != nil {
		return failure.Wrap(err, "tear down topology")
	}
	if err := s.deps.Registry.Unregister(id); err != nil && !errors.Is(err, exception.ErrLoopNotFound) {
		return err
	}
	if s.deps.Topics != nil {
		s.deps.Topics.Invalidate(id)
	}
	return nil
}

// awaitShutdown polls the on-chain lifecycle until it reads shutdown or the timeout elapses.
func (s *Service) awaitShutdown(ctx context.Context, program Program) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		status, err := program.LifecycleStatus(ctx)
		if err != nil {
			logs.Errorf("lifecycle read status, err: %+v", err)
		} else if status == chain.LifecycleShutdown {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return exception.ErrShutdownTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) unregister(strategyID string) {
	if err := s.deps.Registry.Unregister(strategyID); err != nil {
		logs.Errorf("lifecycle unregister %s, err: %+v", strategyID, err)
	}
}

// stopLoop stops the registered loop of strategyID and waits up to StopTimeout for it to exit.
func (s *Service) stopLoop(strategyID string) {
	h, ok := s.deps.Registry.Handle(strategyID)
	if !ok {
		return
	}
	h.Stop()

	t := time.NewTimer(s.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-h.Done():
	case <-t.C:
		logs.Errorf("lifecycle loop %s did not stop within %s", strategyID, s.cfg.StopTimeout)
	}
}

func (s *Service) publishCommand(ctx context.Context, strategyID string, cmd schema.LifecycleCommand) error {
	payload, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	ev := schema.NewStepEvent(schema.EventLifecycle, payload, "lifecycle", s.now())
	if _, err := loop.PublishEvent(ctx, s.deps.Loop.Publisher, strategyID, ev); err != nil {
		return err
	}
	return nil
}
