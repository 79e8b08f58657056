package topology

import (
	"context"
	"sort"
	"sync"

	"automation/internal/broker"
	"automation/internal/failure"
)

// Manager declares the shared and per-strategy topology and tracks dynamic market bindings.
// Restore replays everything after a broker reconnect.
type Manager struct {
	broker   broker.Broker
	bindings *bindings

	mu         sync.Mutex
	shared     bool
	strategies map[string]struct{}
}

// New builds a topology manager over b.
func New(b broker.Broker) *Manager {
	return &Manager{
		broker:     b,
		bindings:   newBindings(),
		strategies: make(map[string]struct{}),
	}
}

// DeclareShared declares the exchanges and the shared pending queue.
func (m *Manager) DeclareShared(ctx context.Context) error {
	if err := m.declareShared(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.shared = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) declareShared(ctx context.Context) error {
	if err := m.broker.DeclareExchange(ctx, ExchangeRequests, broker.KindDirect); err != nil {
		return failure.Wrap(err, "declare requests exchange")
	}
	if err := m.broker.DeclareExchange(ctx, ExchangeResults, broker.KindDirect); err != nil {
		return failure.Wrap(err, "declare results exchange")
	}
	if err := m.broker.DeclareExchange(ctx, ExchangeEvents, broker.KindTopic); err != nil {
		return failure.Wrap(err, "declare events exchange")
	}
	if err := m.broker.DeclareQueue(ctx, QueuePending); err != nil {
		return failure.Wrap(err, "declare pending queue")
	}
	if err := m.broker.Bind(ctx, QueuePending, ExchangeRequests, KeyRequest); err != nil {
		return failure.Wrap(err, "bind pending queue")
	}
	return nil
}

// DeclareStrategy declares the strategy's result and event queues with their fixed bindings.
func (m *Manager) DeclareStrategy(ctx context.Context, strategyID string) error {
	if err := ValidatePart("strategy id", strategyID); err != nil {
		return err
	}
	if err := m.declareStrategy(ctx, strategyID); err != nil {
		return err
	}
	m.mu.Lock()
	m.strategies[strategyID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Manager) declareStrategy(ctx context.Context, strategyID string) error {
	results, events := ResultQueue(strategyID), EventQueue(strategyID)
	if err := m.broker.DeclareQueue(ctx, results); err != nil {
		return failure.Wrap(err, "declare "+results)
	}
	if err := m.broker.Bind(ctx, results, ExchangeResults, ResultKey(strategyID)); err != nil {
		return failure.Wrap(err, "bind "+results)
	}
	if err := m.broker.DeclareQueue(ctx, events); err != nil {
		return failure.Wrap(err, "declare "+events)
	}
	for _, key := range []string{ActionKey(strategyID), LifecycleKey(strategyID)} {
		if err := m.broker.Bind(ctx, events, ExchangeEvents, key); err != nil {
			return failure.Wrap(err, "bind "+events+" with "+key)
		}
	}
	return nil
}

// TeardownStrategy removes the strategy's market bindings and deletes its queues.
func (m *Manager) TeardownStrategy(ctx context.Context, strategyID string) error {
	events := EventQueue(strategyID)
	for _, b := range m.bindings.Drop(strategyID) {
		if err := m.broker.Unbind(ctx, events, ExchangeEvents, b.Key()); err != nil {
			return failure.Wrap(err, "unbind "+events+" with "+b.Key())
		}
	}
	if err := m.broker.DeleteQueue(ctx, events); err != nil {
		return failure.Wrap(err, "delete "+events)
	}
	results := ResultQueue(strategyID)
	if err := m.broker.DeleteQueue(ctx, results); err != nil {
		return failure.Wrap(err, "delete "+results)
	}
	m.mu.Lock()
	delete(m.strategies, strategyID)
	m.mu.Unlock()
	return nil
}

// BindMarket routes a market data stream into the strategy's inbound queue.
// Broker bindings are idempotent, so repeats and binds unknown to this process are safe.
func (m *Manager) BindMarket(ctx context.Context, strategyID, market, interval string) error {
	if err := ValidatePart("strategy id", strategyID); err != nil {
		return err
	}
	key, err := MarketKey(market, interval)
	if err != nil {
		return err
	}
	if err := m.broker.Bind(ctx, EventQueue(strategyID), ExchangeEvents, key); err != nil {
		return failure.Wrap(err, "bind market "+key)
	}
	m.bindings.Add(strategyID, MarketBinding{Market: market, Interval: interval})
	return nil
}

// UnbindMarket stops routing a market data stream into the strategy's inbound queue.
func (m *Manager) UnbindMarket(ctx context.Context, strategyID, market, interval string) error {
	if err := ValidatePart("strategy id", strategyID); err != nil {
		return err
	}
	key, err := MarketKey(market, interval)
	if err != nil {
		return err
	}
	if err := m.broker.Unbind(ctx, EventQueue(strategyID), ExchangeEvents, key); err != nil {
		return failure.Wrap(err, "unbind market "+key)
	}
	m.bindings.Remove(strategyID, MarketBinding{Market: market, Interval: interval})
	return nil
}

// Markets returns the strategy's current market bindings.
func (m *Manager) Markets(strategyID string) []MarketBinding {
	return m.bindings.Of(strategyID)
}

// Strategies returns the strategies with declared topology.
func (m *Manager) Strategies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.strategies))
	for id := range m.strategies {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Restore redeclares everything recorded so far. It is the broker's on-connect hook.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	shared := m.shared
	m.mu.Unlock()
	if shared {
		if err := m.declareShared(ctx); err != nil {
			return err
		}
	}
	for _, id := range m.Strategies() {
		if err := m.declareStrategy(ctx, id); err != nil {
			return err
		}
		events := EventQueue(id)
		for _, b := range m.bindings.Of(id) {
			if err := m.broker.Bind(ctx, events, ExchangeEvents, b.Key()); err != nil {
				return failure.Wrap(err, "restore market "+b.Key())
			}
		}
	}
	return nil
}
