package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"automation/internal/schema"
	"automation/pkg/exception"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store for tests and single-node deployments.
type Memory struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	logs       []LogRecord
	operations map[string]schema.OperationState
}

func NewMemory() *Memory {
	return &Memory{
		strategies: make(map[string]Strategy),
		operations: make(map[string]schema.OperationState),
	}
}

// PutStrategy registers or replaces a strategy.
func (m *Memory) PutStrategy(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.Topics = append([]Topic(nil), s.Topics...)
	m.strategies[NormalizeID(s.ID)] = s
}

func (m *Memory) Strategy(_ context.Context, id string) (Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.strategies[NormalizeID(id)]
	if !ok {
		return Strategy{}, exception.ErrStrategyNotFound
	}
	s.Topics = append([]Topic(nil), s.Topics...)
	return s, nil
}

func (m *Memory) AppendLog(_ context.Context, record LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs = append(m.logs, record)
	return nil
}

// Logs returns the records appended for strategyID in append order.
func (m *Memory) Logs(strategyID string) []LogRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LogRecord
	for _, r := range m.logs {
		if strings.EqualFold(r.StrategyID, strategyID) {
			out = append(out, r)
		}
	}
	return out
}

func (m *Memory) SaveOperation(_ context.Context, op schema.OperationState) error {
	if op.ID == "" {
		return exception.ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.operations[op.ID] = op
	return nil
}

func (m *Memory) LatestOperation(_ context.Context, strategyID string) (schema.OperationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest schema.OperationState
		found  bool
	)
	for _, op := range m.operations {
		if !strings.EqualFold(op.StrategyID, strategyID) {
			continue
		}
		if !found || op.StartedAt.After(latest.StartedAt) {
			latest, found = op, true
		}
	}
	if !found {
		return schema.OperationState{}, exception.ErrRecordNotFound
	}
	return latest, nil
}

func (m *Memory) OpenOperations(_ context.Context) ([]schema.OperationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []schema.OperationState
	for _, op := range m.operations {
		if !op.Status.IsTerminal() {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
