package idempotency

import (
	"context"
	"maps"
	"sync"
	"time"

	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"
)

type entryKey struct {
	strategyID string
	key        schema.IdempotencyKey
}

type claimEntry struct {
	owner   string
	expires time.Time
}

type resultEntry struct {
	result  schema.EffectResult
	expires time.Time
}

// Memory is a single-process ledger.
type Memory struct {
	mu      sync.Mutex
	claims  map[entryKey]claimEntry
	results map[entryKey]resultEntry
	marks   map[entryKey]map[string]string
	now     func() time.Time
}

// NewMemory allocates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		claims:  make(map[entryKey]claimEntry),
		results: make(map[entryKey]resultEntry),
		marks:   make(map[entryKey]map[string]string),
		now:     time.Now,
	}
}

func (l *Memory) Claim(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner string, lease time.Duration) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	k := entryKey{strategyID: strategyID, key: key}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.results[k]; ok {
		if now.Before(r.expires) {
			return Claim{State: Completed, Result: r.result}, nil
		}
		delete(l.results, k)
	}
	if c, ok := l.claims[k]; ok && now.Before(c.expires) {
		return Claim{State: InFlight}, nil
	}
	l.claims[k] = claimEntry{owner: owner, expires: now.Add(lease)}
	return Claim{State: Claimed}, nil
}

func (l *Memory) Complete(ctx context.Context, result schema.EffectResult, retention time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	k := entryKey{strategyID: result.StrategyID, key: result.IdempotencyKey}
	l.mu.Lock()
	l.results[k] = resultEntry{result: result, expires: l.now().Add(retention)}
	delete(l.marks, k)
	l.mu.Unlock()
	return nil
}

func (l *Memory) Release(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := entryKey{strategyID: strategyID, key: key}
	l.mu.Lock()
	if c, ok := l.claims[k]; ok && c.owner == owner {
		delete(l.claims, k)
	}
	l.mu.Unlock()
	return nil
}

func (l *Memory) Checkpoint(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := entryKey{strategyID: strategyID, key: key}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.claims[k]; !ok || c.owner != owner || !l.now().Before(c.expires) {
		return failure.Wrap(exception.ErrClaimLost, strategyID+" "+key.Hex())
	}
	m, ok := l.marks[k]
	if !ok {
		m = make(map[string]string)
		l.marks[k] = m
	}
	m[name] = value
	return nil
}

func (l *Memory) Checkpoints(ctx context.Context, strategyID string, key schema.IdempotencyKey) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.marks[entryKey{strategyID: strategyID, key: key}]), nil
}
