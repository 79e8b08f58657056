// Package idempotency turns at-least-once effect delivery into exactly-once business effects.
//
// An executor claims (strategy, idempotency key) before running a handler. A claim is a lease:
// when the holder crashes the lease expires and another executor retries the work. A completed
// effect keeps its result for a retention window so duplicates are answered without re-execution.
package idempotency

import (
	"context"
	"time"

	"automation/internal/schema"
)

// State is the outcome of a claim attempt.
type State uint8

const (
	_state_beg State = iota
	// Claimed means the caller owns the effect and must run it.
	Claimed
	// InFlight means another owner holds an unexpired lease.
	InFlight
	// Completed means the effect already ran; Claim.Result carries its result.
	Completed
	_state_end
)

func (s State) IsAvailable() bool {
	return s > _state_beg && s < _state_end
}

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Claim is the answer to a claim attempt.
type Claim struct {
	State  State
	Result schema.EffectResult
}

// Ledger records which effects are running or done.
type Ledger interface {
	Claim(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner string, lease time.Duration) (Claim, error)
	Complete(ctx context.Context, result schema.EffectResult, retention time.Duration) error
	// Release drops a claim held by owner so the effect can be retried immediately.
	Release(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner string) error
	// Checkpoint records progress of an effect while owner holds its claim, so a later claim resumes
	// the work instead of repeating it. It fails with exception.ErrClaimLost when owner lost the claim.
	Checkpoint(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner, name, value string) error
	// Checkpoints returns the progress recorded for an effect.
	Checkpoints(ctx context.Context, strategyID string, key schema.IdempotencyKey) (map[string]string, error)
}

// Defaults for callers that do not configure the ledger.
const (
	DefaultLease     = 2 * time.Minute
	DefaultRetention = 24 * time.Hour
)
