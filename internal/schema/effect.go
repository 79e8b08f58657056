package schema

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EffectType is the content-addressed discriminator of an effect, keccak256(name).
type EffectType common.Hash

// Well-known effect names.
const (
	EffectNameLog             = "LOG"
	EffectNameSubscribeOHLC   = "SUBSCRIBE_OHLC"
	EffectNameUnsubscribeOHLC = "UNSUBSCRIBE_OHLC"
	EffectNameUseFunds        = "USE_FUNDS"
	EffectNameReturnFunds     = "RETURN_FUNDS"
)

var (
	EffectLog             = NewEffectType(EffectNameLog)
	EffectSubscribeOHLC   = NewEffectType(EffectNameSubscribeOHLC)
	EffectUnsubscribeOHLC = NewEffectType(EffectNameUnsubscribeOHLC)
	EffectUseFunds        = NewEffectType(EffectNameUseFunds)
	EffectReturnFunds     = NewEffectType(EffectNameReturnFunds)
)

var effectNames = map[EffectType]string{
	EffectLog:             EffectNameLog,
	EffectSubscribeOHLC:   EffectNameSubscribeOHLC,
	EffectUnsubscribeOHLC: EffectNameUnsubscribeOHLC,
	EffectUseFunds:        EffectNameUseFunds,
	EffectReturnFunds:     EffectNameReturnFunds,
}

// NewEffectType hashes a well-known name into its discriminator.
func NewEffectType(name string) EffectType {
	return EffectType(crypto.Keccak256Hash([]byte(name)))
}

// Hex returns the 0x-prefixed discriminator.
func (t EffectType) Hex() string {
	return common.Hash(t).Hex()
}

// String returns the well-known name, or the hex discriminator when unknown.
func (t EffectType) String() string {
	if name, ok := effectNames[t]; ok {
		return name
	}
	return t.Hex()
}

// IdempotencyKey is the opaque token a strategy program generates per effect instance.
type IdempotencyKey common.Hash

func (k IdempotencyKey) Hex() string {
	return common.Hash(k).Hex()
}

func (k IdempotencyKey) String() string {
	return k.Hex()
}

// EffectRequest identifies one unit of externally required work.
type EffectRequest struct {
	StrategyID     string
	Epoch          uint64
	IdempotencyKey IdempotencyKey
	EffectType     EffectType
	Payload        []byte
	RequestedAt    time.Time
	CorrelationID  string
}

// EffectResult is the outcome of an executed effect, echoing its request identity.
type EffectResult struct {
	StrategyID     string
	Epoch          uint64
	IdempotencyKey IdempotencyKey
	OK             bool
	Data           []byte
	RequestedAt    time.Time
	CompletedAt    time.Time
	CorrelationID  string
	ExecutorID     string
}

// Result builds a result for req.
func (req EffectRequest) Result(ok bool, data []byte, executorID string, completedAt time.Time) EffectResult {
	return EffectResult{
		StrategyID:     req.StrategyID,
		Epoch:          req.Epoch,
		IdempotencyKey: req.IdempotencyKey,
		OK:             ok,
		Data:           data,
		RequestedAt:    req.RequestedAt,
		CompletedAt:    completedAt.UTC(),
		CorrelationID:  req.CorrelationID,
		ExecutorID:     executorID,
	}
}

// Latency is the time between request and completion.
func (res EffectResult) Latency() time.Duration {
	if res.RequestedAt.IsZero() || res.CompletedAt.IsZero() {
		return 0
	}
	return res.CompletedAt.Sub(res.RequestedAt)
}
