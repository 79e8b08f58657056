package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"automation/internal/schema"
)

func toKey(b []byte) [32]byte {
	var k [32]byte
	copy(k[:], b)
	return k
}

// Property: DecodeEffectRequest(EncodeEffectRequest(r)) == r for any valid r.
func TestEffectRequestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("effect request round-trips losslessly", prop.ForAll(
		func(strategy string, epoch uint64, key []byte, payload []byte, nanos int64, corr string) bool {
			orig := schema.EffectRequest{
				StrategyID:     strategy,
				Epoch:          epoch,
				IdempotencyKey: schema.IdempotencyKey(toKey(key)),
				EffectType:     schema.EffectLog,
				Payload:        payload,
				RequestedAt:    time.Unix(0, nanos).UTC(),
				CorrelationID:  corr,
			}
			encoded, err := EncodeEffectRequest(orig)
			if err != nil {
				return false
			}
			decoded, err := DecodeEffectRequest(encoded)
			if err != nil {
				return false
			}
			return decoded.StrategyID == orig.StrategyID &&
				decoded.Epoch == orig.Epoch &&
				decoded.IdempotencyKey == orig.IdempotencyKey &&
				decoded.EffectType == orig.EffectType &&
				bytes.Equal(decoded.Payload, orig.Payload) &&
				decoded.RequestedAt.Equal(orig.RequestedAt) &&
				decoded.CorrelationID == orig.CorrelationID
		},
		gen.Identifier(),
		gen.UInt64(),
		gen.SliceOfN(32, gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.Int64Range(0, 4102444800000000000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: DecodeEffectResult(EncodeEffectResult(r)) == r for any valid r.
func TestEffectResultRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("effect result round-trips losslessly", prop.ForAll(
		func(epoch uint64, ok bool, data []byte, latency int64, executor string) bool {
			requested := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			orig := schema.EffectResult{
				StrategyID:     "strategy",
				Epoch:          epoch,
				IdempotencyKey: schema.IdempotencyKey(toKey([]byte{1, 2, 3})),
				OK:             ok,
				Data:           data,
				RequestedAt:    requested,
				CompletedAt:    requested.Add(time.Duration(latency)),
				ExecutorID:     executor,
			}
			encoded, err := EncodeEffectResult(orig)
			if err != nil {
				return false
			}
			decoded, err := DecodeEffectResult(encoded)
			if err != nil {
				return false
			}
			return decoded.Epoch == orig.Epoch &&
				decoded.OK == orig.OK &&
				bytes.Equal(decoded.Data, orig.Data) &&
				decoded.CompletedAt.Equal(orig.CompletedAt) &&
				decoded.Latency() == orig.Latency() &&
				decoded.ExecutorID == orig.ExecutorID
		},
		gen.UInt64(),
		gen.Bool(),
		gen.SliceOf(gen.UInt8()),
		gen.Int64Range(0, int64(time.Hour)),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
