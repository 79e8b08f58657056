package effect

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/internal/broker"
	"automation/internal/schema"
	"automation/internal/store"
	"automation/internal/topology"
	"automation/pkg/exception"
)

const strategyID = "0x5fbdb2315678afecb367f032d93f642f64180aa3"

func request(t schema.EffectType, payload []byte) schema.EffectRequest {
	return schema.EffectRequest{
		StrategyID:     strategyID,
		Epoch:          7,
		IdempotencyKey: schema.IdempotencyKey(common.HexToHash("0x0a")),
		EffectType:     t,
		Payload:        payload,
		CorrelationID:  "corr-7",
	}
}

func failureReason(t *testing.T, out Outcome) string {
	t.Helper()
	require.False(t, out.OK)
	reason, err := DecodeReason(out.Data)
	require.NoError(t, err)
	return reason
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, schema.EffectRequest) (Outcome, error) {
		return Succeeded([]byte{1}), nil
	})

	require.NoError(t, r.Register(schema.EffectLog, noop))
	require.NoError(t, r.Register(schema.EffectUseFunds, noop))
	assert.ErrorIs(t, r.Register(schema.EffectLog, noop), exception.ErrDuplicateHandler)
	assert.ErrorIs(t, r.Register(schema.EffectReturnFunds, nil), exception.ErrNilHandler)

	h, ok := r.Lookup(schema.EffectLog)
	require.True(t, ok)
	out, err := h.Handle(context.Background(), request(schema.EffectLog, nil))
	require.NoError(t, err)
	assert.Equal(t, Outcome{OK: true, Data: []byte{1}}, out)

	_, ok = r.Lookup(schema.NewEffectType("UNKNOWN"))
	assert.False(t, ok)

	types := r.Types()
	require.Len(t, types, 2)
	assert.True(t, bytes.Compare(types[0][:], types[1][:]) < 0)
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, Builtins{Store: store.NewMemory()}))
	assert.Len(t, r.Types(), 5)
	for _, typ := range []schema.EffectType{
		schema.EffectLog, schema.EffectSubscribeOHLC, schema.EffectUnsubscribeOHLC,
		schema.EffectUseFunds, schema.EffectReturnFunds,
	} {
		_, ok := r.Lookup(typ)
		assert.True(t, ok, typ.String())
	}
	assert.ErrorIs(t, RegisterBuiltins(r, Builtins{Store: store.NewMemory()}), exception.ErrDuplicateHandler)
}

func TestReasonAndHashEncoding(t *testing.T) {
	reason, err := DecodeReason(Failed("vault paused").Data)
	require.NoError(t, err)
	assert.Equal(t, "vault paused", reason)

	hash := common.HexToHash("0xbeef")
	got, err := DecodeTxHash(EncodeTxHash(hash))
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	_, err = DecodeReason([]byte{1, 2})
	assert.ErrorIs(t, err, exception.ErrDecodePayload)
}

func TestLogHandler(t *testing.T) {
	st := store.NewMemory()
	custom := common.HexToHash("0x77")
	st.PutStrategy(store.Strategy{ID: strategyID, Topics: []store.Topic{{Hash: custom, Name: "rebalance"}}})

	var console bytes.Buffer
	h := NewLogHandler(NewTopicRegistry(st), st, &console)

	payload, err := EncodeLog(LevelInfo, custom, "hello")
	require.NoError(t, err)
	out, err := h.Handle(context.Background(), request(schema.EffectLog, payload))
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Empty(t, out.Data)

	assert.Contains(t, console.String(), strategyID)
	assert.Contains(t, console.String(), "INFO")
	assert.Contains(t, console.String(), "rebalance: hello")

	records := st.Logs(strategyID)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(7), records[0].Epoch)
	assert.Equal(t, "corr-7", records[0].CorrelationID)
	assert.Equal(t, "rebalance", records[0].TopicName)
	assert.Equal(t, "hello", records[0].Message)
	assert.Equal(t, uint8(LevelInfo), records[0].Level)
	assert.NotEmpty(t, records[0].ID)
}

type failingLogStore struct {
	*store.Memory
}

func (failingLogStore) AppendLog(context.Context, store.LogRecord) error {
	return errors.New("disk full")
}

func TestLogHandlerPersistenceFailureStillSucceeds(t *testing.T) {
	st := failingLogStore{Memory: store.NewMemory()}
	h := NewLogHandler(NewTopicRegistry(st), st, &bytes.Buffer{})

	payload, err := EncodeLog(LevelError, TopicHash("TRADE"), "boom")
	require.NoError(t, err)
	out, err := h.Handle(context.Background(), request(schema.EffectLog, payload))
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestLogHandlerRejectsGarbage(t *testing.T) {
	st := store.NewMemory()
	h := NewLogHandler(NewTopicRegistry(st), st, &bytes.Buffer{})

	out, err := h.Handle(context.Background(), request(schema.EffectLog, []byte{0x01}))
	require.NoError(t, err)
	assert.Contains(t, failureReason(t, out), "invalid log payload")
	assert.Empty(t, st.Logs(strategyID))
}

func TestTopicRegistry(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	r := NewTopicRegistry(st)
	custom := common.HexToHash("0x99")

	// unknown strategies fall back to base topics and are not cached
	assert.Equal(t, "FUNDS", r.Resolve(ctx, strategyID, TopicHash("FUNDS")))
	assert.Equal(t, custom.Hex(), r.Resolve(ctx, strategyID, custom))

	st.PutStrategy(store.Strategy{ID: strategyID, Topics: []store.Topic{{Hash: custom, Name: "grid"}}})
	assert.Equal(t, "grid", r.Resolve(ctx, strategyID, custom))
	assert.Equal(t, "LIFECYCLE", r.Resolve(ctx, strategyID, TopicHash("LIFECYCLE")))

	st.PutStrategy(store.Strategy{ID: strategyID, Topics: []store.Topic{{Hash: custom, Name: "renamed"}}})
	assert.Equal(t, "grid", r.Resolve(ctx, strategyID, custom))
	r.Invalidate(strategyID)
	assert.Equal(t, "renamed", r.Resolve(ctx, strategyID, custom))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "LEVEL(9)", Level(9).String())
	assert.False(t, Level(9).IsAvailable())
	assert.True(t, LevelDebug.IsAvailable())
}

func TestSubscriptionHandlers(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory(0)
	m := topology.New(b)
	require.NoError(t, m.DeclareShared(ctx))
	require.NoError(t, m.DeclareStrategy(ctx, strategyID))

	sub := NewSubscribeHandler(m)
	unsub := NewUnsubscribeHandler(m)
	payload, err := EncodeMarket("ETH-USD", "5m")
	require.NoError(t, err)

	out, err := sub.Handle(ctx, request(schema.EffectSubscribeOHLC, payload))
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.True(t, b.HasBinding(topology.EventQueue(strategyID), topology.ExchangeEvents, "ETH-USD.5m"))

	out, err = unsub.Handle(ctx, request(schema.EffectUnsubscribeOHLC, payload))
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.False(t, b.HasBinding(topology.EventQueue(strategyID), topology.ExchangeEvents, "ETH-USD.5m"))

	bad, err := EncodeMarket("ETH.USD", "5m")
	require.NoError(t, err)
	out, err = sub.Handle(ctx, request(schema.EffectSubscribeOHLC, bad))
	require.NoError(t, err)
	assert.Contains(t, failureReason(t, out), "market")

	out, err = sub.Handle(ctx, request(schema.EffectSubscribeOHLC, []byte("nope")))
	require.NoError(t, err)
	assert.Contains(t, failureReason(t, out), "invalid subscription payload")
}

type flakyBinder struct{}

func (flakyBinder) BindMarket(context.Context, string, string, string) error {
	return exception.ErrBrokerNotConnected
}

func (flakyBinder) UnbindMarket(context.Context, string, string, string) error {
	return exception.ErrBrokerNotConnected
}

func TestSubscriptionTransientError(t *testing.T) {
	payload, err := EncodeMarket("ETH-USD", "5m")
	require.NoError(t, err)
	_, err = NewSubscribeHandler(flakyBinder{}).Handle(context.Background(), request(schema.EffectSubscribeOHLC, payload))
	assert.ErrorIs(t, err, exception.ErrBrokerNotConnected)
}

func amountPayload(t *testing.T, v int64) []byte {
	t.Helper()
	payload, err := EncodeAmount(big.NewInt(v))
	require.NoError(t, err)
	return payload
}
