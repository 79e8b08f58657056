package loop

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/internal/chain"
	"automation/internal/effect"
	"automation/internal/executor"
	"automation/internal/idempotency"
	"automation/internal/schema"
	"automation/internal/store"
	"automation/internal/topology"
)

// An action event makes the strategy log "hello" through the executor before its step commits.
func TestActionEventLogsThroughExecutor(t *testing.T) {
	f := newFixture(t)

	st := store.NewMemory()
	topic := effect.TopicHash("TRADE")
	st.PutStrategy(store.Strategy{ID: strategyID})

	registry := effect.NewRegistry()
	require.NoError(t, registry.Register(schema.EffectLog, effect.NewLogHandler(effect.NewTopicRegistry(st), st, &bytes.Buffer{})))
	exec := executor.New("executor-1", executor.Config{Workers: 2, RequeuePause: time.Millisecond}, f.broker, f.deps.Publisher, registry, idempotency.NewMemory(), f.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	payload, err := effect.EncodeLog(effect.LevelInfo, topic, "hello")
	require.NoError(t, err)
	key := schema.IdempotencyKey(common.HexToHash("0x4b"))

	var seen schema.EffectResult
	f.contract.simulate = func(c *fakeContract, input []byte) chain.SimulationResult {
		if res, ok := c.submitted[key]; ok {
			seen = res
			return chain.Succeeded()
		}
		return chain.NeedsEffect(chain.EffectDescriptor{Epoch: c.epoch, IdempotencyKey: key, EffectType: schema.EffectLog, Payload: payload})
	}

	f.publishEvent([]byte("buy"))
	l := f.start(Config{})

	require.Eventually(t, func() bool { return l.Epoch() == 2 }, 2*time.Second, time.Millisecond)

	f.contract.mu.Lock()
	assert.True(t, seen.OK)
	assert.Empty(t, seen.Data)
	assert.Equal(t, uint64(1), seen.Epoch)
	assert.Equal(t, "executor-1", seen.ExecutorID)
	assert.Len(t, f.contract.commits, 1)
	f.contract.mu.Unlock()

	records := st.Logs(strategyID)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Message)
	assert.Equal(t, "TRADE", records[0].TopicName)
	assert.Equal(t, uint64(1), records[0].Epoch)
	assert.Equal(t, 0, f.broker.Depth(topology.EventQueue(strategyID)))
	assert.Equal(t, 0, f.broker.Depth(topology.QueuePending))
}
