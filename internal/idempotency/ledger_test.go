package idempotency

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/internal/schema"
	"automation/pkg/exception"
)

var (
	testKey  = schema.IdempotencyKey(common.HexToHash("0x1234"))
	testTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
)

func testResult(strategyID string) schema.EffectResult {
	return schema.EffectRequest{
		StrategyID:     strategyID,
		Epoch:          3,
		IdempotencyKey: testKey,
		EffectType:     schema.EffectUseFunds,
		RequestedAt:    testTime,
	}.Result(true, []byte{0xaa}, "executor-1", testTime.Add(time.Second))
}

// exerciseLedger runs the shared contract against any implementation.
func exerciseLedger(t *testing.T, l Ledger, strategyID string) {
	ctx := context.Background()

	c, err := l.Claim(ctx, strategyID, testKey, "a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claimed, c.State)

	c, err = l.Claim(ctx, strategyID, testKey, "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, InFlight, c.State)

	// only the owner may release
	require.NoError(t, l.Release(ctx, strategyID, testKey, "b"))
	c, err = l.Claim(ctx, strategyID, testKey, "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, InFlight, c.State)

	require.NoError(t, l.Release(ctx, strategyID, testKey, "a"))
	c, err = l.Claim(ctx, strategyID, testKey, "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claimed, c.State)

	want := testResult(strategyID)
	require.NoError(t, l.Complete(ctx, want, time.Hour))
	c, err = l.Claim(ctx, strategyID, testKey, "c", time.Minute)
	require.NoError(t, err)
	require.Equal(t, Completed, c.State)
	assert.Equal(t, want, c.Result)

	other := schema.IdempotencyKey(common.HexToHash("0x5678"))
	c, err = l.Claim(ctx, strategyID, other, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claimed, c.State)

	// progress survives the claim that wrote it
	assert.ErrorIs(t, l.Checkpoint(ctx, strategyID, other, "d", "transfer", "0x01"), exception.ErrClaimLost)
	require.NoError(t, l.Checkpoint(ctx, strategyID, other, "c", "transfer", "0xab"))
	require.NoError(t, l.Release(ctx, strategyID, other, "c"))
	marks, err := l.Checkpoints(ctx, strategyID, other)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"transfer": "0xab"}, marks)

	marks, err = l.Checkpoints(ctx, strategyID, schema.IdempotencyKey(common.HexToHash("0x9999")))
	require.NoError(t, err)
	assert.Empty(t, marks)

	// a completed effect needs no progress
	c, err = l.Claim(ctx, strategyID, other, "c", time.Minute)
	require.NoError(t, err)
	require.Equal(t, Claimed, c.State)
	done := testResult(strategyID)
	done.IdempotencyKey = other
	require.NoError(t, l.Complete(ctx, done, time.Hour))
	marks, err = l.Checkpoints(ctx, strategyID, other)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestMemoryLedger(t *testing.T) {
	exerciseLedger(t, NewMemory(), "s1")
}

func TestMemoryLedgerLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	now := testTime
	l.now = func() time.Time { return now }

	c, err := l.Claim(ctx, "s1", testKey, "crashed", time.Minute)
	require.NoError(t, err)
	require.Equal(t, Claimed, c.State)

	now = now.Add(30 * time.Second)
	c, err = l.Claim(ctx, "s1", testKey, "other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, InFlight, c.State)

	now = now.Add(31 * time.Second)
	c, err = l.Claim(ctx, "s1", testKey, "other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claimed, c.State)

	require.NoError(t, l.Complete(ctx, testResult("s1"), time.Hour))
	now = now.Add(2 * time.Hour)
	c, err = l.Claim(ctx, "s1", testKey, "late", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claimed, c.State)
}

func TestMemoryLedgerConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := l.Claim(ctx, "s1", testKey, uuid.NewString(), time.Minute)
			if err == nil && c.State == Claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRedisLedger(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	prefix := "test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	exerciseLedger(t, NewRedis(client, prefix), "s1")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "claimed", Claimed.String())
	assert.Equal(t, "in_flight", InFlight.String())
	assert.Equal(t, "completed", Completed.String())
	assert.False(t, _state_end.IsAvailable())
}
