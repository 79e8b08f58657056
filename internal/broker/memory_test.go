package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/pkg/exception"
)

func setupMemory(t *testing.T, capacity int) *Memory {
	t.Helper()
	ctx := context.Background()
	b := NewMemory(capacity)
	require.NoError(t, b.DeclareExchange(ctx, "direct", KindDirect))
	require.NoError(t, b.DeclareExchange(ctx, "topic", KindTopic))
	require.NoError(t, b.DeclareQueue(ctx, "q1"))
	require.NoError(t, b.DeclareQueue(ctx, "q2"))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func body(d Delivery) string {
	return string(d.Message().Body)
}

func TestMemoryDirectRouting(t *testing.T) {
	ctx := context.Background()
	b := setupMemory(t, 0)
	require.NoError(t, b.Bind(ctx, "q1", "direct", "k1"))
	require.NoError(t, b.Bind(ctx, "q2", "direct", "k2"))

	accepted, err := b.Publish(ctx, "direct", "k1", Message{Body: []byte("one")})
	require.NoError(t, err)
	require.True(t, accepted)

	assert.Equal(t, 1, b.Depth("q1"))
	assert.Equal(t, 0, b.Depth("q2"))

	d, ok, err := b.Get(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", body(d))
	require.NoError(t, d.Ack())
	assert.ErrorIs(t, d.Ack(), exception.ErrDeliverySettled)

	_, ok, err = b.Get(ctx, "q1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTopicRoutingAndUnbind(t *testing.T) {
	ctx := context.Background()
	b := setupMemory(t, 0)
	require.NoError(t, b.Bind(ctx, "q1", "topic", "BTC-USD.1m"))
	require.NoError(t, b.Bind(ctx, "q2", "topic", "BTC-USD.1m"))
	require.NoError(t, b.Bind(ctx, "q2", "topic", "action.s2"))

	_, err := b.Publish(ctx, "topic", "BTC-USD.1m", Message{Body: []byte("candle")})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Depth("q1"))
	assert.Equal(t, 1, b.Depth("q2"))

	require.NoError(t, b.Unbind(ctx, "q1", "topic", "BTC-USD.1m"))
	assert.False(t, b.HasBinding("q1", "topic", "BTC-USD.1m"))
	_, err = b.Publish(ctx, "topic", "BTC-USD.1m", Message{Body: []byte("candle")})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Depth("q1"))
	assert.Equal(t, 2, b.Depth("q2"))
}

func TestMemoryFullQueueRefusesPublish(t *testing.T) {
	ctx := context.Background()
	b := setupMemory(t, 2)
	require.NoError(t, b.Bind(ctx, "q1", "direct", "k"))
	require.NoError(t, b.Bind(ctx, "q2", "direct", "k"))

	for i := 0; i < 2; i++ {
		accepted, err := b.Publish(ctx, "direct", "k", Message{Body: []byte{byte(i)}})
		require.NoError(t, err)
		require.True(t, accepted)
	}
	accepted, err := b.Publish(ctx, "direct", "k", Message{Body: []byte("overflow")})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 2, b.Depth("q1"))
	assert.Equal(t, 2, b.Depth("q2"))
}

func TestMemoryNackRequeuesToHead(t *testing.T) {
	ctx := context.Background()
	b := setupMemory(t, 0)
	require.NoError(t, b.Bind(ctx, "q1", "direct", "k"))
	for _, s := range []string{"a", "b"} {
		_, err := b.Publish(ctx, "direct", "k", Message{Body: []byte(s)})
		require.NoError(t, err)
	}

	d, ok, err := b.Get(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", body(d))
	assert.False(t, d.Redelivered())
	require.NoError(t, d.Nack(true))

	d, ok, err = b.Get(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", body(d))
	assert.True(t, d.Redelivered())
	require.NoError(t, d.Nack(false))
	assert.Equal(t, 1, b.Depth("q1"))
}

func TestMemoryConsumePrefetchWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := setupMemory(t, 0)
	require.NoError(t, b.Bind(ctx, "q1", "direct", "k"))
	for _, s := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, "direct", "k", Message{Body: []byte(s)})
		require.NoError(t, err)
	}

	deliveries, err := b.Consume(ctx, "q1", 1)
	require.NoError(t, err)

	first := <-deliveries
	assert.Equal(t, "a", body(first))
	select {
	case d := <-deliveries:
		t.Fatalf("delivery %q beyond prefetch window", body(d))
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack())
	second := <-deliveries
	assert.Equal(t, "b", body(second))
	require.NoError(t, second.Ack())
}

func TestMemoryConsumeWakesOnPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := setupMemory(t, 0)
	require.NoError(t, b.Bind(ctx, "q1", "direct", "k"))

	deliveries, err := b.Consume(ctx, "q1", 1)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Publish(context.Background(), "direct", "k", Message{Body: []byte("late")})
	}()

	select {
	case d := <-deliveries:
		assert.Equal(t, "late", body(d))
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("consumer never woke")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-deliveries
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryCompetingConsumersShareWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := setupMemory(t, 0)
	require.NoError(t, b.Bind(ctx, "q1", "direct", "k"))

	const n = 50
	for i := 0; i < n; i++ {
		_, err := b.Publish(ctx, "direct", "k", Message{Body: []byte{byte(i)}})
		require.NoError(t, err)
	}

	seen := make(chan byte, n)
	for w := 0; w < 3; w++ {
		deliveries, err := b.Consume(ctx, "q1", 1)
		require.NoError(t, err)
		go func() {
			for d := range deliveries {
				seen <- d.Message().Body[0]
				_ = d.Ack()
			}
		}()
	}

	got := make(map[byte]int)
	for i := 0; i < n; i++ {
		select {
		case v := <-seen:
			got[v]++
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d delivered", i, n)
		}
	}
	assert.Len(t, got, n)
	for v, count := range got {
		assert.Equal(t, 1, count, "message %d delivered %d times", v, count)
	}
}

func TestMemoryDeleteQueue(t *testing.T) {
	ctx := context.Background()
	b := setupMemory(t, 0)
	require.NoError(t, b.Bind(ctx, "q1", "topic", "action.s1"))
	require.NoError(t, b.DeleteQueue(ctx, "q1"))

	assert.False(t, b.HasQueue("q1"))
	assert.False(t, b.HasBinding("q1", "topic", "action.s1"))
	_, _, err := b.Get(ctx, "q1")
	assert.ErrorIs(t, err, exception.ErrUnknownQueue)
	assert.NoError(t, b.DeleteQueue(ctx, "q1"))
}

func TestMemoryErrors(t *testing.T) {
	ctx := context.Background()
	b := setupMemory(t, 0)

	_, err := b.Publish(ctx, "missing", "k", Message{})
	assert.ErrorIs(t, err, exception.ErrUnknownExchange)
	assert.ErrorIs(t, b.Bind(ctx, "missing", "direct", "k"), exception.ErrUnknownQueue)
	assert.ErrorIs(t, b.DeclareExchange(ctx, "direct", KindTopic), exception.ErrInvalidExchangeKind)
	assert.ErrorIs(t, b.DeclareExchange(ctx, "x", ExchangeKind("fanout")), exception.ErrInvalidExchangeKind)

	require.NoError(t, b.Close())
	_, err = b.Publish(ctx, "direct", "k", Message{})
	assert.ErrorIs(t, err, exception.ErrBrokerClosed)
}
