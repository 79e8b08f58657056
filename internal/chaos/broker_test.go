package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/internal/broker"
	"automation/pkg/exception"
)

func setup(t *testing.T, cfg Config) (*Broker, *broker.Memory) {
	t.Helper()
	ctx := context.Background()
	m := broker.NewMemory(0)
	require.NoError(t, m.DeclareExchange(ctx, "ex", broker.KindDirect))
	require.NoError(t, m.DeclareQueue(ctx, "q"))
	require.NoError(t, m.Bind(ctx, "q", "ex", "k"))

	b, err := Wrap(m, cfg)
	require.NoError(t, err)
	return b, m
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{RefuseRate: 0.2, DuplicateRate: 1, RedeliverRate: 0.5}.Validate())

	for _, cfg := range []Config{
		{RefuseRate: -0.1},
		{DuplicateRate: 1.5},
		{RedeliverRate: 1},
		{MaxDelay: -time.Second},
	} {
		assert.ErrorIs(t, cfg.Validate(), exception.ErrInvalidConfig)
	}
}

func TestDuplicatePublishes(t *testing.T) {
	b, m := setup(t, Config{Seed: 1, DuplicateRate: 1})

	accepted, err := b.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("x")})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 2, m.Depth("q"))
}

func TestRefusePublishes(t *testing.T) {
	b, m := setup(t, Config{Seed: 1, RefuseRate: 1})

	accepted, err := b.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("x")})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Zero(t, m.Depth("q"))
}

func TestRedeliverTurnsAckIntoRequeue(t *testing.T) {
	b, m := setup(t, Config{Seed: 7, RedeliverRate: 0.5})
	ctx := context.Background()

	_, err := m.Publish(ctx, "ex", "k", broker.Message{Body: []byte("x")})
	require.NoError(t, err)

	gets, redelivered := 0, 0
	for i := 0; i < 100; i++ {
		d, ok, err := b.Get(ctx, "q")
		require.NoError(t, err)
		if !ok {
			break
		}
		gets++
		if d.Redelivered() {
			redelivered++
		}
		require.NoError(t, d.Ack())
	}
	assert.Zero(t, m.Depth("q"))
	assert.GreaterOrEqual(t, gets, 1)
	assert.Equal(t, gets-1, redelivered)
}

func TestConsumeWrapsDeliveries(t *testing.T) {
	b, m := setup(t, Config{Seed: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Consume(ctx, "q", 1)
	require.NoError(t, err)
	_, err = m.Publish(ctx, "ex", "k", broker.Message{Body: []byte("y")})
	require.NoError(t, err)

	select {
	case d := <-ch:
		assert.Equal(t, []byte("y"), d.Message().Body)
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	assert.Zero(t, m.Depth("q"))
}
