package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextGrowsAndCaps(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}

	assert.Equal(t, 10*time.Millisecond, b.Next(0))
	assert.Equal(t, 10*time.Millisecond, b.Next(1))
	assert.Equal(t, 20*time.Millisecond, b.Next(2))
	assert.Equal(t, 40*time.Millisecond, b.Next(3))
	assert.Equal(t, 50*time.Millisecond, b.Next(4))
	assert.Equal(t, 50*time.Millisecond, b.Next(100))
}

func TestNextJitterBounds(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		d := b.Next(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, Default(), Backoff{}.OrDefault())
	custom := Backoff{Min: time.Millisecond}
	assert.Equal(t, custom, custom.OrDefault())
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := Backoff{Min: time.Hour, Max: time.Hour}
	start := time.Now()
	assert.False(t, b.Sleep(ctx, 1))
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, Backoff{Min: time.Millisecond, Max: time.Millisecond}.Sleep(context.Background(), 1))
}
