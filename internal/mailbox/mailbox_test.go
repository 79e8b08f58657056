package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/pkg/exception"
)

type recorder struct {
	mu   sync.Mutex
	seen map[string][]int
}

func newRecorder() *recorder {
	return &recorder{seen: make(map[string][]int)}
}

func (r *recorder) add(key string, v int) {
	r.mu.Lock()
	r.seen[key] = append(r.seen[key], v)
	r.mu.Unlock()
}

func (r *recorder) get(key string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen[key]...)
}

func TestMailboxKeepsArrivalOrder(t *testing.T) {
	rec := newRecorder()
	mb := New(context.Background(), "s1", func(ctx context.Context, v int) error {
		rec.add("s1", v)
		return nil
	})

	want := make([]int, 0, 200)
	for i := 0; i < 200; i++ {
		require.NoError(t, mb.Enqueue(i))
		want = append(want, i)
	}
	require.NoError(t, mb.Close(context.Background()))
	assert.Equal(t, want, rec.get("s1"))
	assert.Zero(t, mb.Len())
}

func TestMailboxSkipsFailures(t *testing.T) {
	rec := newRecorder()
	mb := New(context.Background(), "s1", func(ctx context.Context, v int) error {
		switch v {
		case 1:
			return errors.New("boom")
		case 2:
			panic("bad item")
		}
		rec.add("s1", v)
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, mb.Enqueue(i))
	}
	require.NoError(t, mb.Close(context.Background()))
	assert.Equal(t, []int{0, 3, 4}, rec.get("s1"))
}

func TestMailboxRestartsConsumerAfterIdle(t *testing.T) {
	rec := newRecorder()
	mb := New(context.Background(), "s1", func(ctx context.Context, v int) error {
		rec.add("s1", v)
		return nil
	})

	require.NoError(t, mb.Enqueue(1))
	require.Eventually(t, func() bool { return len(rec.get("s1")) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, mb.Enqueue(2))
	require.NoError(t, mb.Close(context.Background()))
	assert.Equal(t, []int{1, 2}, rec.get("s1"))
}

func TestMailboxRejectsAfterClose(t *testing.T) {
	mb := New(context.Background(), "s1", func(ctx context.Context, v int) error { return nil })
	require.NoError(t, mb.Close(context.Background()))
	assert.ErrorIs(t, mb.Enqueue(1), exception.ErrMailboxClosed)
}

func TestMailboxCloseHonoursContext(t *testing.T) {
	release := make(chan struct{})
	mb := New(context.Background(), "s1", func(ctx context.Context, v int) error {
		<-release
		return nil
	})
	require.NoError(t, mb.Enqueue(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mb.Close(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, mb.Close(context.Background()))
}

func TestDispatcherRunsKeysIndependently(t *testing.T) {
	rec := newRecorder()
	blocked := make(chan struct{})
	d := NewDispatcher(context.Background(), func(ctx context.Context, key string, v int) error {
		if key == "slow" {
			<-blocked
		}
		rec.add(key, v)
		return nil
	})

	require.NoError(t, d.Dispatch("slow", 1))
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Dispatch("fast", i))
	}

	require.Eventually(t, func() bool { return len(rec.get("fast")) == 10 }, time.Second, time.Millisecond)
	assert.Empty(t, rec.get("slow"))
	assert.Equal(t, []string{"fast", "slow"}, d.Keys())

	close(blocked)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []int{1}, rec.get("slow"))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, rec.get("fast"))
	assert.ErrorIs(t, d.Dispatch("fast", 11), exception.ErrMailboxClosed)
}

func TestDispatcherRemove(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(context.Background(), func(ctx context.Context, key string, v int) error {
		rec.add(key, v)
		return nil
	})

	require.NoError(t, d.Dispatch("s1", 1))
	require.NoError(t, d.Remove(context.Background(), "s1"))
	assert.Equal(t, []int{1}, rec.get("s1"))
	assert.Empty(t, d.Keys())
	require.NoError(t, d.Remove(context.Background(), "missing"))

	require.NoError(t, d.Dispatch("s1", 2))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []int{1, 2}, rec.get("s1"))
}
