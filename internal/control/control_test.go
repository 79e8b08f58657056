package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"
)

const strategyID = "0x5fbdb2315678afecb367f032d93f642f64180aa3"

type fakeLifecycle struct {
	calls []string
}

func (f *fakeLifecycle) op(kind schema.Operation, id string) schema.OperationState {
	f.calls = append(f.calls, string(kind)+" "+id)
	return schema.OperationState{
		ID:         "op-1",
		StrategyID: id,
		Operation:  kind,
		Status:     schema.OperationPending,
		StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (f *fakeLifecycle) Start(_ context.Context, id string) (schema.OperationState, error) {
	return f.op(schema.OperationStart, id), nil
}

func (f *fakeLifecycle) Shutdown(_ context.Context, id string) (schema.OperationState, error) {
	return f.op(schema.OperationShutdown, id), nil
}

func (f *fakeLifecycle) Status(_ context.Context, id string) (schema.OperationState, error) {
	return schema.OperationState{}, failure.Wrap(exception.ErrOperationNotFound, id)
}

type fakeLoops []schema.LoopEntry

func (f fakeLoops) List() []schema.LoopEntry { return f }

func TestHandle(t *testing.T) {
	lc := &fakeLifecycle{}
	s, err := NewServer("ctl.sock", lc, fakeLoops{{StrategyID: strategyID, Status: schema.LoopRunning}})
	require.NoError(t, err)
	ctx := context.Background()

	resp := s.Handle(ctx, Request{Op: OpStart, StrategyID: strategyID})
	require.True(t, resp.OK)
	assert.Equal(t, "start", resp.Operation.Operation)
	assert.Equal(t, "pending", resp.Operation.Status)
	assert.Equal(t, "2026-01-02T03:04:05Z", resp.Operation.StartedAt)
	assert.Empty(t, resp.Operation.CompletedAt)

	resp = s.Handle(ctx, Request{Op: OpShutdown, StrategyID: strategyID})
	require.True(t, resp.OK)
	assert.Equal(t, []string{"start " + strategyID, "shutdown " + strategyID}, lc.calls)

	resp = s.Handle(ctx, Request{Op: OpStatus, StrategyID: strategyID})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, exception.ErrOperationNotFound.Error())

	resp = s.Handle(ctx, Request{Op: OpLoops})
	require.True(t, resp.OK)
	require.Len(t, resp.Loops, 1)
	assert.Equal(t, "running", resp.Loops[0].Status)

	resp = s.Handle(ctx, Request{Op: "restart"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown op")
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer("ctl.sock", nil, fakeLoops{})
	assert.ErrorIs(t, err, exception.ErrNilInstance)
}

func TestCallOverSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	s, err := NewServer(path, &fakeLifecycle{}, fakeLoops{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("control server did not stop")
		}
	}()

	var resp Response
	require.Eventually(t, func() bool {
		resp, err = Call(context.Background(), path, Request{Op: OpStart, StrategyID: strategyID})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, resp.OK)
	assert.Equal(t, strategyID, resp.Operation.StrategyID)
	assert.Equal(t, "op-1", resp.Operation.ID)
}
