package store

import (
	"context"
	"testing"
	"time"

	"automation/internal/schema"
	"automation/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStrategy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Strategy(ctx, "0xabc")
	assert.ErrorIs(t, err, exception.ErrStrategyNotFound)

	m.PutStrategy(Strategy{ID: "0xABC", Name: "grid", Topics: []Topic{{Name: "fills"}}})
	got, err := m.Strategy(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "grid", got.Name)

	got.Topics[0].Name = "mutated"
	again, err := m.Strategy(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "fills", again.Topics[0].Name)
}

func TestMemoryLogs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AppendLog(ctx, LogRecord{StrategyID: "0xa", Message: "one"}))
	require.NoError(t, m.AppendLog(ctx, LogRecord{StrategyID: "0xb", Message: "other"}))
	require.NoError(t, m.AppendLog(ctx, LogRecord{StrategyID: "0xA", Message: "two"}))

	logs := m.Logs("0xa")
	require.Len(t, logs, 2)
	assert.Equal(t, "one", logs[0].Message)
	assert.Equal(t, "two", logs[1].Message)
}

func TestMemoryOperations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	_, err := m.LatestOperation(ctx, "0xa")
	assert.ErrorIs(t, err, exception.ErrRecordNotFound)

	require.NoError(t, m.SaveOperation(ctx, schema.OperationState{ID: "1", StrategyID: "0xa", Status: schema.OperationCompleted, StartedAt: base}))
	require.NoError(t, m.SaveOperation(ctx, schema.OperationState{ID: "2", StrategyID: "0xa", Status: schema.OperationWaitingChain, StartedAt: base.Add(time.Second)}))
	require.NoError(t, m.SaveOperation(ctx, schema.OperationState{ID: "3", StrategyID: "0xb", Status: schema.OperationValidating, StartedAt: base.Add(-time.Second)}))

	latest, err := m.LatestOperation(ctx, "0xa")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.ID)

	open, err := m.OpenOperations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "3", open[0].ID)
	assert.Equal(t, "2", open[1].ID)

	require.NoError(t, m.SaveOperation(ctx, schema.OperationState{ID: "2", StrategyID: "0xa", Status: schema.OperationCompleted, StartedAt: base.Add(time.Second)}))
	open, err = m.OpenOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	assert.ErrorIs(t, m.SaveOperation(ctx, schema.OperationState{}), exception.ErrInvalidArgument)
}
