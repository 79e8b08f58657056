package obs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetricsWithMeter(nil)

	m.ObserveEffect(EffectSucceeded, "LOG")
	m.ObserveEffect(EffectSucceeded, "LOG")
	m.ObserveEffect(EffectMalformed, "")
	m.ObserveEffect(_effect_outcome_end, "ignored")
	m.ObservePublish(true, false)
	m.ObservePublish(false, false)
	m.ObservePublish(false, true)
	m.ObserveEventCommitted("s")
	m.ObserveEventFailed("s", true)
	m.ObserveResult(true, 20*time.Millisecond)
	m.ObserveResult(true, 10*time.Millisecond)
	m.ObserveResult(false, 0)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.EffectCounts[EffectSucceeded])
	assert.Equal(t, uint64(1), snap.EffectCounts[EffectMalformed])
	assert.Len(t, snap.EffectCounts, 2)
	assert.Equal(t, uint64(1), snap.Publishes)
	assert.Equal(t, uint64(1), snap.PublishRetries)
	assert.Equal(t, uint64(1), snap.PublishRejected)
	assert.Equal(t, uint64(1), snap.EventsCommitted)
	assert.Equal(t, uint64(1), snap.EventsFailed)
	assert.Equal(t, uint64(1), snap.IterationLimits)
	assert.Equal(t, uint64(2), snap.ResultsMatched)
	assert.Equal(t, uint64(1), snap.ResultsDiscarded)
	assert.Equal(t, LatencySnapshot{Count: 2, Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Avg: 15 * time.Millisecond}, snap.EffectLatency)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveEffect(EffectFailed, "LOG")
	m.ObservePublish(true, false)
	m.ObserveSimulate(time.Second)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestNewInstanceID(t *testing.T) {
	id := NewInstanceID("executor")
	require.True(t, strings.HasPrefix(id, "executor-"))
	assert.Len(t, id, len("executor-")+12)
	assert.NotEqual(t, id, NewInstanceID("executor"))
	assert.NotEqual(t, NewCorrelationID(), NewCorrelationID())
}
