package obs

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "automation"

// EffectOutcome classifies how the executor settled one effect request.
type EffectOutcome uint8

const (
	_effect_outcome_beg EffectOutcome = iota
	EffectSucceeded
	EffectFailed
	EffectMalformed
	EffectUnknownType
	EffectInFlight
	EffectReplayed
	EffectRequeued
	_effect_outcome_end
)

func (o EffectOutcome) IsAvailable() bool {
	return o > _effect_outcome_beg && o < _effect_outcome_end
}

func (o EffectOutcome) String() string {
	switch o {
	case EffectSucceeded:
		return "succeeded"
	case EffectFailed:
		return "failed"
	case EffectMalformed:
		return "malformed"
	case EffectUnknownType:
		return "unknown_type"
	case EffectInFlight:
		return "in_flight"
	case EffectReplayed:
		return "replayed"
	case EffectRequeued:
		return "requeued"
	default:
		return "unknown"
	}
}

// Metrics collects lightweight counters and latency stats, mirrored into otel instruments.
type Metrics struct {
	effectCounts [_effect_outcome_end]uint64

	publishes        uint64
	publishRetries   uint64
	publishRejected  uint64
	eventsCommitted  uint64
	eventsFailed     uint64
	iterationLimits  uint64
	effectsRequested uint64
	resultsMatched   uint64
	resultsDiscarded uint64

	effectLatency   LatencyStats
	simulateLatency LatencyStats
	commitLatency   LatencyStats

	inst instruments
}

type instruments struct {
	effects   metric.Int64Counter
	publishes metric.Int64Counter
	events    metric.Int64Counter
	results   metric.Int64Counter
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EffectCounts     map[EffectOutcome]uint64
	Publishes        uint64
	PublishRetries   uint64
	PublishRejected  uint64
	EventsCommitted  uint64
	EventsFailed     uint64
	IterationLimits  uint64
	EffectsRequested uint64
	ResultsMatched   uint64
	ResultsDiscarded uint64
	EffectLatency    LatencySnapshot
	SimulateLatency  LatencySnapshot
	CommitLatency    LatencySnapshot
}

// NewMetrics allocates a metrics container reporting through the global meter provider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter allocates a metrics container reporting through meter.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}
	fallback := noop.NewMeterProvider().Meter(meterName)
	m := &Metrics{}
	m.inst.effects = counter(meter, fallback, "automation.effects.total", "Effect requests settled by the executor, by outcome")
	m.inst.publishes = counter(meter, fallback, "automation.publishes.total", "Broker publishes, by result")
	m.inst.events = counter(meter, fallback, "automation.events.total", "Step events settled by strategy loops, by result")
	m.inst.results = counter(meter, fallback, "automation.results.total", "Effect results consumed by strategy loops, by match")
	m.inst.requests = counter(meter, fallback, "automation.effect_requests.total", "Effect requests published by strategy loops")

	hist, err := meter.Float64Histogram("automation.latency",
		metric.WithDescription("Latency of effect round trips, simulations and commits"),
		metric.WithUnit("s"),
	)
	if err != nil {
		hist, _ = fallback.Float64Histogram("automation.latency")
	}
	m.inst.latency = hist
	return m
}

func counter(meter, fallback metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = fallback.Int64Counter(name)
	}
	return c
}

// ObserveEffect counts an executor outcome.
func (m *Metrics) ObserveEffect(outcome EffectOutcome, effectType string) {
	if m == nil || !outcome.IsAvailable() {
		return
	}
	atomic.AddUint64(&m.effectCounts[outcome], 1)
	m.inst.effects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome.String()),
		attribute.String("effect_type", effectType),
	))
}

// ObservePublish counts a publish attempt that ended accepted, retried or rejected.
func (m *Metrics) ObservePublish(accepted bool, final bool) {
	if m == nil {
		return
	}
	result := "accepted"
	switch {
	case accepted:
		atomic.AddUint64(&m.publishes, 1)
	case final:
		atomic.AddUint64(&m.publishRejected, 1)
		result = "rejected"
	default:
		atomic.AddUint64(&m.publishRetries, 1)
		result = "retried"
	}
	m.inst.publishes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// ObserveEventCommitted counts an event whose step call was committed.
func (m *Metrics) ObserveEventCommitted(strategyID string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.eventsCommitted, 1)
	m.inst.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy", strategyID),
		attribute.String("result", "committed"),
	))
}

// ObserveEventFailed counts an event returned to its queue.
func (m *Metrics) ObserveEventFailed(strategyID string, iterationLimit bool) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.eventsFailed, 1)
	result := "failed"
	if iterationLimit {
		atomic.AddUint64(&m.iterationLimits, 1)
		result = "iteration_limit"
	}
	m.inst.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy", strategyID),
		attribute.String("result", result),
	))
}

// IncEffectRequested counts an effect request published by a loop.
func (m *Metrics) IncEffectRequested(effectType string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.effectsRequested, 1)
	m.inst.requests.Add(context.Background(), 1, metric.WithAttributes(attribute.String("effect_type", effectType)))
}

// ObserveResult counts a consumed result and its round-trip latency when matched.
func (m *Metrics) ObserveResult(matched bool, latency time.Duration) {
	if m == nil {
		return
	}
	match := "discarded"
	if matched {
		match = "matched"
		atomic.AddUint64(&m.resultsMatched, 1)
		if latency > 0 {
			m.effectLatency.Observe(latency)
			m.recordLatency("effect", latency)
		}
	} else {
		atomic.AddUint64(&m.resultsDiscarded, 1)
	}
	m.inst.results.Add(context.Background(), 1, metric.WithAttributes(attribute.String("match", match)))
}

// ObserveSimulate measures one step simulation.
func (m *Metrics) ObserveSimulate(d time.Duration) {
	if m == nil {
		return
	}
	m.simulateLatency.Observe(d)
	m.recordLatency("simulate", d)
}

// ObserveCommit measures one commit including confirmation.
func (m *Metrics) ObserveCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.commitLatency.Observe(d)
	m.recordLatency("commit", d)
}

func (m *Metrics) recordLatency(stage string, d time.Duration) {
	m.inst.latency.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	effectCounts := make(map[EffectOutcome]uint64)
	for i := range m.effectCounts {
		if v := atomic.LoadUint64(&m.effectCounts[i]); v > 0 {
			effectCounts[EffectOutcome(i)] = v
		}
	}
	return Snapshot{
		EffectCounts:     effectCounts,
		Publishes:        atomic.LoadUint64(&m.publishes),
		PublishRetries:   atomic.LoadUint64(&m.publishRetries),
		PublishRejected:  atomic.LoadUint64(&m.publishRejected),
		EventsCommitted:  atomic.LoadUint64(&m.eventsCommitted),
		EventsFailed:     atomic.LoadUint64(&m.eventsFailed),
		IterationLimits:  atomic.LoadUint64(&m.iterationLimits),
		EffectsRequested: atomic.LoadUint64(&m.effectsRequested),
		ResultsMatched:   atomic.LoadUint64(&m.resultsMatched),
		ResultsDiscarded: atomic.LoadUint64(&m.resultsDiscarded),
		EffectLatency:    m.effectLatency.Snapshot(),
		SimulateLatency:  m.simulateLatency.Snapshot(),
		CommitLatency:    m.commitLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
