package obs

import (
	"sync/atomic"
	"time"

	"venuelink/internal/schema"
)

const (
	maxEventType    = int(schema.EventClientResponse)
	maxUpdateKind   = int(schema.UpdateTrade)
	maxRejectReason = int(schema.RejectRisk)
)

// Metrics collects hot-path counters and latency aggregates. All
// methods are safe for concurrent use and nil receivers no-op, so
// instrumented code never has to guard.
type Metrics struct {
	eventCounts  [maxEventType + 1]atomic.Uint64
	updateCounts [maxUpdateKind + 1]atomic.Uint64
	rejectCounts [maxRejectReason + 1]atomic.Uint64
	queueDrops   atomic.Uint64
	decodeErrors atomic.Uint64
	reconnects   atomic.Uint64
	ordersSent   atomic.Uint64

	decodeLatency    LatencyStats
	orderFlowLatency LatencyStats
	riskEvalLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds. The zero
// value is ready to use; negative samples are dropped.
type LatencyStats struct {
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
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
	EventCounts      map[schema.EventType]uint64
	UpdateCounts     map[schema.UpdateKind]uint64
	RejectCounts     map[schema.RejectReason]uint64
	QueueDrops       uint64
	DecodeErrors     uint64
	Reconnects       uint64
	OrdersSent       uint64
	DecodeLatency    LatencySnapshot
	OrderFlowLatency LatencySnapshot
	RiskEvalLatency  LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func bump(counters []atomic.Uint64, idx int) {
	if idx >= 0 && idx < len(counters) {
		counters[idx].Add(1)
	}
}

// ObserveEvent counts one captured event by type. When both header
// stamps are present their gap feeds the decode latency aggregate.
func (m *Metrics) ObserveEvent(header schema.EventHeader) {
	if m == nil {
		return
	}
	bump(m.eventCounts[:], int(header.Type))
	if header.TsEvent > 0 && header.TsRecv >= header.TsEvent {
		m.decodeLatency.Observe(time.Duration(header.TsRecv - header.TsEvent))
	}
}

// IncUpdate counts one normalized market update by kind.
func (m *Metrics) IncUpdate(kind schema.UpdateKind) {
	if m == nil {
		return
	}
	bump(m.updateCounts[:], int(kind))
}

// IncReject counts one rejected request by reason.
func (m *Metrics) IncReject(reason schema.RejectReason) {
	if m == nil {
		return
	}
	bump(m.rejectCounts[:], int(reason))
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	m.queueDrops.Add(1)
}

// IncDecodeError records a frame that failed to decode.
func (m *Metrics) IncDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Add(1)
}

// IncReconnect records a session reconnect.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(1)
}

// IncOrderSent records an order handed to a venue.
func (m *Metrics) IncOrderSent() {
	if m == nil {
		return
	}
	m.ordersSent.Add(1)
}

// ObserveDecode measures wire-to-normalized decode latency.
func (m *Metrics) ObserveDecode(d time.Duration) {
	if m == nil {
		return
	}
	m.decodeLatency.Observe(d)
}

// ObserveOrderFlow measures end-to-end order flow latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.orderFlowLatency.Observe(d)
}

// ObserveRiskEval measures risk evaluation latency.
func (m *Metrics) ObserveRiskEval(d time.Duration) {
	if m == nil {
		return
	}
	m.riskEvalLatency.Observe(d)
}

func collect[K ~uint8 | ~uint16](counters []atomic.Uint64) map[K]uint64 {
	out := make(map[K]uint64)
	for i := range counters {
		if v := counters[i].Load(); v > 0 {
			out[K(i)] = v
		}
	}
	return out
}

// Snapshot returns a copy of the current metrics values. Counters that
// never fired are omitted from the maps.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		EventCounts:      collect[schema.EventType](m.eventCounts[:]),
		UpdateCounts:     collect[schema.UpdateKind](m.updateCounts[:]),
		RejectCounts:     collect[schema.RejectReason](m.rejectCounts[:]),
		QueueDrops:       m.queueDrops.Load(),
		DecodeErrors:     m.decodeErrors.Load(),
		Reconnects:       m.reconnects.Load(),
		OrdersSent:       m.ordersSent.Load(),
		DecodeLatency:    m.decodeLatency.Snapshot(),
		OrderFlowLatency: m.orderFlowLatency.Snapshot(),
		RiskEvalLatency:  m.riskEvalLatency.Snapshot(),
	}
}

// Observe folds one duration sample into the aggregate.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	l.count.Add(1)
	l.sum.Add(nanos)

	for {
		cur := l.min.Load()
		if cur != 0 && nanos >= cur {
			break
		}
		if l.min.CompareAndSwap(cur, nanos) {
			break
		}
	}
	for {
		cur := l.max.Load()
		if nanos <= cur {
			break
		}
		if l.max.CompareAndSwap(cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := l.count.Load()
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(l.min.Load()),
		Max:   time.Duration(l.max.Load()),
		Avg:   time.Duration(l.sum.Load() / count),
	}
}
