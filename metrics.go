package tachyon

import (
	"sync/atomic"
	"time"
)

// Metrics tracks the per-second operational counters a worker's I/O loop
// rolls over once per calendar second: requests served, connections
// accepted and closed, and the buffer-pool release activity. Each worker
// owns exactly one Metrics; nothing here is shared across workers.
type Metrics struct {
	RequestsTotal    atomic.Uint64
	ConnectionsTotal atomic.Uint64
	ClosedTotal      atomic.Uint64
	BuffersReleased  atomic.Uint64

	// lastRequests/lastSecond back the per-second RPS computation the loop
	// runs when its calendar second rolls over.
	lastRequests uint64
	lastSecond   int64

	StartTime atomic.Int64
}

// NewMetrics creates a Metrics instance primed with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records one served HTTP request (any route, any status).
func (m *Metrics) RecordRequest() {
	m.RequestsTotal.Add(1)
}

// RecordAccept records one accepted connection.
func (m *Metrics) RecordAccept() {
	m.ConnectionsTotal.Add(1)
}

// RecordClose records one torn-down connection.
func (m *Metrics) RecordClose() {
	m.ClosedTotal.Add(1)
}

// RecordBufferRelease records n released buffers handed back to the kernel
// in one re-registration batch.
func (m *Metrics) RecordBufferRelease(n int) {
	if n > 0 {
		m.BuffersReleased.Add(uint64(n))
	}
}

// Snapshot is a point-in-time view of the counters above plus the
// observed requests-per-second rate, computed relative to the previous
// Snapshot call.
type Snapshot struct {
	RequestsTotal    uint64
	ConnectionsTotal uint64
	ClosedTotal      uint64
	BuffersReleased  uint64
	RPS              uint64
	UptimeNs         uint64
}

// Snapshot computes the observed RPS since the last call to Snapshot and
// returns the current counters. The first call only records the baseline
// and reports an RPS of 0, as does a call within the same calendar second
// as the previous one. The worker calls this once per calendar second, per the I/O
// loop's per-iteration procedure (§4.I step 1).
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	requests := m.RequestsTotal.Load()
	sec := now.Unix()

	var rps uint64
	if m.lastSecond != 0 && sec > m.lastSecond {
		elapsed := uint64(sec - m.lastSecond)
		rps = (requests - m.lastRequests) / elapsed
	}
	m.lastRequests = requests
	m.lastSecond = sec

	return Snapshot{
		RequestsTotal:    requests,
		ConnectionsTotal: m.ConnectionsTotal.Load(),
		ClosedTotal:      m.ClosedTotal.Load(),
		BuffersReleased:  m.BuffersReleased.Load(),
		RPS:              rps,
		UptimeNs:         uint64(now.UnixNano() - m.StartTime.Load()),
	}
}

// ThrottleThreshold returns the minimum nanosecond spacing the outbound
// batcher must observe between flushes at the given RPS, per §4.H's
// rate-adaptive throttle table. It returns 0 (unthrottled) below 500k RPS.
func ThrottleThreshold(rps uint64) time.Duration {
	switch {
	case rps >= 1_000_000:
		return 2000 * time.Nanosecond
	case rps >= 500_000:
		return 1000 * time.Nanosecond
	default:
		return 0
	}
}

// Observer allows a worker's metrics to be forwarded to a pluggable
// collector, matching the teacher's Observer-over-Metrics split: Metrics
// is the concrete atomic-counter implementation, Observer the interface
// a component depends on.
type Observer interface {
	ObserveRequest()
	ObserveAccept()
	ObserveClose()
	ObserveBufferRelease(n int)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest()            {}
func (NoOpObserver) ObserveAccept()              {}
func (NoOpObserver) ObserveClose()                {}
func (NoOpObserver) ObserveBufferRelease(int)     {}

// MetricsObserver forwards observations to a concrete Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest()        { o.metrics.RecordRequest() }
func (o *MetricsObserver) ObserveAccept()         { o.metrics.RecordAccept() }
func (o *MetricsObserver) ObserveClose()          { o.metrics.RecordClose() }
func (o *MetricsObserver) ObserveBufferRelease(n int) { o.metrics.RecordBufferRelease(n) }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
