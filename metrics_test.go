package tachyon

import (
	"testing"
	"time"
)

func TestMetricsRecordCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest()
	m.RecordRequest()
	m.RecordAccept()
	m.RecordClose()
	m.RecordBufferRelease(5)
	m.RecordBufferRelease(0)

	snap := m.Snapshot(time.Now())
	if snap.RequestsTotal != 2 {
		t.Errorf("RequestsTotal = %d, want 2", snap.RequestsTotal)
	}
	if snap.ConnectionsTotal != 1 {
		t.Errorf("ConnectionsTotal = %d, want 1", snap.ConnectionsTotal)
	}
	if snap.ClosedTotal != 1 {
		t.Errorf("ClosedTotal = %d, want 1", snap.ClosedTotal)
	}
	if snap.BuffersReleased != 5 {
		t.Errorf("BuffersReleased = %d, want 5", snap.BuffersReleased)
	}
}

func TestMetricsSnapshotRPS(t *testing.T) {
	m := NewMetrics()
	base := time.Unix(1000, 0)

	// First snapshot just primes lastSecond/lastRequests; RPS undefined yet.
	m.RequestsTotal.Store(100)
	_ = m.Snapshot(base)

	m.RequestsTotal.Store(600)
	snap := m.Snapshot(base.Add(1 * time.Second))
	if snap.RPS != 500 {
		t.Errorf("RPS = %d, want 500", snap.RPS)
	}

	m.RequestsTotal.Store(2600)
	snap = m.Snapshot(base.Add(3 * time.Second))
	if snap.RPS != 1000 {
		t.Errorf("RPS across multi-second gap = %d, want 1000", snap.RPS)
	}
}

func TestMetricsSnapshotSameSecondIsNoOp(t *testing.T) {
	m := NewMetrics()
	now := time.Unix(2000, 0)

	m.RequestsTotal.Store(50)
	first := m.Snapshot(now)
	m.RequestsTotal.Store(999)
	second := m.Snapshot(now)

	if first.RPS != 0 || second.RPS != 0 {
		t.Errorf("expected zero RPS within the same calendar second, got %d then %d", first.RPS, second.RPS)
	}
}

func TestThrottleThreshold(t *testing.T) {
	cases := []struct {
		rps  uint64
		want time.Duration
	}{
		{0, 0},
		{499_999, 0},
		{500_000, 1000 * time.Nanosecond},
		{999_999, 1000 * time.Nanosecond},
		{1_000_000, 2000 * time.Nanosecond},
		{5_000_000, 2000 * time.Nanosecond},
	}
	for _, tc := range cases {
		if got := ThrottleThreshold(tc.rps); got != tc.want {
			t.Errorf("ThrottleThreshold(%d) = %v, want %v", tc.rps, got, tc.want)
		}
	}
}

func TestObservers(t *testing.T) {
	noop := NoOpObserver{}
	noop.ObserveRequest()
	noop.ObserveAccept()
	noop.ObserveClose()
	noop.ObserveBufferRelease(10)

	m := NewMetrics()
	obs := NewMetricsObserver(m)
	obs.ObserveRequest()
	obs.ObserveAccept()
	obs.ObserveClose()
	obs.ObserveBufferRelease(3)

	snap := m.Snapshot(time.Now())
	if snap.RequestsTotal != 1 || snap.ConnectionsTotal != 1 || snap.ClosedTotal != 1 || snap.BuffersReleased != 3 {
		t.Errorf("unexpected snapshot after observer calls: %+v", snap)
	}
}
