// Package metrics holds the per-target self-monitoring counters and
// latency percentile estimator. Each worker keeps its own TargetMetrics;
// nothing in this module serves them over the debug endpoint.
package metrics

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// PassResult classifies how one replay pass ended, mirroring the three
// outcomes the worker supervisor reacts to (§4.6).
type PassResult int

const (
	PassContinue PassResult = iota
	PassSuspend
	PassError
)

// TargetMetrics accumulates per-target operational signals: pass-result
// counts and a streaming percentile estimate of apply latency, readable
// through Snapshot. This supplements (does not replace) the control file's
// durable checkpoint state.
type TargetMetrics struct {
	mu sync.Mutex

	continueCount uint64
	suspendCount  uint64
	errorCount    uint64

	applyLatency *tdigest.TDigest
}

// NewTargetMetrics creates a fresh metrics sink. A tdigest allocation
// failure is vanishingly unlikely (it only fails on invalid compression
// options) and is treated as non-fatal: latency reporting degrades to a
// no-op rather than preventing the target from running.
func NewTargetMetrics() *TargetMetrics {
	td, _ := tdigest.New()
	return &TargetMetrics{applyLatency: td}
}

// RecordPass increments the counter for the given pass outcome.
func (m *TargetMetrics) RecordPass(result PassResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch result {
	case PassContinue:
		m.continueCount++
	case PassSuspend:
		m.suspendCount++
	case PassError:
		m.errorCount++
	}
}

// RecordApplyLatency feeds one Apply() call's duration into the percentile
// estimator.
func (m *TargetMetrics) RecordApplyLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyLatency == nil {
		return
	}
	_ = m.applyLatency.Add(float64(d.Microseconds()))
}

// Snapshot is a point-in-time, immutable view of a target's metrics.
type Snapshot struct {
	ContinueCount  uint64
	SuspendCount   uint64
	ErrorCount     uint64
	ApplyP50Micros float64
	ApplyP99Micros float64
}

// Snapshot returns the current counters and latency percentiles.
func (m *TargetMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		ContinueCount: m.continueCount,
		SuspendCount:  m.suspendCount,
		ErrorCount:    m.errorCount,
	}
	if m.applyLatency != nil {
		snap.ApplyP50Micros = m.applyLatency.Quantile(0.5)
		snap.ApplyP99Micros = m.applyLatency.Quantile(0.99)
	}
	return snap
}
