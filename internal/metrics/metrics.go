// Package metrics implements the per-worker metrics aggregator (C7, spec
// §4.7): storing the last sample per worker and deriving CPU percentage
// from consecutive absolute microsecond counters. Grounded on the
// teacher's workerRestartsCounter Prometheus counter in main.go, extended
// with gauges mirroring XyPriss's monitorLoop memory/CPU enforcement shape
// (read, not copied). The /metrics HTTP endpoint itself stays out of scope
// (spec §1) — only the in-process instrumentation objects live here.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nehonix/go-procsupervisor/internal/ipcmsg"
)

type sample struct {
	at  time.Time
	cpu ipcmsg.CPUSample
	mem ipcmsg.MemorySample
}

// Aggregator stores the last sample per worker and exposes the
// instrumentation objects an external Prometheus endpoint would scrape.
type Aggregator struct {
	mu      sync.Mutex
	last    map[int64]sample
	pctByID map[int64]float64

	Restarts        prometheus.Counter
	Crashes         prometheus.Counter
	ReloadBatches   prometheus.Counter
	BackoffSeconds  prometheus.Histogram
}

// NewAggregator builds an Aggregator with its own counters, registered on
// reg if non-nil (callers may share one registry across apps or pass nil
// to keep them process-local and unregistered, e.g. in tests).
func NewAggregator(appName string, reg prometheus.Registerer) *Aggregator {
	a := &Aggregator{
		last:    make(map[int64]sample),
		pctByID: make(map[int64]float64),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "supervisor_worker_restarts_total",
			Help:        "Total number of worker process restarts.",
			ConstLabels: prometheus.Labels{"app": appName},
		}),
		Crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "supervisor_worker_crashes_total",
			Help:        "Total number of unexpected worker exits.",
			ConstLabels: prometheus.Labels{"app": appName},
		}),
		ReloadBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "supervisor_reload_batches_total",
			Help:        "Total number of rolling-reload batches completed.",
			ConstLabels: prometheus.Labels{"app": appName},
		}),
		BackoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "supervisor_backoff_delay_seconds",
			Help:        "Backoff delay applied before each restart attempt.",
			ConstLabels: prometheus.Labels{"app": appName},
			Buckets:     prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(a.Restarts, a.Crashes, a.ReloadBatches, a.BackoffSeconds)
	}
	return a
}

// Record stores p as worker's latest sample and returns the CPU percentage
// derived from it vs the previous sample (0 on the first sample), per
// spec §4.7: cpuPct = ((u2+s2)-(u1+s1)) / ((t2-t1)*1e4).
func (a *Aggregator) Record(workerID int64, p ipcmsg.MetricsPayload, now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.last[workerID]
	a.last[workerID] = sample{at: now, cpu: p.CPU, mem: p.Memory}
	if !ok {
		a.pctByID[workerID] = 0
		return 0
	}

	dtMs := now.Sub(prev.at).Milliseconds()
	if dtMs <= 0 {
		return a.pctByID[workerID]
	}
	prevTotal := prev.cpu.UserMicros + prev.cpu.SystemMicros
	curTotal := p.CPU.UserMicros + p.CPU.SystemMicros
	if curTotal < prevTotal {
		// Non-monotonic sample (violates P8); treat conservatively as 0
		// rather than produce a negative percentage.
		a.pctByID[workerID] = 0
		return 0
	}
	pct := float64(curTotal-prevTotal) / (float64(dtMs) * 1e4)
	a.pctByID[workerID] = pct
	return pct
}

// LastMemory returns the most recently recorded memory sample, if any.
func (a *Aggregator) LastMemory(workerID int64) (ipcmsg.MemorySample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.last[workerID]
	return s.mem, ok
}

// LastCPUPercent returns the most recently derived CPU percentage.
func (a *Aggregator) LastCPUPercent(workerID int64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pctByID[workerID]
}

// Forget drops all stored state for a worker id, called when a slot's
// occupant is replaced so a fresh worker starts from a clean first-sample
// baseline.
func (a *Aggregator) Forget(workerID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.last, workerID)
	delete(a.pctByID, workerID)
}
