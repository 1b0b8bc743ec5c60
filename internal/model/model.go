// Package model holds the shared, process-wide data model (spec §3):
// WorkerInfo, AppStatus and the invariants that span the other components.
// Kept separate from orchestrator so fsm/backoff/health/metrics/proxy can
// all depend on the shapes without an import cycle back to orchestrator.
package model

import (
	"time"

	"github.com/nehonix/go-procsupervisor/internal/config"
	"github.com/nehonix/go-procsupervisor/internal/fsm"
)

// WorkerInfo is the mutable per-worker record (spec §3). SlotIndex is the
// stable logical position (invariant I4); ID is a fresh, monotonically
// increasing identity assigned whenever a slot's occupant is replaced, so
// the proxy can distinguish "slot reused" from "new worker" (spec §3).
type WorkerInfo struct {
	ID        int64
	SlotIndex int
	PID       int

	fsm.WorkerLifecycle

	StartedAt time.Time

	RestartCount        int
	ConsecutiveCrashes  int
	LastCrashAt         time.Time

	ExitCode *int
	ExitSignal *string

	LastMemory *uint64
	LastCPUPercent float64
	LastHeartbeat  time.Time
}

// HasLivePID reports invariant I1: a live OS pid implies one of the
// "process exists" states.
func (w *WorkerInfo) HasLivePID() bool {
	if w.PID == 0 {
		return false
	}
	switch w.State {
	case fsm.Spawning, fsm.Starting, fsm.Online, fsm.Draining, fsm.Stopping:
		return true
	default:
		return false
	}
}

// Uptime returns how long the worker has been running as of now, zero if
// it never started.
func (w *WorkerInfo) Uptime(now time.Time) time.Duration {
	if w.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(w.StartedAt)
}

// AppOverallStatus is the derived, single-word summary in AppStatus.
type AppOverallStatus string

const (
	AppRunning  AppOverallStatus = "running"
	AppStopped  AppOverallStatus = "stopped"
	AppErrored  AppOverallStatus = "errored"
	AppStarting AppOverallStatus = "starting"
)

// AppStatus is a read-only snapshot suitable for listApps/getAppStatus.
type AppStatus struct {
	Name      string
	Status    AppOverallStatus
	Workers   []WorkerInfo
	Config    config.AppConfig
	StartedAt time.Time
}

// DeriveStatus computes the overall AppOverallStatus from a worker set,
// per the precedence: any errored worker dominates, else any worker that is
// neither online nor stopped/crashed means "starting", else "running" if at
// least one worker is online, else "stopped" (including a set made only of
// stopped/crashed workers).
func DeriveStatus(workers []WorkerInfo) AppOverallStatus {
	if len(workers) == 0 {
		return AppStopped
	}
	anyErrored := false
	anyStarting := false
	anyOnline := false
	for _, w := range workers {
		switch w.State {
		case fsm.Errored:
			anyErrored = true
		case fsm.Online:
			anyOnline = true
		case fsm.Stopped, fsm.Crashed:
			// neither starting nor online
		default:
			anyStarting = true
		}
	}
	if anyErrored {
		return AppErrored
	}
	if anyStarting {
		return AppStarting
	}
	if anyOnline {
		return AppRunning
	}
	return AppStopped
}
