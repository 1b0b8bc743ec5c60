// Package fsm implements the per-worker lifecycle state machine (C3, spec
// §3). Grounded directly on mostlygeek-llama-swap's proxy/process.go
// swapState/isValidTransition compare-and-swap pattern, generalized to the
// eight-state table spec.md §3 defines.
package fsm

import (
	"fmt"
	"time"

	"github.com/nehonix/go-procsupervisor/internal/supervisorerr"
)

// State is a WorkerState tagged enum value (spec §3).
type State string

const (
	Spawning State = "spawning"
	Starting State = "starting"
	Online   State = "online"
	Draining State = "draining"
	Stopping State = "stopping"
	Stopped  State = "stopped"
	Crashed  State = "crashed"
	Errored  State = "errored"
)

// table enumerates every valid source -> {targets} transition from spec §3.
var table = map[State]map[State]bool{
	Spawning: {Starting: true, Crashed: true, Errored: true, Stopped: true},
	Starting: {Online: true, Crashed: true, Errored: true, Stopped: true},
	Online:   {Draining: true, Stopping: true, Crashed: true, Errored: true},
	Draining: {Stopping: true, Stopped: true, Crashed: true},
	Stopping: {Stopped: true, Crashed: true},
	Stopped:  {Spawning: true},
	Crashed:  {Spawning: true, Stopped: true},
	Errored:  {Stopped: true},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	targets, ok := table[from]
	if !ok {
		return false
	}
	return targets[to]
}

// WorkerLifecycle is the minimal state the FSM mutates on a transition; the
// owning WorkerInfo embeds or wraps this. Isolating the mutated fields keeps
// the FSM's side effects auditable: it touches State, ReadyAt, StoppedAt and
// nothing else, per spec §4.3.
type WorkerLifecycle struct {
	State     State
	ReadyAt   *time.Time
	StoppedAt *time.Time
}

// Transition moves l from its current state to `to`, rejecting any
// transition absent from the table with a loud InvalidTransition error
// (spec §4.3: "any other transition is a programmer error and must be
// rejected"). Callers are responsible for invoking this from a single
// ordering domain per worker (spec §5) — the FSM itself does no locking.
func Transition(l *WorkerLifecycle, to State) error {
	if !CanTransition(l.State, to) {
		return supervisorerr.InvalidTransition("cannot transition %s -> %s", l.State, to)
	}
	now := time.Now()
	switch to {
	case Online:
		if l.ReadyAt == nil {
			l.ReadyAt = &now
		}
	case Stopped, Crashed, Errored:
		l.StoppedAt = &now
	}
	// Invariant I2: readyAt persists across draining/stopping/crashed; it is
	// only cleared when the occupant is replaced with a fresh worker id,
	// which the caller models as a brand new WorkerLifecycle, not a reset of
	// this one.
	l.State = to
	return nil
}

// MustTransition panics on an invalid transition. Per spec §4.3/§7,
// InvalidTransition is the one error class that represents a programmer
// bug rather than a runtime condition; this helper exists for call sites
// that have already validated the transition is legal and want a loud
// failure if that invariant is ever violated by a future change.
func MustTransition(l *WorkerLifecycle, to State) {
	if err := Transition(l, to); err != nil {
		panic(fmt.Sprintf("fsm: invariant violated: %v", err))
	}
}
