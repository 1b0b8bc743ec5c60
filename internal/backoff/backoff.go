// Package backoff implements crash-recovery policy (C4, spec §4.4):
// exponential delay scheduling, the sliding-window restart budget, and the
// minUptime reset rule. Grounded on loykin-provisr's internal/manager/
// supervisor.go tryAutoStart restart loop and the teacher's ensureWorkers
// respawn loop in main.go.
package backoff

import (
	"time"

	"github.com/nehonix/go-procsupervisor/internal/config"
)

// State is the per-worker BackoffState (spec §3).
type State struct {
	Attempt      int
	NextDelay    time.Duration
	WindowStart  time.Time
	Timestamps   []time.Time
}

// Reset clears the attempt counter and delay, called whenever a worker's
// uptime has cleared minUptime (spec §4.4, I3).
func (s *State) Reset() {
	s.Attempt = 0
	s.NextDelay = 0
}

// Decision is the result of consulting policy after an unexpected exit.
type Decision struct {
	// Errored is true when the restart budget has been exhausted (spec
	// §4.4: "timestamps-in-window > maxRestarts").
	Errored bool
	// Delay is how long to wait before the next respawn attempt, valid
	// only when !Errored.
	Delay time.Duration
}

// OnExit implements the §4.4 pseudocode: reset or bump consecutiveCrashes
// based on uptime vs minUptime, record the exit in the sliding restart
// window, and either signal budget exhaustion or return the next backoff
// delay. consecutiveCrashes/restartCount bookkeeping is the caller's
// responsibility (model.WorkerInfo fields); this function only owns the
// backoff.State and returns what the caller should do to those fields.
func OnExit(pol config.RestartPolicy, bo config.Backoff, s *State, uptime time.Duration, now time.Time) (resetCrashes bool, decision Decision) {
	if uptime >= pol.MinUptime {
		resetCrashes = true
		s.Reset()
	}

	s.Timestamps = append(s.Timestamps, now)
	windowStart := now.Add(-pol.MaxRestartWindow)
	kept := s.Timestamps[:0]
	for _, t := range s.Timestamps {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	s.Timestamps = kept

	if len(s.Timestamps) > pol.MaxRestarts {
		return resetCrashes, Decision{Errored: true}
	}

	delay := nextDelay(bo, s.Attempt)
	s.Attempt++
	s.NextDelay = delay
	return resetCrashes, Decision{Delay: delay}
}

// nextDelay computes delay = min(initial * multiplier^attempt, max), per
// spec §4.4 and testable property P3.
func nextDelay(bo config.Backoff, attempt int) time.Duration {
	d := float64(bo.Initial)
	for i := 0; i < attempt; i++ {
		d *= bo.Multiplier
	}
	max := float64(bo.Max)
	if max > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}
