// Package signalhub installs the master's OS signal handling (C14, spec
// §4.14): SIGTERM/SIGINT trigger a single graceful shutdown (first signal
// wins, a second is a no-op), SIGHUP triggers reload-all, and SIGPIPE is
// caught and ignored rather than left to its Go-runtime default (which
// would terminate the process the first time a write lands on a socket or
// pipe the other end already closed — exactly what happens to a proxy or
// worker-IPC write racing a killed child). Grounded on the teacher's
// signal.Notify(os.Interrupt, syscall.SIGTERM) shutdown goroutine in
// main(), generalized to a reusable, tear-down-able hub.
package signalhub

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
)

// Hooks are invoked from the hub's own goroutine; callers must not block
// indefinitely inside them.
type Hooks struct {
	OnShutdown func(reason string)
	OnReload   func()
}

// Hub owns the registered os/signal channel and its listener goroutine.
type Hub struct {
	log zerolog.Logger
	ch  chan os.Signal
	fired int32
	done  chan struct{}
}

// Install registers SIGTERM, SIGINT, SIGHUP and SIGPIPE and starts the
// dispatch goroutine. Call Stop to tear down.
func Install(log zerolog.Logger, hooks Hooks) *Hub {
	h := &Hub{
		log:  log,
		ch:   make(chan os.Signal, 4),
		done: make(chan struct{}),
	}
	signal.Notify(h.ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE)
	go h.run(hooks)
	return h
}

func (h *Hub) run(hooks Hooks) {
	for {
		select {
		case sig := <-h.ch:
			switch sig {
			case syscall.SIGPIPE:
				// Ignored: a write to a closed proxy/worker-IPC connection
				// should surface as an error return to its caller, not take
				// the whole master down.
			case syscall.SIGHUP:
				h.log.Info().Msg("SIGHUP received, reloading all apps")
				if hooks.OnReload != nil {
					hooks.OnReload()
				}
			case syscall.SIGTERM, syscall.SIGINT:
				// Only the first of SIGINT/SIGTERM wins; a second delivery
				// (e.g. an impatient operator hitting ctrl-C twice) is a
				// no-op rather than re-entering shutdown.
				if atomic.CompareAndSwapInt32(&h.fired, 0, 1) {
					h.log.Info().Str("signal", sig.String()).Msg("shutting down")
					if hooks.OnShutdown != nil {
						hooks.OnShutdown(sig.String())
					}
				}
			}
		case <-h.done:
			return
		}
	}
}

// Stop deregisters the signal handlers and ends the dispatch goroutine.
func (h *Hub) Stop() {
	signal.Stop(h.ch)
	close(h.done)
}
