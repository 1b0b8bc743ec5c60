package signalhub

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSIGHUPTriggersReload(t *testing.T) {
	reloaded := make(chan struct{}, 1)
	hub := Install(zerolog.Nop(), Hooks{
		OnReload: func() { reloaded <- struct{}{} },
	})
	defer hub.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("sending SIGHUP: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnReload")
	}
}

// TestSIGPIPEIsIgnoredNotFatal confirms SIGPIPE no longer runs the Go
// runtime's default action (terminate the process): delivering it here
// must neither crash the test binary nor trigger either hook.
func TestSIGPIPEIsIgnoredNotFatal(t *testing.T) {
	var shutdowns, reloads int32
	hub := Install(zerolog.Nop(), Hooks{
		OnShutdown: func(reason string) { atomic.AddInt32(&shutdowns, 1) },
		OnReload:   func() { atomic.AddInt32(&reloads, 1) },
	})
	defer hub.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGPIPE); err != nil {
		t.Fatalf("sending SIGPIPE: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&shutdowns); got != 0 {
		t.Fatalf("expected SIGPIPE not to trigger OnShutdown, got %d calls", got)
	}
	if got := atomic.LoadInt32(&reloads); got != 0 {
		t.Fatalf("expected SIGPIPE not to trigger OnReload, got %d calls", got)
	}
}

func TestOnlyFirstOfSigtermSigintWins(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	hub := Install(zerolog.Nop(), Hooks{
		OnShutdown: func(reason string) {
			atomic.AddInt32(&calls, 1)
			close(done)
		},
	})
	defer hub.Stop()

	syscall.Kill(os.Getpid(), syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first shutdown signal")
	}

	// A second signal must be a no-op; give it a moment, then assert only
	// one OnShutdown happened.
	syscall.Kill(os.Getpid(), syscall.SIGINT)
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 OnShutdown call, got %d", got)
	}
}
