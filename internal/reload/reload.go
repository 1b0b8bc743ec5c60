// Package reload implements the batched rolling-restart coordinator (C10,
// spec §4.10). Grounded on the teacher's per-worker restart loop in
// ensureWorkers(), generalized into a batch-at-a-time replace-and-verify
// cycle with rollback on failure.
package reload

import (
	"context"
	"fmt"
	"time"
)

// WorkerRef is the minimal per-worker handle the coordinator needs; the
// orchestrator supplies concrete closures bound to its own WorkerInfo/FSM
// state so this package stays free of a dependency on orchestrator.
type WorkerRef struct {
	ID   int64
	Slot int
}

// Hooks are the orchestrator-provided operations the coordinator drives.
// Every hook operates on a single worker identified by WorkerRef; Hooks
// implementations are expected to run inside the owning app's single
// ordering domain (spec §5).
type Hooks struct {
	// MarkAlive flips the proxy/strategy aliveness for a slot.
	MarkAlive func(ref WorkerRef, alive bool)
	// Drain transitions online -> draining.
	Drain func(ref WorkerRef) error
	// KillAndWait asks the process manager to stop the worker with the
	// app's shutdownSignal/killTimeout and waits until the process has
	// exited (the orchestrator records the `stopped` transition
	// separately, when it handles the exit event).
	KillAndWait func(ctx context.Context, ref WorkerRef) error
	// SpawnReplacement starts a fresh worker for the given slot and
	// returns its new WorkerRef once spawn has been requested (not
	// necessarily online yet).
	SpawnReplacement func(slot int) (WorkerRef, error)
	// WaitOnline blocks until ref reaches `online` (IPC ready) or
	// readyTimeout expires, returning an error on timeout/errored.
	WaitOnline func(ctx context.Context, ref WorkerRef, timeout time.Duration) error
}

// Plan describes one reload run's parameters.
type Plan struct {
	Workers      []WorkerRef
	BatchSize    int
	BatchDelay   time.Duration
	ReadyTimeout time.Duration
}

// Result reports what happened.
type Result struct {
	ReplacedWorkers []WorkerRef
	Err             error
}

// Run executes the rolling restart described by plan using hooks,
// rolling back any in-flight batch on failure and leaving already-replaced
// batches in place (spec §4.10 step 5). Concurrent reloads for the same
// app must be serialized by the caller (orchestrator) — this function
// assumes it alone drives the app's worker set for its duration.
func Run(ctx context.Context, plan Plan, hooks Hooks) Result {
	batches := chunk(plan.Workers, plan.BatchSize)
	var replaced []WorkerRef

	for bi, batch := range batches {
		// Step 2: mark dead, drain, kill, wait stopped.
		for _, ref := range batch {
			hooks.MarkAlive(ref, false)
			if err := hooks.Drain(ref); err != nil {
				rollback(batch, hooks)
				return Result{ReplacedWorkers: replaced, Err: fmt.Errorf("reload: drain %d: %w", ref.ID, err)}
			}
		}
		for _, ref := range batch {
			if err := hooks.KillAndWait(ctx, ref); err != nil {
				rollback(batch, hooks)
				return Result{ReplacedWorkers: replaced, Err: fmt.Errorf("reload: kill %d: %w", ref.ID, err)}
			}
		}

		// Step 3: spawn replacements.
		newRefs := make([]WorkerRef, 0, len(batch))
		spawnFailed := false
		for _, ref := range batch {
			nr, err := hooks.SpawnReplacement(ref.Slot)
			if err != nil {
				spawnFailed = true
				break
			}
			newRefs = append(newRefs, nr)
		}
		if spawnFailed {
			rollback(batch, hooks)
			return Result{ReplacedWorkers: replaced, Err: fmt.Errorf("reload: spawn replacement failed in batch %d", bi)}
		}

		// Step 4: wait for all replacements to come online within
		// readyTimeout; any failure aborts and rolls back (step 5).
		allOnline := true
		for _, nr := range newRefs {
			if err := hooks.WaitOnline(ctx, nr, plan.ReadyTimeout); err != nil {
				allOnline = false
				break
			}
		}
		if !allOnline {
			rollback(batch, hooks)
			return Result{ReplacedWorkers: replaced, Err: fmt.Errorf("reload: batch %d failed to come online: %w", bi, errReadyTimeout)}
		}

		for _, nr := range newRefs {
			hooks.MarkAlive(nr, true)
		}
		replaced = append(replaced, newRefs...)

		if bi < len(batches)-1 && plan.BatchDelay > 0 {
			select {
			case <-time.After(plan.BatchDelay):
			case <-ctx.Done():
				return Result{ReplacedWorkers: replaced, Err: ctx.Err()}
			}
		}
	}

	return Result{ReplacedWorkers: replaced}
}

var errReadyTimeout = fmt.Errorf("replacement did not reach online before readyTimeout")

// rollback re-marks the batch's original (pre-replacement) workers alive
// again, per spec §4.10 step 5: "re-mark all remaining old workers
// alive=true". Since those workers have already been killed by the time
// rollback runs for a late failure, rollback is a best-effort signal for
// the strategy-layer bookkeeping; the orchestrator is responsible for not
// having advanced past batches that succeeded.
func rollback(batch []WorkerRef, hooks Hooks) {
	for _, ref := range batch {
		hooks.MarkAlive(ref, true)
	}
}

func chunk(refs []WorkerRef, size int) [][]WorkerRef {
	if size <= 0 {
		size = 1
	}
	var out [][]WorkerRef
	for i := 0; i < len(refs); i += size {
		end := i + size
		if end > len(refs) {
			end = len(refs)
		}
		out = append(out, refs[i:end])
	}
	return out
}
