// Package orchestrator implements the master orchestrator (C11, spec
// §4.11): the set of apps keyed by name, the per-app single-ordering-
// domain actor (spec §5), and the public start/stop/restart/reload/delete/
// list/status/shutdown operations. Grounded on the teacher's stabilizer
// struct (owns the worker pool, ensureWorkers, acquire/release) in main.go,
// generalized from one anonymous pool to many named apps each with their
// own worker set, backoff state, proxy and strategy.
package orchestrator

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nehonix/go-procsupervisor/internal/backoff"
	"github.com/nehonix/go-procsupervisor/internal/cluster"
	"github.com/nehonix/go-procsupervisor/internal/config"
	"github.com/nehonix/go-procsupervisor/internal/fsm"
	"github.com/nehonix/go-procsupervisor/internal/health"
	"github.com/nehonix/go-procsupervisor/internal/ipcmsg"
	"github.com/nehonix/go-procsupervisor/internal/logtail"
	"github.com/nehonix/go-procsupervisor/internal/metrics"
	"github.com/nehonix/go-procsupervisor/internal/model"
	"github.com/nehonix/go-procsupervisor/internal/procmgr"
	"github.com/nehonix/go-procsupervisor/internal/proxy"
	"github.com/nehonix/go-procsupervisor/internal/supervisorerr"
)

// app is the per-application actor: every mutation to its worker set runs
// inside run(), fed by the mailbox channel, satisfying the single
// ordering-domain requirement of spec §5.
type app struct {
	name string
	cfg  config.AppConfig
	log  zerolog.Logger

	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc

	workers      map[int64]*model.WorkerInfo
	slotOf       map[int]int64 // slotIndex -> current worker id
	handles      map[int64]*procmgr.Handle
	backoffState map[int64]*backoff.State
	ports        map[int64]int // worker id -> the port it was told to listen on, for the HTTP probe
	restarting   map[int64]bool // worker ids with a health-driven kill already in flight
	nextID       int64
	startedAt    time.Time

	strategyKind cluster.Kind
	strategy     cluster.Strategy
	proxy        *proxy.Proxy

	heartbeats *health.HeartbeatTracker
	httpProbe  *health.HTTPProbe
	agg        *metrics.Aggregator
	tails      *logtail.Registry

	reloading bool

	stopped bool
}

func newApp(cfg config.AppConfig, log zerolog.Logger, agg *metrics.Aggregator, tails *logtail.Registry) *app {
	ctx, cancel := context.WithCancel(context.Background())
	a := &app{
		name:         cfg.Name,
		cfg:          cfg,
		log:          log.With().Str("app", cfg.Name).Logger(),
		mailbox:      make(chan func(), 64),
		ctx:          ctx,
		cancel:       cancel,
		workers:      make(map[int64]*model.WorkerInfo),
		slotOf:       make(map[int]int64),
		handles:      make(map[int64]*procmgr.Handle),
		backoffState: make(map[int64]*backoff.State),
		ports:        make(map[int64]int),
		restarting:   make(map[int64]bool),
		heartbeats:   health.NewHeartbeatTracker(0, 0),
		agg:          agg,
		tails:        tails,
	}
	if cfg.HealthCheck != nil && cfg.HealthCheck.Enabled {
		a.httpProbe = health.NewHTTPProbe(cfg.HealthCheck.Path, cfg.HealthCheck.Timeout, cfg.HealthCheck.UnhealthyThreshold)
	}
	go a.run()
	go a.healthCheckLoop()
	return a
}

// healthCheckLoop periodically drives both C6 mechanisms (spec §4.6): the
// heartbeat-timeout check and, when configured, the HTTP probe. A fixed 1s
// tick gives enough granularity against the spec's heartbeat default
// (10s x 3 misses) without a ticker per worker.
func (a *app) healthCheckLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.checkHealthOnce()
		case <-a.ctx.Done():
			return
		}
	}
}

type healthProbeTarget struct {
	id   int64
	port int
}

// checkHealthOnce runs one round of health checks. Heartbeat misses are
// decided entirely from actor-owned state so the verdict is read inside
// post(); the HTTP probe's network round-trip runs outside the actor so a
// slow/dead worker can't stall every other mutation of this app, with the
// restart decision posted back in (spec §5's suspension-point guidance).
func (a *app) checkHealthOnce() {
	now := time.Now()
	var probeTargets []healthProbeTarget
	a.post(func() {
		for id, wi := range a.workers {
			if wi.State != fsm.Online {
				continue
			}
			if a.heartbeats.Unhealthy(id, now) {
				a.restartUnhealthyWorkerLocked(wi, "missed heartbeat window")
				continue
			}
			if a.httpProbe != nil {
				if port, ok := a.ports[id]; ok {
					probeTargets = append(probeTargets, healthProbeTarget{id: id, port: port})
				}
			}
		}
	})

	for _, t := range probeTargets {
		if !a.httpProbe.Check(a.ctx, t.id, t.port) {
			continue
		}
		a.post(func() {
			if wi, ok := a.workers[t.id]; ok && wi.State == fsm.Online {
				a.restartUnhealthyWorkerLocked(wi, "http probe unhealthy")
			}
		})
	}
}

// restartUnhealthyWorkerLocked asks C5 to kill the worker; the ordinary
// unexpected-exit path (onExit -> crashed -> consumeRestartBudget) then
// takes over, so health-driven restarts share the same backoff/budget
// accounting as any other crash. Must be called from within the actor.
func (a *app) restartUnhealthyWorkerLocked(wi *model.WorkerInfo, reason string) {
	if a.restarting[wi.ID] {
		return // kill already in flight from an earlier tick
	}
	h := a.handles[wi.ID]
	if h == nil {
		return
	}
	a.restarting[wi.ID] = true
	a.log.Warn().Int64("worker", wi.ID).Str("reason", reason).Msg("health check failed, restarting worker")
	go h.Kill(signalFor(a.cfg.Shutdown.ShutdownSignal), a.cfg.Shutdown.KillTimeout)
}

func (a *app) run() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.ctx.Done():
			// Drain any remaining posted work so synchronous callers
			// (post()) never block forever on a dead actor.
			for {
				select {
				case fn := <-a.mailbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post runs fn inside the app's actor and blocks for its completion,
// implementing the "request-reply into the actor" shape spec §5 allows
// for read-only snapshots, and used here for every mutation too so callers
// never race the actor.
func (a *app) post(fn func()) {
	done := make(chan struct{})
	a.mailbox <- func() {
		fn()
		close(done)
	}
	<-done
}

func resolveInstances(instances string) int {
	if instances == config.InstancesMax {
		return cpuCount()
	}
	var n int
	_, err := fmt.Sscanf(instances, "%d", &n)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// spawnSlot spawns a fresh worker for slotIndex, assigning it a new
// monotonically increasing id (invariant I4) and wiring the IPC router
// callbacks back into the app's event handlers. Must be called from
// within the actor.
func (a *app) spawnSlot(slotIndex int) (*model.WorkerInfo, error) {
	id := a.nextID
	a.nextID++

	prevID, hadPrev := a.slotOf[slotIndex]

	wi := &model.WorkerInfo{ID: id, SlotIndex: slotIndex}
	wi.State = fsm.Spawning
	a.workers[id] = wi
	a.slotOf[slotIndex] = id
	a.backoffState[id] = &backoff.State{}

	// Invariant I4: at most one worker occupies a slot at a time. The
	// previous occupant (if any) is only dropped here once its own exit
	// has already been processed (pruneSupersededLocked checks for a
	// terminal state); if it hasn't exited yet, onExit prunes it itself
	// once it finishes, so a still-shutting-down occupant's procmgr
	// bookkeeping is never skipped.
	if hadPrev && prevID != id {
		if prevWi, ok := a.workers[prevID]; ok {
			a.pruneSupersededLocked(prevWi)
		}
	}

	we := cluster.GetWorkerEnv(a.strategyKind, a.cfg.Clustering != nil && a.cfg.Clustering.Enabled, id, a.cfg.Port)
	env := procmgr.ComputedWorkerEnv(a.name, id, resolveInstances(a.cfg.Instances), we.Port, we.ReusePort)
	a.ports[id] = we.Port

	router := &ipcmsg.Router{
		OnReady: func(workerID int64) { a.postEvent(func() { a.onReady(workerID) }) },
		OnHeartbeat: func(workerID int64, p ipcmsg.HeartbeatPayload) {
			a.postEvent(func() { a.onHeartbeat(workerID, p) })
		},
		OnMetrics: func(workerID int64, p ipcmsg.MetricsPayload) {
			a.postEvent(func() { a.onMetrics(workerID, p) })
		},
		OnInvalid: func(workerID int64, reason string) {
			a.log.Debug().Int64("worker", workerID).Str("reason", reason).Msg("dropped malformed ipc message")
		},
	}

	h, err := procmgr.Spawn(a.ctx, a.cfg, a.name, id, env,
		func(env ipcmsg.Envelope) { router.Dispatch(id, env) },
		func(exitCode int, signal string) { a.postEvent(func() { a.onExit(id, exitCode, signal) }) },
		func(stream, line string) {
			a.log.Info().Str("stream", stream).Int64("worker", id).Msg(line)
			if a.tails != nil {
				a.tails.Append(a.name, stream, id, line, time.Now())
			}
		},
	)
	if err != nil {
		if err2 := fsm.Transition(&wi.WorkerLifecycle, fsm.Errored); err2 != nil {
			a.log.Error().Err(err2).Msg("invariant violated")
		}
		return wi, supervisorerr.IoError(err, "spawn worker for %s slot %d", a.name, slotIndex)
	}
	wi.PID = h.PID
	wi.StartedAt = time.Now()
	a.handles[id] = h
	if err := fsm.Transition(&wi.WorkerLifecycle, fsm.Starting); err != nil {
		a.log.Error().Err(err).Msg("invariant violated")
	}

	a.scheduleReadyTimeout(id)
	if a.strategy != nil {
		a.strategy.AddWorker(id, we.Port)
	}
	return wi, nil
}

// postEvent enqueues fn onto the actor's mailbox without blocking the
// caller for completion (used by IPC/process-exit callbacks running on
// their own goroutines, per spec §5's "funneled through that actor").
func (a *app) postEvent(fn func()) {
	select {
	case a.mailbox <- fn:
	case <-a.ctx.Done():
	}
}

func (a *app) scheduleReadyTimeout(workerID int64) {
	timeout := a.cfg.ReadyTimeout
	t := time.AfterFunc(timeout, func() {
		a.postEvent(func() { a.onReadyTimeout(workerID) })
	})
	go func() {
		<-a.ctx.Done()
		t.Stop()
	}()
}

func (a *app) onReadyTimeout(workerID int64) {
	wi, ok := a.workers[workerID]
	if !ok || wi.State != fsm.Starting {
		return // already progressed past starting; timeout is moot
	}
	a.log.Warn().Int64("worker", workerID).Msg("worker did not become ready before readyTimeout")
	if h, ok := a.handles[workerID]; ok {
		go h.Kill(signalFor(a.cfg.Shutdown.ShutdownSignal), a.cfg.Shutdown.KillTimeout)
	}
	if err := fsm.Transition(&wi.WorkerLifecycle, fsm.Errored); err != nil {
		a.log.Error().Err(err).Msg("invariant violated")
	}
	// Open question resolved in DESIGN.md: a readyTimeout counts toward
	// the restart budget, same as any other unexpected exit.
	a.consumeRestartBudget(wi)
}

func (a *app) onReady(workerID int64) {
	wi, ok := a.workers[workerID]
	if !ok || wi.State != fsm.Starting {
		return
	}
	if err := fsm.Transition(&wi.WorkerLifecycle, fsm.Online); err != nil {
		a.log.Error().Err(err).Msg("invariant violated")
		return
	}
	if a.strategy != nil {
		a.strategy.SetAlive(workerID, true)
	}
}

func (a *app) onHeartbeat(workerID int64, p ipcmsg.HeartbeatPayload) {
	wi, ok := a.workers[workerID]
	if !ok {
		return
	}
	wi.LastHeartbeat = time.Now()
	a.heartbeats.Touch(workerID, wi.LastHeartbeat)
}

func (a *app) onMetrics(workerID int64, p ipcmsg.MetricsPayload) {
	wi, ok := a.workers[workerID]
	if !ok {
		return
	}
	rss := p.Memory.RSS
	wi.LastMemory = &rss
	wi.LastCPUPercent = a.agg.Record(workerID, p, time.Now())
}

func (a *app) onExit(workerID int64, exitCode int, signal string) {
	wi, ok := a.workers[workerID]
	if !ok {
		return
	}
	// A reload can already have spawned wi's replacement for this slot
	// before this exit is processed; once that's true and wi has reached
	// a terminal state below, prune it so it doesn't linger as a ghost
	// entry (invariant I4: at most one worker per slot).
	defer a.pruneSupersededLocked(wi)

	wi.ExitCode = &exitCode
	if signal != "" {
		wi.ExitSignal = &signal
	}
	delete(a.handles, workerID)
	delete(a.ports, workerID)
	delete(a.restarting, workerID)
	a.heartbeats.Forget(workerID)
	if a.httpProbe != nil {
		a.httpProbe.Forget(workerID)
	}
	a.agg.Forget(workerID)
	if a.strategy != nil {
		a.strategy.SetAlive(workerID, false)
	}

	wasStoppingOrDraining := wi.State == fsm.Stopping || wi.State == fsm.Draining
	if wasStoppingOrDraining {
		if err := fsm.Transition(&wi.WorkerLifecycle, fsm.Stopped); err != nil {
			a.log.Error().Err(err).Msg("invariant violated")
		}
		return
	}

	if err := fsm.Transition(&wi.WorkerLifecycle, fsm.Crashed); err != nil {
		a.log.Error().Err(err).Msg("invariant violated")
		return
	}
	a.agg.Crashes.Inc()
	a.consumeRestartBudget(wi)
}

// isTerminalState reports whether s represents a worker that has finished
// exiting and will never run again under its current id (spec §3).
func isTerminalState(s fsm.State) bool {
	return s == fsm.Stopped || s == fsm.Crashed || s == fsm.Errored
}

// pruneSupersededLocked drops wi from a.workers/a.backoffState once its
// slot has been reoccupied by a different worker id and wi itself has
// reached a terminal state (invariant I4: at most one worker per slot).
// A non-terminal wi is left in place: its procmgr/heartbeat bookkeeping
// hasn't been torn down by onExit yet, and deleting it here would cause
// that eventual onExit call to no-op on an unknown worker id instead of
// cleaning up after it. Must be called from within the actor.
func (a *app) pruneSupersededLocked(wi *model.WorkerInfo) {
	cur, ok := a.slotOf[wi.SlotIndex]
	if !ok || cur == wi.ID {
		return
	}
	if !isTerminalState(wi.State) {
		return
	}
	delete(a.workers, wi.ID)
	delete(a.backoffState, wi.ID)
}

// consumeRestartBudget runs C4's onExit policy (spec §4.4) against wi and
// either schedules a respawn after the computed backoff delay or marks wi
// errored once the restart budget is exhausted.
func (a *app) consumeRestartBudget(wi *model.WorkerInfo) {
	bs := a.backoffState[wi.ID]
	if bs == nil {
		bs = &backoff.State{}
		a.backoffState[wi.ID] = bs
	}
	now := time.Now()
	uptime := wi.Uptime(now)
	resetCrashes, decision := backoff.OnExit(a.cfg.Restart, a.cfg.Backoff, bs, uptime, now)
	if resetCrashes {
		wi.ConsecutiveCrashes = 0
	} else {
		wi.ConsecutiveCrashes++
	}

	if decision.Errored {
		if wi.State != fsm.Errored {
			if err := fsm.Transition(&wi.WorkerLifecycle, fsm.Errored); err != nil {
				a.log.Error().Err(err).Msg("invariant violated")
			}
		}
		a.log.Error().Int64("worker", wi.ID).Int("slot", wi.SlotIndex).Msg("restart budget exhausted")
		return
	}

	a.agg.BackoffSeconds.Observe(decision.Delay.Seconds())
	slot := wi.SlotIndex
	time.AfterFunc(decision.Delay, func() {
		a.postEvent(func() { a.respawnSlotIfNotStopped(slot, wi.ID) })
	})
}

// respawnSlotIfNotStopped performs the cancellable-backoff tie-break: a
// stop request received during the delay must not produce a spurious
// restart (spec §4.4).
func (a *app) respawnSlotIfNotStopped(slot int, priorID int64) {
	if a.stopped {
		return
	}
	if cur, ok := a.slotOf[slot]; !ok || cur != priorID {
		return // slot already reoccupied or removed
	}
	prior := a.workers[priorID]
	if prior != nil {
		if err := fsm.Transition(&prior.WorkerLifecycle, fsm.Spawning); err != nil {
			// Already moved on (e.g. operator stop raced in); nothing to do.
			return
		}
	}
	wi, err := a.spawnSlot(slot)
	if err != nil {
		a.log.Error().Err(err).Int("slot", slot).Msg("respawn failed")
		return
	}
	wi.RestartCount = prior.RestartCount + 1
	if prior != nil {
		wi.ConsecutiveCrashes = prior.ConsecutiveCrashes
	}
	// prior's procmgr/heartbeat bookkeeping was already torn down by
	// onExit when it crashed; the transition above only kept it around as
	// a one-shot guard against a duplicate respawn of the same crash.
	// Now that wi has taken over the slot under a fresh id, drop the
	// ghost entry instead of leaving it parked at "spawning" forever. The
	// slot's backoff state (attempt count, restart-window timestamps) moves
	// to the replacement so the budget and delay keep growing across
	// respawns instead of restarting from zero with every fresh id.
	if bs := a.backoffState[priorID]; bs != nil {
		a.backoffState[wi.ID] = bs
	}
	delete(a.workers, priorID)
	delete(a.backoffState, priorID)
}

func signalFor(s config.Signal) syscall.Signal {
	if s == config.SignalINT {
		return syscall.SIGINT
	}
	return syscall.SIGTERM
}

var cpuCountOverride int

func cpuCount() int {
	if cpuCountOverride > 0 {
		return cpuCountOverride
	}
	return hostCPUCount()
}
