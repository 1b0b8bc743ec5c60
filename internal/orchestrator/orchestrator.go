package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nehonix/go-procsupervisor/internal/cluster"
	"github.com/nehonix/go-procsupervisor/internal/config"
	"github.com/nehonix/go-procsupervisor/internal/fsm"
	"github.com/nehonix/go-procsupervisor/internal/logtail"
	"github.com/nehonix/go-procsupervisor/internal/metrics"
	"github.com/nehonix/go-procsupervisor/internal/model"
	"github.com/nehonix/go-procsupervisor/internal/procmgr"
	"github.com/nehonix/go-procsupervisor/internal/proxy"
	"github.com/nehonix/go-procsupervisor/internal/reload"
	"github.com/nehonix/go-procsupervisor/internal/supervisorerr"
)

// Orchestrator owns the set of apps keyed by name (unique) and exposes the
// public operations of C11 (spec §4.11). Grounded on the teacher's
// single-pool stabilizer struct in main.go, generalized to many named
// apps, each served by its own actor (app).
type Orchestrator struct {
	log   zerolog.Logger
	reg   prometheus.Registerer
	tails *logtail.Registry

	mu          sync.RWMutex
	apps        map[string]*app
	shuttingDown bool
}

// New builds an Orchestrator. reg may be nil to keep metrics unregistered
// (e.g. in tests). tails may be nil to disable log retention.
func New(log zerolog.Logger, reg prometheus.Registerer, tails *logtail.Registry) *Orchestrator {
	return &Orchestrator{log: log, reg: reg, tails: tails, apps: make(map[string]*app)}
}

// Tails exposes the log registry so the control layer's "logs" command can
// subscribe without the orchestrator needing to know about the control
// protocol.
func (o *Orchestrator) Tails() *logtail.Registry { return o.tails }

// StartApp rejects a duplicate name, resolves instances, picks a cluster
// strategy, and spawns N workers, returning once every worker has reached
// at least `starting` (spec §4.11). The workers are spawned one slot after
// another from inside the app's actor; spawns are not run in parallel.
func (o *Orchestrator) StartApp(cfg config.AppConfig) (model.AppStatus, error) {
	cfg = cfg.WithDefaults()

	o.mu.Lock()
	if _, exists := o.apps[cfg.Name]; exists {
		o.mu.Unlock()
		return model.AppStatus{}, supervisorerr.AlreadyExists("app %q already running", cfg.Name)
	}
	agg := metrics.NewAggregator(cfg.Name, o.reg)
	a := newApp(cfg, o.log, agg, o.tails)
	o.apps[cfg.Name] = a
	o.mu.Unlock()

	instances := resolveInstances(cfg.Instances)

	var strategyName config.ClusterStrategyName = config.StrategyAuto
	clusteringEnabled := false
	if cfg.Clustering != nil {
		strategyName = cfg.Clustering.Strategy
		clusteringEnabled = cfg.Clustering.Enabled
	}
	kind := cluster.DetectHost(strategyName)

	var spawnErr error
	a.post(func() {
		a.strategyKind = kind
		if clusteringEnabled && kind == cluster.KindProxy {
			p := proxy.New(a.log)
			a.proxy = p
			a.strategy = p
			if cfg.Port != 0 {
				if err := p.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
					spawnErr = supervisorerr.IoError(err, "bind proxy for %s", cfg.Name)
					return
				}
			}
		} else {
			a.strategy = cluster.NoopStrategy{}
		}

		a.startedAt = time.Now()
		// spawnSlot mutates actor-owned state and this closure already runs
		// inside the actor, so each slot is spawned here directly (a nested
		// post() would wait on the actor that is running this closure).
		for slot := 0; slot < instances; slot++ {
			if _, err := a.spawnSlot(slot); err != nil {
				spawnErr = err
			}
		}
	})

	if spawnErr != nil {
		return model.AppStatus{}, spawnErr
	}
	return o.snapshot(a), nil
}

// StopApp transitions every worker to stopping/stopped and cancels any
// scheduled backoff, per spec §4.11.
func (o *Orchestrator) StopApp(name string) error {
	a, err := o.lookup(name)
	if err != nil {
		return err
	}
	return o.stopAppActor(a)
}

func (o *Orchestrator) stopAppActor(a *app) error {
	a.post(func() {
		a.stopped = true
		var wg sync.WaitGroup
		for _, wi := range a.workers {
			wi := wi
			if wi.State != fsm.Online && wi.State != fsm.Starting && wi.State != fsm.Spawning {
				continue
			}
			if err := fsm.Transition(&wi.WorkerLifecycle, fsm.Stopping); err != nil {
				continue
			}
			if a.strategy != nil {
				a.strategy.SetAlive(wi.ID, false)
			}
			h := a.handles[wi.ID]
			if h == nil {
				if err2 := fsm.Transition(&wi.WorkerLifecycle, fsm.Stopped); err2 != nil {
					a.log.Error().Err(err2).Msg("invariant violated")
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Kill(signalFor(a.cfg.Shutdown.ShutdownSignal), a.cfg.Shutdown.KillTimeout)
			}()
		}
		wg.Wait()
		if a.proxy != nil {
			a.proxy.Stop()
		}
	})
	return nil
}

// RestartApp is StopApp followed by StartApp with the retained config
// (spec §4.11).
func (o *Orchestrator) RestartApp(name string) error {
	a, err := o.lookup(name)
	if err != nil {
		return err
	}
	cfg := a.cfg
	if err := o.stopAppActor(a); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.apps, name)
	o.mu.Unlock()
	cfg.Name = name
	_, err = o.StartApp(cfg)
	return err
}

// ReloadApp performs a zero-downtime rolling restart, falling back to
// RestartApp when instances==1 (true zero-downtime isn't possible, spec
// §4.11). A reload requested while another reload of the same app is in
// progress is rejected with ReloadFailed.
func (o *Orchestrator) ReloadApp(ctx context.Context) func(name string) error {
	return func(name string) error {
		a, err := o.lookup(name)
		if err != nil {
			return err
		}

		instances := resolveInstances(a.cfg.Instances)
		if instances <= 1 {
			return o.RestartApp(name)
		}

		var alreadyReloading bool
		a.post(func() {
			if a.reloading {
				alreadyReloading = true
				return
			}
			a.reloading = true
		})
		if alreadyReloading {
			return supervisorerr.ReloadFailed("reload already in progress for %s", name)
		}
		defer a.post(func() { a.reloading = false })

		var refs []reload.WorkerRef
		a.post(func() {
			for slot := 0; slot < instances; slot++ {
				if id, ok := a.slotOf[slot]; ok {
					refs = append(refs, reload.WorkerRef{ID: id, Slot: slot})
				}
			}
		})

		batchSize := 1
		var batchDelay time.Duration
		if a.cfg.Clustering != nil {
			if a.cfg.Clustering.RollingRestart.BatchSize > 0 {
				batchSize = a.cfg.Clustering.RollingRestart.BatchSize
			}
			batchDelay = a.cfg.Clustering.RollingRestart.BatchDelay
		}

		hooks := reload.Hooks{
			MarkAlive: func(ref reload.WorkerRef, alive bool) {
				a.post(func() {
					if a.strategy != nil {
						a.strategy.SetAlive(ref.ID, alive)
					}
				})
			},
			Drain: func(ref reload.WorkerRef) error {
				var err error
				a.post(func() {
					wi, ok := a.workers[ref.ID]
					if !ok {
						err = supervisorerr.NotFound("worker %d", ref.ID)
						return
					}
					err = fsm.Transition(&wi.WorkerLifecycle, fsm.Draining)
				})
				return err
			},
			KillAndWait: func(ctx context.Context, ref reload.WorkerRef) error {
				var h *procmgr.Handle
				a.post(func() {
					wi := a.workers[ref.ID]
					if wi != nil {
						fsm.Transition(&wi.WorkerLifecycle, fsm.Stopping)
					}
					h = a.handles[ref.ID]
				})
				if h == nil {
					return nil
				}
				h.Kill(signalFor(a.cfg.Shutdown.ShutdownSignal), a.cfg.Shutdown.KillTimeout)
				return nil
			},
			SpawnReplacement: func(slot int) (reload.WorkerRef, error) {
				var wi *model.WorkerInfo
				var err error
				a.post(func() {
					wi, err = a.spawnSlot(slot)
				})
				if err != nil {
					return reload.WorkerRef{}, err
				}
				return reload.WorkerRef{ID: wi.ID, Slot: slot}, nil
			},
			WaitOnline: func(ctx context.Context, ref reload.WorkerRef, timeout time.Duration) error {
				deadline := time.Now().Add(timeout)
				for time.Now().Before(deadline) {
					var state fsm.State
					a.post(func() {
						if wi, ok := a.workers[ref.ID]; ok {
							state = wi.State
						}
					})
					if state == fsm.Online {
						return nil
					}
					if state == fsm.Errored || state == fsm.Crashed {
						return supervisorerr.ReadyTimeout("worker %d failed to come online", ref.ID)
					}
					select {
					case <-time.After(20 * time.Millisecond):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				return supervisorerr.ReadyTimeout("worker %d exceeded readyTimeout", ref.ID)
			},
		}

		res := reload.Run(ctx, reload.Plan{
			Workers:      refs,
			BatchSize:    batchSize,
			BatchDelay:   batchDelay,
			ReadyTimeout: a.cfg.ReadyTimeout,
		}, hooks)

		if n := len(res.ReplacedWorkers); n > 0 {
			a.agg.ReloadBatches.Add(float64((n + batchSize - 1) / batchSize))
		}
		if res.Err != nil {
			return supervisorerr.ReloadFailed("app %s: %v", name, res.Err)
		}
		return nil
	}
}

// DeleteApp stops the app and removes it from the table, releasing ports
// (spec §4.11).
func (o *Orchestrator) DeleteApp(name string) error {
	a, err := o.lookup(name)
	if err != nil {
		return err
	}
	if err := o.stopAppActor(a); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.apps, name)
	o.mu.Unlock()
	a.cancel()
	return nil
}

// ReloadAll sequentially reloads every app, collecting per-app errors
// rather than propagating a single failure (spec §4.11).
func (o *Orchestrator) ReloadAll(ctx context.Context) map[string]error {
	o.mu.RLock()
	names := make([]string, 0, len(o.apps))
	for n := range o.apps {
		names = append(names, n)
	}
	o.mu.RUnlock()

	reloadFn := o.ReloadApp(ctx)
	results := make(map[string]error, len(names))
	for _, n := range names {
		results[n] = reloadFn(n)
	}
	return results
}

// ListApps returns a read-only snapshot of every app.
func (o *Orchestrator) ListApps() []model.AppStatus {
	o.mu.RLock()
	apps := make([]*app, 0, len(o.apps))
	for _, a := range o.apps {
		apps = append(apps, a)
	}
	o.mu.RUnlock()

	out := make([]model.AppStatus, 0, len(apps))
	for _, a := range apps {
		out = append(out, o.snapshot(a))
	}
	return out
}

// GetAppStatus returns a read-only snapshot of one named app.
func (o *Orchestrator) GetAppStatus(name string) (model.AppStatus, error) {
	a, err := o.lookup(name)
	if err != nil {
		return model.AppStatus{}, err
	}
	return o.snapshot(a), nil
}

func (o *Orchestrator) snapshot(a *app) model.AppStatus {
	var out model.AppStatus
	a.post(func() {
		out.Name = a.name
		out.Config = a.cfg
		out.StartedAt = a.startedAt
		workers := make([]model.WorkerInfo, 0, len(a.workers))
		for _, wi := range a.workers {
			workers = append(workers, *wi)
		}
		out.Workers = workers
		out.Status = model.DeriveStatus(workers)
	})
	return out
}

func (o *Orchestrator) lookup(name string) (*app, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.apps[name]
	if !ok {
		return nil, supervisorerr.NotFound("app %q", name)
	}
	return a, nil
}

// Shutdown stops every app in parallel using each app's own kill policy.
// Idempotent: a second call is a no-op (spec §4.11, §4.14).
func (o *Orchestrator) Shutdown(reason string) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil
	}
	o.shuttingDown = true
	apps := make([]*app, 0, len(o.apps))
	for _, a := range o.apps {
		apps = append(apps, a)
	}
	o.mu.Unlock()

	o.log.Info().Str("reason", reason).Int("apps", len(apps)).Msg("shutting down")

	var wg sync.WaitGroup
	for _, a := range apps {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.stopAppActor(a)
			a.cancel()
		}()
	}
	wg.Wait()
	return nil
}
