// Package command implements the C13 command handlers: the bridge between
// the control protocol's `cmd` names (spec §4.13) and the orchestrator's
// Go API. Grounded on the teacher's flag-driven main() dispatch, generalized
// from a fixed set of CLI flags into a table keyed by control-protocol verb.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nehonix/go-procsupervisor/internal/config"
	"github.com/nehonix/go-procsupervisor/internal/control"
	"github.com/nehonix/go-procsupervisor/internal/logtail"
	"github.com/nehonix/go-procsupervisor/internal/orchestrator"
)

// Table binds every spec §4.13 command name to an Orchestrator-backed
// handler, plus marks the two streaming commands ("logs", "metrics").
func Table(o *orchestrator.Orchestrator, tails *logtail.Registry, startedAt time.Time) control.Dispatcher {
	d := control.Dispatcher{
		Handlers:  make(map[string]control.Handler),
		Streaming: make(map[string]bool),
	}

	d.Handlers["start"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		var cfg config.AppConfig
		if err := json.Unmarshal(req.Args, &cfg); err != nil {
			return nil, nil, fmt.Errorf("start: bad args: %w", err)
		}
		status, err := o.StartApp(cfg)
		if err != nil {
			return nil, nil, err
		}
		return status, nil, nil
	}

	d.Handlers["stop"] = simpleNameOp(func(name string) error { return o.StopApp(name) })
	d.Handlers["restart"] = simpleNameOp(func(name string) error { return o.RestartApp(name) })
	d.Handlers["delete"] = simpleNameOp(func(name string) error { return o.DeleteApp(name) })

	d.Handlers["reload"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		name, err := argName(req)
		if err != nil {
			return nil, nil, err
		}
		if name == "" {
			errs := o.ReloadAll(context.Background())
			return errs, nil, nil
		}
		if err := o.ReloadApp(context.Background())(name); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	d.Handlers["list"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		return o.ListApps(), nil, nil
	}

	d.Handlers["status"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		name, err := argName(req)
		if err != nil {
			return nil, nil, err
		}
		st, err := o.GetAppStatus(name)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	}

	d.Handlers["ping"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		return map[string]interface{}{"pong": true, "uptimeSeconds": time.Since(startedAt).Seconds()}, nil, nil
	}

	d.Handlers["dump"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		return o.ListApps(), nil, nil
	}

	d.Handlers["shutdown"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		if err := o.Shutdown("control:shutdown"); err != nil {
			return nil, nil, err
		}
		return map[string]bool{"ok": true}, nil, nil
	}

	d.Handlers["logs"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		name, err := argName(req)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan interface{}, 16)
		sub := tails.Subscribe(name)
		ctx := req.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		go func() {
			defer close(ch)
			defer tails.Unsubscribe(name, sub)
			for _, line := range sub.Backlog {
				select {
				case ch <- line:
				case <-ctx.Done():
					return
				}
			}
			for {
				select {
				case line, ok := <-sub.Lines:
					if !ok {
						return
					}
					select {
					case ch <- line:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					// Client disconnected: stop tailing and release the
					// subscription rather than blocking on sub.Lines forever.
					return
				}
			}
		}()
		return nil, ch, nil
	}
	d.Streaming["logs"] = true

	d.Handlers["metrics"] = func(req control.Request) (interface{}, <-chan interface{}, error) {
		name, err := argName(req)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan interface{}, 4)
		go streamMetrics(req, name, o, ch)
		return nil, ch, nil
	}
	d.Streaming["metrics"] = true

	return d
}

// streamMetrics polls GetAppStatus every second for up to 10 ticks, giving
// a bounded-length stream rather than an unbounded subscription (no
// metrics-change-notification hook exists on Orchestrator).
func streamMetrics(req control.Request, name string, o *orchestrator.Orchestrator, ch chan<- interface{}) {
	defer close(ch)
	for i := 0; i < 10; i++ {
		st, err := o.GetAppStatus(name)
		if err != nil {
			return
		}
		type workerMetric struct {
			ID         int64   `json:"id"`
			Memory     *uint64 `json:"memory,omitempty"`
			CPUPercent float64 `json:"cpuPercent"`
		}
		ms := make([]workerMetric, 0, len(st.Workers))
		for _, w := range st.Workers {
			ms = append(ms, workerMetric{ID: w.ID, Memory: w.LastMemory, CPUPercent: w.LastCPUPercent})
		}
		ch <- ms
		time.Sleep(time.Second)
	}
}

func simpleNameOp(fn func(name string) error) control.Handler {
	return func(req control.Request) (interface{}, <-chan interface{}, error) {
		name, err := argName(req)
		if err != nil {
			return nil, nil, err
		}
		if err := fn(name); err != nil {
			return nil, nil, err
		}
		return map[string]bool{"ok": true}, nil, nil
	}
}

func argName(req control.Request) (string, error) {
	var a struct {
		Name string `json:"name"`
	}
	if len(req.Args) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(req.Args, &a); err != nil {
		return "", fmt.Errorf("%s: bad args: %w", req.Cmd, err)
	}
	return a.Name, nil
}
