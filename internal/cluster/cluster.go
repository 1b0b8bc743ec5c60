// Package cluster implements the cluster-strategy selection (C9, spec
// §4.9): reusePort vs proxy, and the per-strategy worker env vending.
// Grounded on XyPriss's strategy split and runtime.GOOS checks (read, not
// copied, given its restrictive license — see DESIGN.md).
package cluster

import (
	"runtime"

	"github.com/nehonix/go-procsupervisor/internal/config"
)

// InternalPortBase is the compile-time constant the proxy strategy and the
// TCP proxy (C8) agree on for deriving per-worker internal ports (spec
// §6): INTERNAL_PORT_BASE + workerId.
const InternalPortBase = 40001

// Kind names which concrete strategy is in effect.
type Kind string

const (
	KindReusePort Kind = "reusePort"
	KindProxy     Kind = "proxy"
)

// Detect resolves the "auto" token to a concrete strategy based on goos:
// reusePort on Linux, proxy elsewhere (spec §4.9).
func Detect(strategy config.ClusterStrategyName, goos string) Kind {
	switch strategy {
	case config.StrategyReusePort:
		return KindReusePort
	case config.StrategyProxy:
		return KindProxy
	default: // auto or unset
		if goos == "linux" {
			return KindReusePort
		}
		return KindProxy
	}
}

// DetectHost is Detect using the running binary's GOOS.
func DetectHost(strategy config.ClusterStrategyName) Kind {
	return Detect(strategy, runtime.GOOS)
}

// WorkerEnv is the strategy-specific PORT/REUSE_PORT pair (spec §4.9).
type WorkerEnv struct {
	Port      int
	ReusePort bool
}

// GetWorkerEnv computes the strategy-specific env for a worker. The
// internal-port override only applies when clustering is explicitly
// enabled and the strategy is "proxy" (spec §4.9 Policy); callers pass
// clusteringEnabled so a multi-instance app without explicit clustering
// keeps using the configured public port.
func GetWorkerEnv(kind Kind, clusteringEnabled bool, workerID int64, publicPort int) WorkerEnv {
	if kind == KindReusePort {
		return WorkerEnv{Port: publicPort, ReusePort: true}
	}
	if clusteringEnabled {
		return WorkerEnv{Port: InternalPortBase + int(workerID), ReusePort: false}
	}
	return WorkerEnv{Port: publicPort, ReusePort: false}
}

// Strategy is the behavioral interface the reload coordinator and
// orchestrator drive for alive-set bookkeeping (spec §4.9, §4.10).
// reusePort's methods are no-ops; proxy's are backed by the TCP proxy.
type Strategy interface {
	AddWorker(workerID int64, internalPort int)
	RemoveWorker(workerID int64)
	SetAlive(workerID int64, alive bool)
	Stop()
}

// NoopStrategy implements Strategy for reusePort, where the kernel itself
// distributes connections across listeners bound with SO_REUSEPORT and the
// master has no alive-set bookkeeping to do (spec §4.9).
type NoopStrategy struct{}

func (NoopStrategy) AddWorker(int64, int)      {}
func (NoopStrategy) RemoveWorker(int64)        {}
func (NoopStrategy) SetAlive(int64, bool)      {}
func (NoopStrategy) Stop()                     {}
