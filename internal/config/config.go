// Package config defines the validated AppConfig shape the core consumes.
// Schema validation and config-file discovery are external collaborators
// (spec §1); this package only carries the shape and applies defaults.
package config

import "time"

// Signal is the subset of POSIX signals the shutdown policy may specify.
type Signal string

const (
	SignalTERM Signal = "SIGTERM"
	SignalINT  Signal = "SIGINT"
)

// ClusterStrategyName selects the load-distribution mechanism (spec §4.9).
type ClusterStrategyName string

const (
	StrategyAuto      ClusterStrategyName = "auto"
	StrategyReusePort ClusterStrategyName = "reusePort"
	StrategyProxy     ClusterStrategyName = "proxy"
)

// RestartPolicy governs crash-recovery backoff and the restart budget (C4).
type RestartPolicy struct {
	MaxRestarts     int           `json:"maxRestarts"`
	MaxRestartWindow time.Duration `json:"maxRestartWindow"`
	MinUptime       time.Duration `json:"minUptime"`
}

// ShutdownPolicy governs how a worker is asked to stop and how long the
// process manager waits before escalating to SIGKILL (C5).
type ShutdownPolicy struct {
	ShutdownSignal Signal        `json:"shutdownSignal"`
	KillTimeout    time.Duration `json:"killTimeout"`
}

// Backoff describes the exponential delay schedule applied before each
// restart attempt (C4).
type Backoff struct {
	Initial    time.Duration `json:"initial"`
	Multiplier float64       `json:"multiplier"`
	Max        time.Duration `json:"max"`
}

// HealthCheck describes the optional HTTP liveness probe (C6b).
type HealthCheck struct {
	Enabled             bool          `json:"enabled"`
	Path                string        `json:"path"`
	Timeout             time.Duration `json:"timeout"`
	UnhealthyThreshold  int           `json:"unhealthyThreshold"`
}

// RollingRestart describes batch size/delay for a zero-downtime reload (C10).
type RollingRestart struct {
	BatchSize  int           `json:"batchSize"`
	BatchDelay time.Duration `json:"batchDelay"`
}

// Clustering describes whether and how traffic is distributed across
// instances of an app (C9).
type Clustering struct {
	Enabled        bool                `json:"enabled"`
	Strategy       ClusterStrategyName `json:"strategy"`
	RollingRestart RollingRestart      `json:"rollingRestart"`
}

// InstancesMax is the sentinel token meaning "resolve to CPU count".
const InstancesMax = "max"

// AppConfig is immutable once validated by the external collaborator.
type AppConfig struct {
	Name        string            `json:"name"`
	Script      string            `json:"script"`
	Interpreter string            `json:"interpreter,omitempty"`
	// Instances is either a positive integer encoded as a string, or the
	// literal token "max". Resolution happens in ResolveInstances.
	Instances    string            `json:"instances"`
	Port         int               `json:"port,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Restart      RestartPolicy     `json:"restart"`
	Shutdown     ShutdownPolicy    `json:"shutdown"`
	ReadyTimeout time.Duration     `json:"readyTimeout"`
	Backoff      Backoff           `json:"backoff"`
	HealthCheck  *HealthCheck      `json:"healthCheck,omitempty"`
	Clustering   *Clustering       `json:"clustering,omitempty"`
}

// WithDefaults returns a copy of cfg with zero-valued policy fields filled
// in with sane defaults, mirroring the single-spot default-application the
// teacher applies to its flags in main().
func (cfg AppConfig) WithDefaults() AppConfig {
	if cfg.Restart.MaxRestartWindow == 0 {
		cfg.Restart.MaxRestartWindow = 60 * time.Second
	}
	if cfg.Shutdown.ShutdownSignal == "" {
		cfg.Shutdown.ShutdownSignal = SignalTERM
	}
	if cfg.Shutdown.KillTimeout == 0 {
		cfg.Shutdown.KillTimeout = 5 * time.Second
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	if cfg.Clustering != nil && cfg.Clustering.RollingRestart.BatchSize == 0 {
		cfg.Clustering.RollingRestart.BatchSize = 1
	}
	return cfg
}
