// Package ipcmsg defines the tagged-union message shapes exchanged over the
// master<->worker IPC channel (spec §4.2, §6). Grounded on the explicit
// state/event constants in other_examples' mostlygeek-llama-swap proxy
// process.go and the ready/heartbeat/metrics/custom envelope split read
// (not copied) from XyPriss's internal/ipc/types.go.
package ipcmsg

import "encoding/json"

// Type is the worker-originated message discriminant (spec §4.2).
type Type string

const (
	TypeReady     Type = "ready"
	TypeHeartbeat Type = "heartbeat"
	TypeMetrics   Type = "metrics"
	TypeCustom    Type = "custom"
)

// Envelope is the raw shape every worker-originated IPC message must at
// least have: a "type" discriminant plus an arbitrary payload.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HeartbeatPayload carries the worker's self-reported monotonic uptime.
type HeartbeatPayload struct {
	UptimeSeconds float64 `json:"uptime"`
}

// MemorySample mirrors a Node-style process.memoryUsage() snapshot.
type MemorySample struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapUsed  uint64 `json:"heapUsed"`
	External  uint64 `json:"external"`
}

// CPUSample carries ABSOLUTE, monotonically non-decreasing microsecond
// counters (spec §4.2) — never a delta. The aggregator (C7) is responsible
// for turning consecutive absolute samples into a percentage.
type CPUSample struct {
	UserMicros   uint64 `json:"user"`
	SystemMicros uint64 `json:"system"`
}

// MetricsPayload is the full `metrics` IPC payload.
type MetricsPayload struct {
	Memory MemorySample `json:"memory"`
	CPU    CPUSample    `json:"cpu"`
}

// CustomPayload carries user-SDK channel traffic, opaque to the core.
type CustomPayload struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// MasterType is the master-originated (master -> worker) message
// discriminant (spec §6).
type MasterType string

const (
	MasterShutdown      MasterType = "shutdown"
	MasterPing          MasterType = "ping"
	MasterCollectMetrics MasterType = "collect-metrics"
	MasterConfigUpdate  MasterType = "config-update"
)

// MasterEnvelope is a master -> worker directive.
type MasterEnvelope struct {
	Type    MasterType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ShutdownPayload carries the grace period before a forced kill, in the
// worker's own accounting (the master still enforces killTimeout itself).
type ShutdownPayload struct {
	TimeoutMs int `json:"timeout"`
}

// ConfigUpdatePayload carries the current AppConfig as an opaque JSON blob;
// the worker SDK contract for what it does with it is out of scope (spec
// §1, "user-facing worker SDK").
type ConfigUpdatePayload struct {
	Config json.RawMessage `json:"config"`
}
