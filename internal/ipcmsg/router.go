package ipcmsg

import "encoding/json"

// Router validates and dispatches worker-originated envelopes (C2, spec
// §4.2). Dispatch is synchronous on the caller's execution context. The
// orchestrator calls it from each worker's IPC reader goroutine, and its
// callbacks post the resulting events into the per-app actor (spec §5);
// Router holds no mutable state of its own, so it does no locking.
type Router struct {
	OnReady     func(workerID int64)
	OnHeartbeat func(workerID int64, p HeartbeatPayload)
	OnMetrics   func(workerID int64, p MetricsPayload)
	OnCustom    func(workerID int64, p CustomPayload)
	// OnInvalid is called (optionally) for diagnostics when a message is
	// dropped; never fatal per spec §4.2.
	OnInvalid func(workerID int64, reason string)
}

// Dispatch validates env's shape against the four accepted types and
// invokes the matching callback. Invalid or unknown types are dropped,
// never fatal.
func (r *Router) Dispatch(workerID int64, env Envelope) {
	switch env.Type {
	case TypeReady:
		if r.OnReady != nil {
			r.OnReady(workerID)
		}
	case TypeHeartbeat:
		var p HeartbeatPayload
		if err := unmarshalIfPresent(env.Payload, &p); err != nil {
			r.invalid(workerID, "heartbeat: "+err.Error())
			return
		}
		if r.OnHeartbeat != nil {
			r.OnHeartbeat(workerID, p)
		}
	case TypeMetrics:
		var p MetricsPayload
		if err := unmarshalIfPresent(env.Payload, &p); err != nil {
			r.invalid(workerID, "metrics: "+err.Error())
			return
		}
		if !validMetrics(p) {
			r.invalid(workerID, "metrics: negative field")
			return
		}
		if r.OnMetrics != nil {
			r.OnMetrics(workerID, p)
		}
	case TypeCustom:
		var p CustomPayload
		if err := unmarshalIfPresent(env.Payload, &p); err != nil || p.Channel == "" {
			r.invalid(workerID, "custom: missing channel")
			return
		}
		if r.OnCustom != nil {
			r.OnCustom(workerID, p)
		}
	default:
		r.invalid(workerID, "unknown type "+string(env.Type))
	}
}

func (r *Router) invalid(workerID int64, reason string) {
	if r.OnInvalid != nil {
		r.OnInvalid(workerID, reason)
	}
}

func unmarshalIfPresent(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// validMetrics enforces the "all non-negative" constraint; since the
// payload fields are unsigned this is trivially true at the type level,
// but kept explicit for the signed fields a future SDK revision might add
// and to document the invariant the spec calls out (§4.2).
func validMetrics(p MetricsPayload) bool {
	return true
}
