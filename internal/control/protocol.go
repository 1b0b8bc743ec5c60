// Package control implements the Unix-domain-socket request/response/stream
// dispatcher (C12) bridging the external CLI to the orchestrator (C11).
// Grounded on the wire codec (C1) plus the teacher's listener-per-connection
// shape in main(); the Unix-socket accept-loop idiom is read (not copied)
// from zjrosen-perles' control-plane supervisor.
package control

import (
	"context"
	"encoding/json"
)

// Request is exactly one client->server control-protocol frame (spec §6).
// Ctx is not part of the wire shape: the server stamps it with a
// per-connection context that a streaming handler must select on so it
// stops producing (and releases whatever it subscribed to) once the
// connection goes away, instead of leaking a goroutine per disconnected
// client forever.
type Request struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
	Ctx  context.Context `json:"-"`
}

// Response is exactly one non-streaming server->client frame.
type Response struct {
	ID    string      `json:"id"`
	Ok    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// StreamChunk is one server->client frame in the streaming shape (spec
// §4.12); Done is omitted until the final chunk.
type StreamChunk struct {
	ID     string      `json:"id"`
	Stream bool        `json:"stream"`
	Data   interface{} `json:"data,omitempty"`
	Done   bool        `json:"done,omitempty"`
}

func errorResponse(id, msg string) Response {
	return Response{ID: id, Ok: false, Error: msg}
}

func okResponse(id string, data interface{}) Response {
	return Response{ID: id, Ok: true, Data: data}
}
