package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nehonix/go-procsupervisor/internal/wire"
)

// Handler processes one decoded Request. For the request/response shape it
// returns (data, err) and streamCh is nil. For the streaming shape it
// returns a channel of StreamChunk payloads (the server wraps each as a
// {id,stream:true,data,done} frame and closes the connection once the
// channel closes or a chunk carries Done).
type Handler func(req Request) (data interface{}, streamCh <-chan interface{}, err error)

// Dispatcher maps a cmd name to its Handler, and tags which commands use
// the streaming shape (spec §4.12/§4.13: "logs" and "metrics" stream;
// everything else is request/response).
type Dispatcher struct {
	Handlers   map[string]Handler
	Streaming  map[string]bool
}

// Server is the Unix-domain-socket request/response/stream dispatcher
// (C12, spec §4.12). Grounded on the wire codec (C1) plus the teacher's
// listener-per-connection shape in main(); accept-loop idiom read (not
// copied) from zjrosen-perles' control-plane supervisor.
type Server struct {
	log        zerolog.Logger
	socketPath string
	dispatcher Dispatcher

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer builds a Server bound to socketPath, not yet listening.
func NewServer(socketPath string, dispatcher Dispatcher, log zerolog.Logger) *Server {
	return &Server{
		log:        log,
		socketPath: socketPath,
		dispatcher: dispatcher,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen removes a stale socket file if present (best-effort), binds, and
// starts accepting connections in the background (spec §4.12, §6, scenario
// 6 "stale socket").
func (s *Server) Listen() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		_ = os.Remove(s.socketPath)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, raw := range dec.Feed(buf[:n]) {
				if !s.handleFrame(ctx, conn, raw) {
					return // streaming handler closed the connection
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handleFrame processes one client frame, returning false if the
// connection should be closed afterward (streaming handlers own their
// connection lifetime once `done` is emitted). ctx is cancelled by the
// caller once the connection is torn down, so a streaming handler blocked
// producing its next chunk notices and can release whatever it
// subscribed to instead of leaking.
func (s *Server) handleFrame(ctx context.Context, conn net.Conn, raw json.RawMessage) bool {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeResponse(conn, errorResponse("", "malformed request"))
		return true
	}
	if req.Cmd == "" {
		s.writeResponse(conn, errorResponse(req.ID, "missing cmd"))
		return true
	}
	if req.ID == "" {
		// Missing id is itself an error per spec §4.12 ("missing id or cmd
		// => reply with an error response whose id is empty"); no id is
		// generated for the frame.
		s.writeResponse(conn, errorResponse("", "missing id"))
		return true
	}
	req.Ctx = ctx

	handler, ok := s.dispatcher.Handlers[req.Cmd]
	if !ok {
		s.writeResponse(conn, errorResponse(req.ID, "unknown command "+req.Cmd))
		return true
	}

	data, streamCh, err := s.invoke(handler, req)
	if err != nil {
		s.writeResponse(conn, errorResponse(req.ID, err.Error()))
		return true
	}

	if s.dispatcher.Streaming[req.Cmd] && streamCh != nil {
		for {
			select {
			case chunk, ok := <-streamCh:
				if !ok {
					s.writeStream(conn, StreamChunk{ID: req.ID, Stream: true, Done: true})
					return false
				}
				done := false
				if dc, ok := chunk.(doneMarker); ok {
					chunk = dc.data
					done = dc.done
				}
				if werr := s.writeStream(conn, StreamChunk{ID: req.ID, Stream: true, Data: chunk, Done: done}); werr != nil {
					return false // client gone; ctx cancellation (by serveConn's defer) tells the handler to stop
				}
				if done {
					return false
				}
			case <-ctx.Done():
				return false
			}
		}
	}

	s.writeResponse(conn, okResponse(req.ID, data))
	return true
}

// doneMarker lets a streaming handler signal its final chunk inline rather
// than requiring a side channel.
type doneMarker struct {
	data interface{}
	done bool
}

// DoneChunk wraps data as the final chunk of a stream.
func DoneChunk(data interface{}) interface{} { return doneMarker{data: data, done: true} }

// invoke recovers from a handler panic and converts it to an error
// response, per spec §4.12 "Handler exceptions are caught and converted to
// error responses."
func (s *Server) invoke(h Handler, req Request) (data interface{}, streamCh <-chan interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(req)
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	b, err := wire.Encode(resp)
	if err != nil {
		return
	}
	_, _ = conn.Write(b)
}

func (s *Server) writeStream(conn net.Conn, chunk StreamChunk) error {
	b, err := wire.Encode(chunk)
	if err != nil {
		return err
	}
	_, err = conn.Write(b)
	return err
}

// NewCorrelationID returns a fresh random UUID string. The server itself
// does not use it: a frame that omits its id is answered with an error
// (see handleFrame), since the wire protocol requires clients to supply one.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Close stops accepting new connections, closes all open ones, and removes
// the socket file. Safe to call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var firstErr error
	if ln != nil {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range conns {
		_ = c.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
