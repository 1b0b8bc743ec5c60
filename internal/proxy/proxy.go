// Package proxy implements the userland L4 TCP round-robin splicer (C8,
// spec §4.8), used when the cluster strategy is "proxy". Grounded on the
// teacher's director()/httputil.ReverseProxy worker-selection logic,
// reworked from L7 HTTP reverse-proxying into raw L4 byte splicing since
// the spec requires payload-agnostic forwarding (the teacher's
// ReverseProxy operates at L7; this is a rewrite-in-the-manner-of, not a
// line-for-line reuse), with round-robin cues also read from
// Ankit-Kulkarni-go-experiments/tcpqueue.
package proxy

import (
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

type slot struct {
	workerID     int64
	internalPort int
	alive        bool
}

// Proxy binds a single listener on an app's public port and round-robins
// accepted connections across the alive worker set (spec §4.8).
type Proxy struct {
	log zerolog.Logger

	mu      sync.Mutex
	workers map[int64]*slot
	order   []int64 // cached sorted worker ids, rebuilt lazily
	dirty   bool
	rrIndex int

	listener net.Listener
	conns    map[net.Conn]struct{}
	stopOnce sync.Once
	stopped  bool
}

// New builds a Proxy; Listen must be called separately to start accepting.
func New(log zerolog.Logger) *Proxy {
	return &Proxy{log: log, workers: make(map[int64]*slot), conns: make(map[net.Conn]struct{})}
}

// Listen binds the public port and begins the accept loop in the
// background.
func (p *Proxy) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()
	go p.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or nil if Listen hasn't been
// called (or Stop has already run).
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed (Stop) or fatal accept error
		}
		go p.handleConn(conn)
	}
}

// AddWorker registers workerID's internal port, marked not-yet-alive. The
// map grows monotonically — replacement workers get fresh ids rather than
// reusing a slot's old entry (spec §4.8).
func (p *Proxy) AddWorker(workerID int64, internalPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[workerID] = &slot{workerID: workerID, internalPort: internalPort}
	p.dirty = true
}

// RemoveWorker is intentionally NOT exposed as a public map-shrink
// operation per spec §4.8 ("stopped slots are retained as alive=false
// until stop()"); provided for interface parity with cluster.Strategy but
// only clears aliveness, matching SetAlive(id, false).
func (p *Proxy) RemoveWorker(workerID int64) {
	p.SetAlive(workerID, false)
}

// SetAlive flips a worker's aliveness for selection purposes (invariant
// I5: alive only while the occupant is online).
func (p *Proxy) SetAlive(workerID int64, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.workers[workerID]; ok {
		s.alive = alive
	}
}

func (p *Proxy) rebuildOrderLocked() {
	if !p.dirty {
		return
	}
	order := make([]int64, 0, len(p.workers))
	for id := range p.workers {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	p.order = order
	p.dirty = false
}

// selectWorker picks the next alive worker using round-robin over the
// cached sorted id list: rrIndex points at the next candidate slot
// position, scan forward at most N positions, the first alive worker
// wins, advance rrIndex = (winnerPos+1) mod N (spec §4.8, P4).
func (p *Proxy) selectWorker() (*slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuildOrderLocked()
	n := len(p.order)
	if n == 0 {
		return nil, false
	}
	if p.rrIndex >= n {
		p.rrIndex = 0
	}
	for i := 0; i < n; i++ {
		pos := (p.rrIndex + i) % n
		id := p.order[pos]
		s := p.workers[id]
		if s != nil && s.alive {
			p.rrIndex = (pos + 1) % n
			return s, true
		}
	}
	return nil, false
}

func (p *Proxy) handleConn(client net.Conn) {
	if !p.trackConn(client) {
		client.Close() // Stop already ran; reject rather than serve during shutdown
		return
	}
	defer func() {
		p.untrackConn(client)
		client.Close()
	}()

	s, ok := p.selectWorker()
	if !ok {
		// No alive worker exists: close the client connection immediately
		// (spec §4.8).
		return
	}

	// Buffer any bytes that arrive from the client before upstream is
	// ready, then flush on upstream open (spec §4.8). Since Dial is
	// synchronous here, "buffering" degenerates to simply dialing first and
	// then splicing — no bytes are read from the client until the upstream
	// connection exists, which satisfies the same ordering guarantee
	// without a manual buffer.
	upstream, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.internalPort))
	if err != nil {
		p.log.Warn().Err(err).Int64("worker", s.workerID).Msg("proxy: upstream dial failed")
		return
	}
	if !p.trackConn(upstream) {
		upstream.Close()
		return
	}
	defer func() {
		p.untrackConn(upstream)
		upstream.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, client)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, upstream)
		closeWrite(client)
	}()
	wg.Wait()
}

func closeWrite(c net.Conn) {
	type halfCloser interface{ CloseWrite() error }
	if hc, ok := c.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}

// trackConn registers c so Stop can force-close it later. Returns false if
// Stop has already run, in which case the caller should reject c rather
// than start serving a connection during shutdown.
func (p *Proxy) trackConn(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *Proxy) untrackConn(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

// Stop closes the listener (aborting any still-accepting goroutine) and
// force-closes every client and upstream connection currently mid-splice
// (spec §4.8: "close the listener with closeActiveConnections = true"),
// then clears the worker map and rrIndex. Idempotent (spec §4.8, P5).
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		ln := p.listener
		conns := make([]net.Conn, 0, len(p.conns))
		for c := range p.conns {
			conns = append(conns, c)
		}
		p.workers = make(map[int64]*slot)
		p.order = nil
		p.rrIndex = 0
		p.dirty = false
		p.stopped = true
		p.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
		// Closing both ends of each in-flight splice unblocks both of
		// handleConn's io.Copy goroutines (one blocked reading from the
		// client, the other from upstream) instead of merely refusing new
		// connections.
		for _, c := range conns {
			_ = c.Close()
		}
	})
}

// AliveWorkerCount reports how many workers are currently marked alive.
func (p *Proxy) AliveWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.workers {
		if s.alive {
			n++
		}
	}
	return n
}
