package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/rs/zerolog"
)

// echoServer accepts one connection and echoes every line it receives back
// with the given tag prepended, so tests can identify which upstream
// handled a given client connection. The listening port is allocated via
// freeport rather than net.Listen's ":0" so a fake worker here looks the
// same way a fake worker listener does in the teacher's own test style.
func echoServer(t *testing.T, tag string) int {
	t.Helper()
	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatalf("freeport: %v", err)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				scanner := bufio.NewScanner(c)
				for scanner.Scan() {
					c.Write([]byte(tag + ":" + scanner.Text() + "\n"))
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return port
}

func TestSelectWorkerRoundRobinsAcrossAlive(t *testing.T) {
	p := New(zerolog.Nop())
	p.AddWorker(1, 1)
	p.AddWorker(2, 2)
	p.AddWorker(3, 3)
	p.SetAlive(1, true)
	p.SetAlive(2, true)
	p.SetAlive(3, true)

	var seen []int64
	for i := 0; i < 6; i++ {
		s, ok := p.selectWorker()
		if !ok {
			t.Fatal("expected a worker to be selected")
		}
		seen = append(seen, s.workerID)
	}
	want := []int64{1, 2, 3, 1, 2, 3}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("round robin order mismatch at %d: got %v want %v", i, seen, want)
		}
	}
}

func TestSelectWorkerSkipsDead(t *testing.T) {
	p := New(zerolog.Nop())
	p.AddWorker(1, 1)
	p.AddWorker(2, 2)
	p.SetAlive(1, false)
	p.SetAlive(2, true)

	s, ok := p.selectWorker()
	if !ok || s.workerID != 2 {
		t.Fatalf("expected worker 2 (the only alive one), got %+v ok=%v", s, ok)
	}
}

func TestSelectWorkerNoneAlive(t *testing.T) {
	p := New(zerolog.Nop())
	p.AddWorker(1, 1)
	p.SetAlive(1, false)
	if _, ok := p.selectWorker(); ok {
		t.Fatal("expected no worker selected when none are alive")
	}
}

func TestHandleConnSplicesToSelectedUpstream(t *testing.T) {
	port := echoServer(t, "up")

	p := New(zerolog.Nop())
	p.AddWorker(1, port)
	p.SetAlive(1, true)

	if err := p.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer p.Stop()

	conn, err := net.DialTimeout("tcp", p.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("hello\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if line != "up:hello\n" {
		t.Fatalf("expected echoed line from upstream, got %q", line)
	}
}

// TestStopForceClosesActiveConnection exercises spec §4.8's
// "closeActiveConnections = true" requirement: a client connection already
// spliced through to an upstream must be severed by Stop, not merely have
// the listener closed out from under future connections.
func TestStopForceClosesActiveConnection(t *testing.T) {
	port := echoServer(t, "up")

	p := New(zerolog.Nop())
	p.AddWorker(1, port)
	p.SetAlive(1, true)

	if err := p.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := net.DialTimeout("tcp", p.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// Round-trip one line first so handleConn has definitely dialed
	// upstream and is blocked in its splice goroutines before Stop runs.
	conn.Write([]byte("hello\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read: %v", err)
	}

	p.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatal("expected the client connection to be severed by Stop, got no error")
	}
}

func TestAliveWorkerCount(t *testing.T) {
	p := New(zerolog.Nop())
	p.AddWorker(1, 1)
	p.AddWorker(2, 2)
	p.SetAlive(1, true)
	if got := p.AliveWorkerCount(); got != 1 {
		t.Fatalf("expected 1 alive worker, got %d", got)
	}
}
