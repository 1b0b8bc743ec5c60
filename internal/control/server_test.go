package control

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nehonix/go-procsupervisor/internal/wire"
)

func newTestServer(t *testing.T, d Dispatcher) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ctl.sock")
	srv := NewServer(sockPath, d, zerolog.Nop())
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, sockPath
}

func sendRequest(t *testing.T, sockPath string, req Request) []json.RawMessage {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	b, err := wire.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var out []json.RawMessage
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		out = append(out, line)
		var probe struct {
			Stream bool `json:"stream"`
			Done   bool `json:"done"`
		}
		json.Unmarshal(line, &probe)
		if !probe.Stream {
			break
		}
		if probe.Done {
			break
		}
	}
	return out
}

func TestServerRequestResponse(t *testing.T) {
	d := Dispatcher{Handlers: map[string]Handler{
		"echo": func(req Request) (interface{}, <-chan interface{}, error) {
			return map[string]string{"got": req.Cmd}, nil, nil
		},
	}}
	_, sockPath := newTestServer(t, d)

	msgs := sendRequest(t, sockPath, Request{ID: "abc", Cmd: "echo"})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 response frame, got %d", len(msgs))
	}
	var resp Response
	if err := json.Unmarshal(msgs[0], &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Ok || resp.ID != "abc" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	d := Dispatcher{Handlers: map[string]Handler{}}
	_, sockPath := newTestServer(t, d)

	msgs := sendRequest(t, sockPath, Request{ID: "x", Cmd: "nope"})
	var resp Response
	json.Unmarshal(msgs[0], &resp)
	if resp.Ok {
		t.Fatal("expected an error response for an unknown command")
	}
}

func TestServerMissingIDOrCmd(t *testing.T) {
	d := Dispatcher{Handlers: map[string]Handler{"x": func(req Request) (interface{}, <-chan interface{}, error) {
		return nil, nil, nil
	}}}
	_, sockPath := newTestServer(t, d)

	msgs := sendRequest(t, sockPath, Request{ID: "present", Cmd: ""})
	var resp Response
	json.Unmarshal(msgs[0], &resp)
	if resp.Ok {
		t.Fatal("expected an error response when cmd is missing")
	}

	msgs = sendRequest(t, sockPath, Request{ID: "", Cmd: "x"})
	json.Unmarshal(msgs[0], &resp)
	if resp.Ok || resp.ID != "" {
		t.Fatalf("expected an error response with empty id, got %+v", resp)
	}
}

func TestServerHandlerPanicBecomesErrorResponse(t *testing.T) {
	d := Dispatcher{Handlers: map[string]Handler{
		"boom": func(req Request) (interface{}, <-chan interface{}, error) {
			panic("kaboom")
		},
	}}
	_, sockPath := newTestServer(t, d)

	msgs := sendRequest(t, sockPath, Request{ID: "x", Cmd: "boom"})
	var resp Response
	json.Unmarshal(msgs[0], &resp)
	if resp.Ok {
		t.Fatal("expected a panic to be converted into an error response")
	}
}

func TestServerStreamingCommand(t *testing.T) {
	d := Dispatcher{
		Handlers: map[string]Handler{
			"stream": func(req Request) (interface{}, <-chan interface{}, error) {
				ch := make(chan interface{}, 3)
				go func() {
					ch <- "one"
					ch <- "two"
					close(ch)
				}()
				return nil, ch, nil
			},
		},
		Streaming: map[string]bool{"stream": true},
	}
	_, sockPath := newTestServer(t, d)

	msgs := sendRequest(t, sockPath, Request{ID: "s1", Cmd: "stream"})
	if len(msgs) != 3 {
		t.Fatalf("expected 2 data chunks + 1 done chunk, got %d", len(msgs))
	}
	var last StreamChunk
	json.Unmarshal(msgs[len(msgs)-1], &last)
	if !last.Done {
		t.Fatal("expected the final chunk to carry done=true")
	}
}

func TestStaleSocketIsRemovedOnListen(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "stale.sock")
	if err := os.WriteFile(sockPath, []byte("not a socket"), 0644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}
	srv := NewServer(sockPath, Dispatcher{Handlers: map[string]Handler{}}, zerolog.Nop())
	if err := srv.Listen(); err != nil {
		t.Fatalf("expected Listen to remove the stale file and succeed, got: %v", err)
	}
	defer srv.Close()
}
