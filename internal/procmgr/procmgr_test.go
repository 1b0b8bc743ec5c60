package procmgr

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/nehonix/go-procsupervisor/internal/config"
)

// writeScript drops body into a temp .sh file and returns its path, so
// Spawn can be exercised the way it's actually invoked: Interpreter="/bin/sh",
// Script=<path to a file>, not an inline "-c" command string.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestComputedWorkerEnv(t *testing.T) {
	env := ComputedWorkerEnv("web", 7, 4, 3000, true)
	want := map[string]string{
		"WORKER_ID":  "7",
		"APP_NAME":   "web",
		"INSTANCES":  "4",
		"PORT":       "3000",
		"REUSE_PORT": "1",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%q] = %q, want %q", k, env[k], v)
		}
	}
}

func TestSanitizedEnvStripsMasterPrefixAndOverlays(t *testing.T) {
	master := []string{
		"PATH=/usr/bin",
		MasterEnvPrefix + "SOCKET=/tmp/x.sock",
	}
	worker := map[string]string{"WORKER_ID": "1"}
	user := map[string]string{"FOO": "bar"}

	out := sanitizedEnv(master, user, worker)
	var hasMasterKey, hasPath, hasWorker, hasUser bool
	for _, kv := range out {
		switch {
		case len(kv) >= len(MasterEnvPrefix) && kv[:len(MasterEnvPrefix)] == MasterEnvPrefix:
			hasMasterKey = true
		case kv == "PATH=/usr/bin":
			hasPath = true
		case kv == "WORKER_ID=1":
			hasWorker = true
		case kv == "FOO=bar":
			hasUser = true
		}
	}
	if hasMasterKey {
		t.Error("expected master-prefixed keys to be stripped")
	}
	if !hasPath || !hasWorker || !hasUser {
		t.Errorf("expected PATH/WORKER_ID/FOO to all be present, got %v", out)
	}
}

func TestSpawnCapturesOutputAndExit(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}
	cfg := config.AppConfig{
		Script:      writeScript(t, "#!/bin/sh\necho hello-from-child\nexit 3\n"),
		Interpreter: "/bin/sh",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lines := make(chan string, 8)
	exitCh := make(chan int, 1)

	h, err := Spawn(ctx, cfg, "testapp", 1, map[string]string{},
		nil,
		func(exitCode int, signal string) { exitCh <- exitCode },
		func(stream, line string) { lines <- line },
	)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.PID == 0 {
		t.Fatal("expected a nonzero PID")
	}

	select {
	case line := <-lines:
		if line != "hello-from-child" {
			t.Errorf("expected 'hello-from-child', got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for captured output")
	}

	select {
	case code := <-exitCh:
		if code != 3 {
			t.Errorf("expected exit code 3, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

// TestKillStopsChildThatTrapsTERM accepts either outcome: Kill is sent right
// after Spawn, so SIGTERM can land before the script has installed its trap
// (plain exit) or after it (escalation to SIGKILL).
func TestKillStopsChildThatTrapsTERM(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}
	cfg := config.AppConfig{
		Interpreter: "/bin/sh",
		Script:      writeScript(t, "#!/bin/sh\ntrap '' TERM\nsleep 30\n"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := Spawn(ctx, cfg, "testapp", 1, map[string]string{}, nil, func(int, string) {}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	res := h.Kill(syscall.SIGTERM, 200*time.Millisecond)
	if !res.Killed && !res.Exited {
		t.Fatal("expected Kill to report either escalated-kill or exit")
	}
}
