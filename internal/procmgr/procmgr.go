// Package procmgr implements the process manager (C5, spec §4.5): spawning
// and killing child workers, capturing stdio, and sanitizing the child's
// environment. Grounded on the teacher's spawnWorker/worker.watch() (pipe
// capture, process-group kill) generalized from a single-command pool to
// one spawn per (app, worker id), plus XyPriss's Worker.Spawn/Kill shape
// for env-hygiene conventions (read, not copied). Kill-escalation liveness
// uses gopsutil/v3/process instead of raw syscall polling.
package procmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/nehonix/go-procsupervisor/internal/config"
	"github.com/nehonix/go-procsupervisor/internal/ipcmsg"
	"github.com/nehonix/go-procsupervisor/internal/wire"
)

// MasterEnvPrefix marks internal master-only env keys (daemon/socket
// control markers) that must never be visible to a spawned worker (spec
// §6, P7).
const MasterEnvPrefix = "SUPERVISOR_INTERNAL_"

// ChannelFDEnv tells the worker which inherited fds carry the IPC channel,
// as "<read fd>,<write fd>" (3 for master->worker, 4 for worker->master),
// mirroring the NODE_CHANNEL_FD convention the worker SDK (out of scope,
// spec §1) is expected to honor.
const ChannelFDEnv = "SUPERVISOR_IPC_FD"

// OnMessage is invoked once per decoded IPC envelope from the worker.
type OnMessage func(ipcmsg.Envelope)

// OnExit is invoked once the child has exited, with its exit code (-1 if
// killed by signal) and the signal name if any.
type OnExit func(exitCode int, signal string)

// OnOutputLine is invoked once per captured stdout/stderr line, for the
// (external) log writer to consume.
type OnOutputLine func(stream string, line string)

// Handle represents one spawned child worker.
type Handle struct {
	PID int

	cmd        *exec.Cmd
	ipcWriter  *os.File
	ipcReader  *os.File
	childIPCFD *os.File

	mu     sync.Mutex
	exited bool
	done   chan struct{}
}

// Spawn launches cfg.Script (optionally via cfg.Interpreter) as workerID's
// child process. onMessage fires for every well-formed IPC envelope,
// onExit fires exactly once when the process has been reaped, onOutput
// fires per captured stdio line.
func Spawn(ctx context.Context, cfg config.AppConfig, appName string, workerID int64, workerEnv map[string]string, onMessage OnMessage, onExit OnExit, onOutput OnOutputLine) (*Handle, error) {
	path := cfg.Script
	var args []string
	if cfg.Interpreter != "" {
		args = []string{cfg.Script}
		path = cfg.Interpreter
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = sanitizedEnv(os.Environ(), cfg.Env, workerEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Stdin = nil

	// Worker IPC channel: a pair of pipes plumbed through ExtraFiles, the
	// same shape Node's child_process IPC channel takes (one fd for
	// parent->child, one for child->parent), referenced by the child via
	// ChannelFDEnv.
	parentToChildR, parentToChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("procmgr: ipc pipe: %w", err)
	}
	childToParentR, childToParentW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("procmgr: ipc pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{parentToChildR, childToParentW}
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d,%d", ChannelFDEnv, 3, 4))

	if err := cmd.Start(); err != nil {
		parentToChildR.Close()
		parentToChildW.Close()
		childToParentR.Close()
		childToParentW.Close()
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("procmgr: spawn %s: %w", appName, err)
	}
	// The child owns these ends now; close our copies.
	parentToChildR.Close()
	childToParentW.Close()

	h := &Handle{
		PID:        cmd.Process.Pid,
		cmd:        cmd,
		ipcWriter:  parentToChildW,
		ipcReader:  childToParentR,
		done:       make(chan struct{}),
	}

	go h.readIPC(onMessage)
	go captureStream(stdoutR, "stdout", onOutput)
	go captureStream(stderrR, "stderr", onOutput)
	go h.wait(onExit)

	return h, nil
}

func captureStream(r io.Reader, stream string, onOutput OnOutputLine) {
	if onOutput == nil {
		io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onOutput(stream, scanner.Text())
	}
}

func (h *Handle) readIPC(onMessage OnMessage) {
	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := h.ipcReader.Read(buf)
		if n > 0 {
			for _, raw := range dec.Feed(buf[:n]) {
				var env ipcmsg.Envelope
				if jsonErr := decodeEnvelope(raw, &env); jsonErr == nil && onMessage != nil {
					onMessage(env)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Send delivers a master->worker directive over the IPC channel.
func (h *Handle) Send(env ipcmsg.MasterEnvelope) error {
	b, err := wire.Encode(env)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return fmt.Errorf("procmgr: worker %d exited", h.PID)
	}
	_, err = h.ipcWriter.Write(b)
	return err
}

func (h *Handle) wait(onExit OnExit) {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
	h.ipcWriter.Close()
	h.ipcReader.Close()
	close(h.done)

	exitCode := -1
	signal := ""
	if h.cmd.ProcessState != nil {
		exitCode = h.cmd.ProcessState.ExitCode()
		if ws, ok := h.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	}
	_ = err
	if onExit != nil {
		onExit(exitCode, signal)
	}
}

// KillResult reports how a kill attempt resolved (spec §4.5).
type KillResult struct {
	Exited bool
	Killed bool
}

// Kill sends sig to the process group, polls liveness at a bounded
// interval via gopsutil, and escalates to SIGKILL if killTimeout elapses
// before the process exits. A missing process is treated as already
// exited, never as an error (spec §4.5).
func (h *Handle) Kill(sig syscall.Signal, killTimeout time.Duration) KillResult {
	pgid, err := syscall.Getpgid(h.PID)
	if err == nil {
		_ = syscall.Kill(-pgid, sig)
	} else {
		_ = h.cmd.Process.Signal(sig)
	}

	deadline := time.Now().Add(killTimeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return KillResult{Exited: true}
		case <-ticker.C:
			if !h.isAlive() {
				return KillResult{Exited: true}
			}
			if time.Now().After(deadline) {
				if pgid, err := syscall.Getpgid(h.PID); err == nil {
					_ = syscall.Kill(-pgid, syscall.SIGKILL)
				} else {
					_ = h.cmd.Process.Kill()
				}
				select {
				case <-h.done:
				case <-time.After(2 * time.Second):
				}
				return KillResult{Killed: true}
			}
		}
	}
}

func (h *Handle) isAlive() bool {
	p, err := process.NewProcess(int32(h.PID))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil {
		return false
	}
	return running
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func decodeEnvelope(raw []byte, out *ipcmsg.Envelope) error {
	return json.Unmarshal(raw, out)
}

// sanitizedEnv builds the child's environment: start from the master's own
// environment, strip every MasterEnvPrefix-prefixed key, then overlay the
// computed worker env (WORKER_ID/APP_NAME/INSTANCES/PORT/REUSE_PORT plus
// strategy-specific vars) and finally the user's cfg.Env overlay (spec
// §4.5, §6; property P7).
func sanitizedEnv(masterEnv []string, userOverlay, workerEnv map[string]string) []string {
	var out []string
	for _, kv := range masterEnv {
		if strings.HasPrefix(kv, MasterEnvPrefix) {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range workerEnv {
		out = append(out, k+"="+v)
	}
	for k, v := range userOverlay {
		out = append(out, k+"="+v)
	}
	return out
}

// ComputedWorkerEnv builds the mandatory {WORKER_ID, APP_NAME, INSTANCES,
// PORT, REUSE_PORT} set (spec §6); port and reusePort are the
// strategy-specific values the caller obtains from cluster.GetWorkerEnv
// before Spawn.
func ComputedWorkerEnv(appName string, workerID int64, instances int, port int, reusePort bool) map[string]string {
	rp := "0"
	if reusePort {
		rp = "1"
	}
	return map[string]string{
		"WORKER_ID":  strconv.FormatInt(workerID, 10),
		"APP_NAME":   appName,
		"INSTANCES":  strconv.Itoa(instances),
		"PORT":       strconv.Itoa(port),
		"REUSE_PORT": rp,
	}
}
