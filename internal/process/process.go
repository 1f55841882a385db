package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultGrace is the wait between SIGTERM and SIGKILL on Stop.
const DefaultGrace = 3 * time.Second

// killWait bounds how long Stop waits for the reaper after SIGKILL.
const killWait = 2 * time.Second

// ErrStopTimeout is returned when the process survives SIGKILL for killWait.
var ErrStopTimeout = errors.New("process did not exit after SIGKILL")

// StopOutcome tells how a Stop call ended.
type StopOutcome int

const (
	StopAlreadyExited StopOutcome = iota
	StopGraceful
	StopKilled
)

func (o StopOutcome) String() string {
	switch o {
	case StopGraceful:
		return "graceful"
	case StopKilled:
		return "killed"
	default:
		return "already_exited"
	}
}

// Handle owns one running worker process. The child's stdout and stderr
// share a single pipe whose read end is exposed via Output. A dedicated
// goroutine reaps the child, so liveness checks never block.
type Handle struct {
	id        string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	output    *os.File
	done      chan struct{}

	stopping atomic.Bool
	lines    atomic.Int64

	mu       sync.Mutex
	exitCode int
	exitErr  error
	exitedAt time.Time
}

// Spawn starts the worker described by spec.
func Spawn(spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(spec.Script); err != nil {
		return nil, fmt.Errorf("worker file: %w", err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd := spec.BuildCommand()
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, spec.Env...)
	// nil Stdin is the null device: workers get no interactive console
	cmd.Stdin = nil
	cmd.Stdout = w
	cmd.Stderr = w
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// the child holds its own copy of the write end; ours must go so the
	// reader sees EOF once the worker and its descendants exit
	_ = w.Close()

	h := &Handle{
		id:        spec.ID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		output:    r,
		done:      make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

// reap waits for the leader. Descendants it left behind are killed so the
// worker ends as a unit and the output pipe reaches EOF.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	if groupAlive(h.pid) {
		_ = signalGroup(h.pid, sigKill)
	}
	h.mu.Lock()
	h.exitErr = err
	h.exitCode = exitCodeOf(err)
	h.exitedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

// ID returns the worker id the handle was spawned for.
func (h *Handle) ID() string { return h.id }

// PID returns the OS process id, which is also the process group id.
func (h *Handle) PID() int { return h.pid }

// Output is the read end of the merged stdout/stderr stream. The caller
// that drains it is responsible for closing it.
func (h *Handle) Output() io.ReadCloser { return h.output }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive is a non-blocking liveness probe.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code once the process has exited. Death by
// signal is reported as the negated signal number.
func (h *Handle) ExitCode() (int, bool) {
	if h.Alive() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// StopRequested reports whether Stop has been called on this handle.
func (h *Handle) StopRequested() bool { return h.stopping.Load() }

// AddLine bumps the captured output line counter and returns the new value.
func (h *Handle) AddLine() int64 { return h.lines.Add(1) }

// Snapshot returns a copy of the handle's current state.
func (h *Handle) Snapshot() Status {
	st := Status{
		ID:        h.id,
		PID:       h.pid,
		State:     StateRunning,
		StartedAt: h.startedAt,
		Lines:     h.lines.Load(),
		Stopping:  h.stopping.Load(),
	}
	if code, ok := h.ExitCode(); ok {
		h.mu.Lock()
		st.ExitedAt = h.exitedAt
		h.mu.Unlock()
		st.State = StateExited
		st.ExitCode = &code
	}
	return st
}

// Stop sends SIGTERM to the process group, waits up to grace for the
// worker to exit, then sends SIGKILL to the group. Group members that
// outlive a gracefully exiting leader are killed too, otherwise they would
// keep the output pipe open.
func (h *Handle) Stop(grace time.Duration) (StopOutcome, error) {
	if !h.Alive() {
		return StopAlreadyExited, nil
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	h.stopping.Store(true)

	termErr := signalGroup(h.pid, sigTerm)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
		if groupAlive(h.pid) {
			_ = signalGroup(h.pid, sigKill)
		}
		return StopGraceful, termErr
	case <-t.C:
	}

	if err := signalGroup(h.pid, sigKill); err != nil {
		return StopKilled, errors.Join(termErr, fmt.Errorf("kill: %w", err))
	}
	select {
	case <-h.done:
		return StopKilled, termErr
	case <-time.After(killWait):
		return StopKilled, errors.Join(termErr, ErrStopTimeout)
	}
}
