package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/process"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound       = errors.New("worker not found")
	ErrAlreadyRunning = errors.New("worker already running")
	ErrNotRunning     = errors.New("worker not running")
)

// SpawnError wraps an OS-level failure to create the worker process.
type SpawnError struct {
	ID  string
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.ID, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// StopError wraps a failure to signal or reap a worker. The registry entry is
// removed regardless.
type StopError struct {
	ID  string
	Err error
}

func (e *StopError) Error() string { return fmt.Sprintf("stop %s: %v", e.ID, e.Err) }
func (e *StopError) Unwrap() error { return e.Err }

// State is the coarse status reported by Status.
type State string

const (
	Stopped State = "stopped"
	Running State = "running"
)

// LogSink receives the supervisor's own per-worker log lines.
type LogSink interface {
	Reset(id string)
	AppendSystem(id, msg string)
}

// Resolver maps a worker id to its launch spec. It returns an error
// wrapping ErrNotFound for unknown ids.
type Resolver func(id string) (process.Spec, error)

// Options configures a Registry.
type Options struct {
	Resolve Resolver
	Logs    LogSink
	Grace   time.Duration
	Logger  *slog.Logger
	// ShutdownParallelism bounds concurrent stops in ShutdownAll.
	ShutdownParallelism int
}

// Registry maps worker ids to live process handles and guarantees at most
// one running instance per id. All map access goes through mu.
type Registry struct {
	resolve  Resolver
	logs     LogSink
	grace    time.Duration
	log      *slog.Logger
	parallel int

	mu      sync.Mutex
	entries map[string]*process.Handle
}

// New constructs a Registry. Resolve and Logs are required.
func New(opts Options) (*Registry, error) {
	if opts.Resolve == nil {
		return nil, errors.New("registry: nil resolver")
	}
	if opts.Logs == nil {
		return nil, errors.New("registry: nil log sink")
	}
	r := &Registry{
		resolve:  opts.Resolve,
		logs:     opts.Logs,
		grace:    opts.Grace,
		log:      opts.Logger,
		parallel: opts.ShutdownParallelism,
		entries:  make(map[string]*process.Handle),
	}
	if r.grace <= 0 {
		r.grace = process.DefaultGrace
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.parallel <= 0 {
		r.parallel = 8
	}
	return r, nil
}

// Start spawns the worker for id unless a live instance exists. An entry
// whose process has already exited is evicted first. The existence check,
// the spawn and the insert happen under one lock, so concurrent starts of
// the same id cannot both succeed.
func (r *Registry) Start(id string) (*process.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h := r.entries[id]; h != nil {
		if h.Alive() {
			return nil, ErrAlreadyRunning
		}
		delete(r.entries, id)
	}
	spec, err := r.resolve(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, r.spawnFailed(id, err)
	}
	h, err := process.Spawn(spec)
	if err != nil {
		return nil, r.spawnFailed(id, err)
	}
	r.entries[id] = h
	r.logs.Reset(id)
	r.logs.AppendSystem(id, fmt.Sprintf("process started (pid %d)", h.PID()))
	r.log.Info("worker started", "worker", id, "pid", h.PID())
	metrics.IncStart(id)
	metrics.SetRunning(r.runningLocked())
	return h, nil
}

func (r *Registry) spawnFailed(id string, err error) error {
	r.logs.AppendSystem(id, "failed to start: "+err.Error())
	r.log.Error("worker spawn failed", "worker", id, "error", err)
	metrics.IncSpawnFailure(id)
	return &SpawnError{ID: id, Err: err}
}

// Stop terminates the worker's process group: SIGTERM, then SIGKILL after
// the grace window. The entry is removed whatever happens. Signalling runs
// outside the lock; a concurrent Start for the same id sees the entry
// alive until the process is gone.
func (r *Registry) Stop(id string) (process.StopOutcome, error) {
	r.mu.Lock()
	h := r.entries[id]
	if h == nil {
		r.mu.Unlock()
		return process.StopAlreadyExited, ErrNotRunning
	}
	if !h.Alive() {
		delete(r.entries, id)
		metrics.SetRunning(r.runningLocked())
		r.mu.Unlock()
		return process.StopAlreadyExited, ErrNotRunning
	}
	r.mu.Unlock()

	outcome, stopErr := h.Stop(r.grace)

	r.mu.Lock()
	if r.entries[id] == h {
		delete(r.entries, id)
	}
	metrics.SetRunning(r.runningLocked())
	r.mu.Unlock()

	metrics.IncStop(id, outcome.String())
	if stopErr != nil {
		r.logs.AppendSystem(id, "stop failed: "+stopErr.Error())
		r.log.Error("worker stop failed", "worker", id, "outcome", outcome.String(), "error", stopErr)
		return outcome, &StopError{ID: id, Err: stopErr}
	}
	switch outcome {
	case process.StopKilled:
		r.logs.AppendSystem(id, fmt.Sprintf("process killed after %s grace window", r.grace))
	default:
		r.logs.AppendSystem(id, "process stopped gracefully")
	}
	r.log.Info("worker stopped", "worker", id, "outcome", outcome.String())
	return outcome, nil
}

// Status reports Running iff an entry exists and its process has not exited.
func (r *Registry) Status(id string) State {
	r.mu.Lock()
	h := r.entries[id]
	r.mu.Unlock()
	if h != nil && h.Alive() {
		return Running
	}
	return Stopped
}

// Snapshot returns the handle state for id, including exited entries that
// have not been evicted yet.
func (r *Registry) Snapshot(id string) (process.Status, bool) {
	r.mu.Lock()
	h := r.entries[id]
	r.mu.Unlock()
	if h == nil {
		return process.Status{}, false
	}
	return h.Snapshot(), true
}

// Handle returns the registered handle for id, if any.
func (r *Registry) Handle(id string) *process.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// IDs lists registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Running returns the number of live entries.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Registry) runningLocked() int {
	n := 0
	for _, h := range r.entries {
		if h.Alive() {
			n++
		}
	}
	return n
}

// ShutdownAll stops every registered worker. Individual failures are logged
// and do not prevent the others from being stopped.
func (r *Registry) ShutdownAll() {
	var g errgroup.Group
	g.SetLimit(r.parallel)
	for _, id := range r.IDs() {
		g.Go(func() error {
			if _, err := r.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
				r.log.Warn("shutdown: stop failed", "worker", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
