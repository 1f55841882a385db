package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/botkeeper/internal/cron"
	"github.com/loykin/botkeeper/internal/detector"
	"github.com/loykin/botkeeper/internal/history"
	"github.com/loykin/botkeeper/internal/logstore"
	"github.com/loykin/botkeeper/internal/meta"
	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/process"
	"github.com/loykin/botkeeper/internal/pump"
	"github.com/loykin/botkeeper/internal/registry"
)

var (
	ErrNotFound       = registry.ErrNotFound
	ErrAlreadyRunning = registry.ErrAlreadyRunning
	ErrNotRunning     = registry.ErrNotRunning
	ErrInvalid        = errors.New("invalid worker request")
	ErrClosed         = errors.New("supervisor is shut down")
)

const (
	DefaultScriptExt        = ".py"
	DefaultRotationSchedule = "@hourly"
	pumpDrainTimeout        = 5 * time.Second

	jobRotation = "log-rotation"
	jobUsage    = "usage-sample"
)

// DefaultInterpreter runs worker scripts unbuffered.
var DefaultInterpreter = []string{"python3", "-u"}

// Options configures a Supervisor. Logs and Meta are required and owned by
// the Supervisor afterwards: Shutdown closes them.
type Options struct {
	WorkersDir  string
	ScriptExt   string
	Interpreter []string
	Env         []string
	Grace       time.Duration
	// RunDir keeps one pidfile per running worker; defaults to
	// <WorkersDir>/.run.
	RunDir string

	RotationSchedule string
	// UsageSchedule refreshes per-worker CPU/RSS gauges; empty disables it.
	UsageSchedule string
	TimeZone      string

	Logs    *logstore.Store
	Meta    *meta.Bridge
	History *history.Recorder
	Logger  *slog.Logger
}

// Supervisor is the control surface over worker scripts. It wires the
// process registry, output pumps, log store and metadata bridge together.
type Supervisor struct {
	workersDir  string
	ext         string
	interpreter []string
	env         []string
	grace       time.Duration

	pids  *detector.Dir
	reg   *registry.Registry
	pump  *pump.Pump
	logs  *logstore.Store
	meta  *meta.Bridge
	hist  *history.Recorder
	sched *cron.Scheduler
	log   *slog.Logger

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates opts and builds a Supervisor. Nothing is started until
// Boot is called.
func New(opts Options) (*Supervisor, error) {
	if strings.TrimSpace(opts.WorkersDir) == "" {
		return nil, errors.New("supervisor: workers dir is required")
	}
	if opts.Logs == nil || opts.Meta == nil {
		return nil, errors.New("supervisor: log store and metadata bridge are required")
	}
	if err := os.MkdirAll(opts.WorkersDir, 0o750); err != nil {
		return nil, fmt.Errorf("supervisor: create workers dir: %w", err)
	}
	abs, err := filepath.Abs(opts.WorkersDir)
	if err != nil {
		return nil, err
	}
	if opts.ScriptExt == "" {
		opts.ScriptExt = DefaultScriptExt
	}
	if !strings.HasPrefix(opts.ScriptExt, ".") {
		opts.ScriptExt = "." + opts.ScriptExt
	}
	if len(opts.Interpreter) == 0 {
		opts.Interpreter = DefaultInterpreter
	}
	if opts.RotationSchedule == "" {
		opts.RotationSchedule = DefaultRotationSchedule
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Grace <= 0 {
		opts.Grace = process.DefaultGrace
	}
	if opts.RunDir == "" {
		opts.RunDir = filepath.Join(abs, ".run")
	}
	pids, err := detector.NewDir(opts.RunDir)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		workersDir:  abs,
		ext:         opts.ScriptExt,
		interpreter: append([]string(nil), opts.Interpreter...),
		env:         append([]string(nil), opts.Env...),
		grace:       opts.Grace,
		pids:        pids,
		logs:        opts.Logs,
		meta:        opts.Meta,
		hist:        opts.History,
		log:         opts.Logger,
	}

	s.reg, err = registry.New(registry.Options{
		Resolve: s.resolve,
		Logs:    opts.Logs,
		Grace:   opts.Grace,
		Logger:  opts.Logger.With("component", "registry"),
	})
	if err != nil {
		return nil, err
	}
	s.pump, err = pump.New(context.Background(), pump.Options{
		Logs:   opts.Logs,
		OnExit: s.onExit,
		Logger: opts.Logger.With("component", "pump"),
	})
	if err != nil {
		return nil, err
	}

	s.sched = cron.NewScheduler(cron.Options{TimeZone: opts.TimeZone, Logger: opts.Logger.With("component", "cron")})
	if err := s.sched.Add(&cron.Job{Name: jobRotation, Schedule: opts.RotationSchedule, Run: s.rotateJob}); err != nil {
		return nil, err
	}
	if opts.UsageSchedule != "" {
		if err := s.sched.Add(&cron.Job{Name: jobUsage, Schedule: opts.UsageSchedule, Run: s.usageJob}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ScriptPath returns where the script for id lives.
func (s *Supervisor) ScriptPath(id string) string {
	return filepath.Join(s.workersDir, id+s.ext)
}

// resolve runs under the registry lock.
func (s *Supervisor) resolve(id string) (process.Spec, error) {
	if err := validID(id); err != nil {
		return process.Spec{}, fmt.Errorf("worker %q: %w", id, ErrNotFound)
	}
	if _, err := s.meta.Get(id); err != nil {
		return process.Spec{}, s.metaErr(id, err)
	}
	return process.Spec{
		ID:          id,
		Script:      s.ScriptPath(id),
		Interpreter: s.interpreter,
		WorkDir:     s.workersDir,
		Env:         s.env,
	}, nil
}

func (s *Supervisor) metaErr(id string, err error) error {
	if errors.Is(err, meta.ErrNotFound) {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return err
}

// lookup returns the metadata for id, mapping a miss to ErrNotFound.
func (s *Supervisor) lookup(id string) (meta.Worker, error) {
	if err := validID(id); err != nil {
		return meta.Worker{}, fmt.Errorf("worker %q: %w", id, ErrNotFound)
	}
	w, err := s.meta.Get(id)
	if err != nil {
		return meta.Worker{}, s.metaErr(id, err)
	}
	return w, nil
}

// Start launches the worker and attaches an output pump to it.
func (s *Supervisor) Start(id string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if h := s.reg.Handle(id); h == nil || !h.Alive() {
		s.drain(id)
	}
	h, err := s.reg.Start(id)
	if err != nil {
		var se *registry.SpawnError
		if errors.As(err, &se) {
			s.hist.Record(history.Event{Type: history.EventSpawnError, Worker: id, Detail: se.Err.Error()})
		}
		return 0, err
	}
	s.pump.Attach(h)
	if err := s.pids.For(id).Write(h.PID()); err != nil {
		s.log.Warn("write pidfile failed", "worker", id, "error", err)
	}

	now := time.Now()
	w, err := s.meta.Update(id, func(w *meta.Worker) error {
		w.WasRunning = true
		w.LastStartedAt = &now
		return nil
	})
	if err != nil {
		s.log.Warn("persist running flag failed", "worker", id, "error", err)
	}
	s.hist.Record(history.Event{Type: history.EventStart, Worker: id, Name: w.Name, PID: h.PID(), OccurredAt: now})
	return h.PID(), nil
}

// Stop terminates the worker and clears its running flag. Stopping a
// worker that is not running returns ErrNotRunning; a crashed worker's
// flag is cleared anyway so it is not resumed on the next boot.
func (s *Supervisor) Stop(id string) (process.StopOutcome, error) {
	if _, err := s.lookup(id); err != nil {
		return process.StopAlreadyExited, err
	}
	var pid int
	if h := s.reg.Handle(id); h != nil {
		pid = h.PID()
	}
	outcome, err := s.reg.Stop(id)
	s.markStopped(id)
	if errors.Is(err, registry.ErrNotRunning) {
		return outcome, err
	}
	s.hist.Record(history.Event{Type: history.EventStop, Worker: id, PID: pid, Detail: outcome.String()})
	return outcome, err
}

func (s *Supervisor) markStopped(id string) {
	now := time.Now()
	_, err := s.meta.Update(id, func(w *meta.Worker) error {
		if !w.WasRunning {
			return errUnchanged
		}
		w.WasRunning = false
		w.LastStoppedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) && !errors.Is(err, meta.ErrNotFound) {
		s.log.Warn("persist stopped flag failed", "worker", id, "error", err)
	}
}

var errUnchanged = errors.New("unchanged")

// drain waits for the previous run's reader so its exit line and pidfile
// cleanup land before a new run starts.
func (s *Supervisor) drain(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), pumpDrainTimeout)
	defer cancel()
	if err := s.pump.WaitWorker(ctx, id); err != nil {
		s.log.Warn("previous output reader still attached", "worker", id, "error", err)
	}
}

// Restart stops the worker if it is running and starts it again.
func (s *Supervisor) Restart(id string) (int, error) {
	if _, err := s.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
		var stopErr *registry.StopError
		if !errors.As(err, &stopErr) {
			return 0, err
		}
	}
	return s.Start(id)
}

// onExit runs on the pump goroutine once a worker's stream has ended.
func (s *Supervisor) onExit(ex pump.Exit) {
	detail := "stopped"
	if ex.Crashed() {
		detail = "crashed"
		metrics.IncCrash(ex.ID)
		s.log.Warn("worker crashed", "worker", ex.ID, "pid", ex.PID, "code", ex.Code, "lines", ex.Lines)
	}
	if err := s.pids.For(ex.ID).RemoveIfPID(ex.PID); err != nil {
		s.log.Warn("remove pidfile failed", "worker", ex.ID, "error", err)
	}
	code := ex.Code
	at := ex.ExitedAt
	_, err := s.meta.Update(ex.ID, func(w *meta.Worker) error {
		w.LastExitCode = &code
		if !at.IsZero() {
			w.LastStoppedAt = &at
		}
		return nil
	})
	if err != nil && !errors.Is(err, meta.ErrNotFound) {
		s.log.Warn("persist exit code failed", "worker", ex.ID, "error", err)
	}
	metrics.SetRunning(s.reg.Running())
	s.hist.Record(history.Event{Type: history.EventExit, Worker: ex.ID, PID: ex.PID, ExitCode: &code, Detail: detail, OccurredAt: at})
}

// Logs returns up to limit recent entries for id, oldest first.
func (s *Supervisor) Logs(id string, limit int) ([]logstore.Entry, error) {
	if _, err := s.lookup(id); err != nil {
		return nil, err
	}
	return s.logs.Read(id, limit)
}

// ClearLogs empties the buffer and log file of one worker.
func (s *Supervisor) ClearLogs(id string) error {
	if _, err := s.lookup(id); err != nil {
		return err
	}
	return s.logs.Clear(id)
}

// ClearAllLogs empties every worker's buffer and log file.
func (s *Supervisor) ClearAllLogs() error {
	return s.logs.ClearAll()
}

// RotateLogs wipes all logs immediately, as the daily rotation would.
func (s *Supervisor) RotateLogs() {
	s.logs.Rotate()
}

func (s *Supervisor) rotateJob(context.Context) error {
	s.logs.RotateIfNewDay()
	return nil
}

func (s *Supervisor) usageJob(ctx context.Context) error {
	for _, id := range s.reg.IDs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h := s.reg.Handle(id)
		if h == nil || !h.Alive() {
			continue
		}
		if _, err := metrics.SampleUsage(id, h.PID()); err != nil {
			s.log.Debug("usage sample failed", "worker", id, "error", err)
		}
	}
	return nil
}

// Registry exposes the underlying process registry.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Boot reconciles persisted desired state with reality. It wipes stale
// logs from a previous day, resumes every worker whose was_running or
// auto_restart flag is set and whose script still exists, persists the
// resulting running flags and starts the maintenance scheduler.
func (s *Supervisor) Boot(ctx context.Context) (BootReport, error) {
	if s.closed.Load() {
		return BootReport{}, ErrClosed
	}
	s.logs.RotateIfNewDay()
	s.reapOrphans()

	var rep BootReport
	notResumed := make(map[string]bool)
	var ctxErr error
	for _, w := range s.meta.List() {
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}
		if !w.ShouldResume() {
			continue
		}
		res := BootResult{ID: w.ID, Name: w.Name}
		if _, err := os.Stat(s.ScriptPath(w.ID)); err != nil {
			res.Err = "script missing"
			s.log.Warn("boot: worker script missing, not resuming", "worker", w.ID, "error", err)
			notResumed[w.ID] = true
			rep.Results = append(rep.Results, res)
			continue
		}
		pid, err := s.Start(w.ID)
		switch {
		case err == nil:
			res.Started, res.PID = true, pid
		case errors.Is(err, ErrAlreadyRunning):
			res.Started = true
			if h := s.reg.Handle(w.ID); h != nil {
				res.PID = h.PID()
			}
		default:
			res.Err = err.Error()
			s.log.Error("boot: worker start failed", "worker", w.ID, "error", err)
			notResumed[w.ID] = true
		}
		rep.Results = append(rep.Results, res)
	}
	if len(notResumed) > 0 {
		if err := s.meta.UpdateMany(func(w *meta.Worker) {
			if notResumed[w.ID] {
				w.WasRunning = false
			}
		}); err != nil {
			s.log.Warn("persist running flags failed", "error", err)
		}
	}
	if ctxErr != nil {
		return rep, ctxErr
	}
	if err := s.sched.Start(); err != nil {
		s.log.Warn("scheduler start", "error", err)
	}
	s.log.Info("boot reconciliation done", "resumed", rep.Started(), "failed", len(rep.Results)-rep.Started())
	return rep, nil
}

// reapOrphans terminates workers left running by a previous daemon that
// died without stopping them, so a resumed worker never runs twice.
func (s *Supervisor) reapOrphans() {
	ids, err := s.pids.IDs()
	if err != nil {
		s.log.Warn("list pidfiles failed", "error", err)
		return
	}
	for _, id := range ids {
		if s.reg.Handle(id) != nil {
			continue
		}
		pf := s.pids.For(id)
		alive, pid, err := pf.Alive()
		if err != nil {
			s.log.Warn("unreadable pidfile", "worker", id, "file", pf.Describe(), "error", err)
		}
		if alive {
			s.log.Warn("terminating orphaned worker from a previous run", "worker", id, "pid", pid)
			if err := detector.Terminate(pid, s.grace); err != nil {
				s.log.Error("orphan termination failed", "worker", id, "pid", pid, "error", err)
				continue
			}
			s.hist.Record(history.Event{Type: history.EventStop, Worker: id, PID: pid, Detail: "orphan"})
		}
		_ = pf.Remove()
	}
}

// Shutdown stops the scheduler and every worker, drains the pumps and
// closes the log store, history sinks and metadata storage. Only the first
// call does any work; later calls return the first result.
func (s *Supervisor) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		s.log.Info("supervisor shutting down", "running", s.reg.Running())
		s.sched.Stop()
		s.reg.ShutdownAll()
		s.log.Debug("draining output readers", "active", s.pump.Active())
		var errs []error
		if err := s.pump.Close(pumpDrainTimeout); err != nil {
			errs = append(errs, fmt.Errorf("drain pumps: %w", err))
		}
		if err := s.hist.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
		if err := s.logs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logs: %w", err))
		}
		if err := s.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metadata: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)
		s.log.Info("supervisor stopped")
	})
	return s.shutdownErr
}
