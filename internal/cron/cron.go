package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as "@hourly" or "@every 30s".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a named maintenance task run on a schedule.
// Overlapping runs are skipped: if the previous run of the same job is
// still active when the next tick fires, that tick is dropped.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Runs returns how many times the job body has been entered.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skipped returns how many ticks were dropped because a run was active.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

func (j *Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("cron job requires a name")
	}
	if strings.TrimSpace(j.Schedule) == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no run func", j.Name)
	}
	return ValidateSchedule(j.Schedule)
}

// ValidateSchedule reports whether expr is a schedule the Scheduler accepts.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// Options configures a Scheduler.
type Options struct {
	// TimeZone is an IANA zone name; empty means local time.
	TimeZone string
	Logger   *slog.Logger
}

// Scheduler runs Jobs on a robfig/cron engine. Jobs run with a context
// that is cancelled by Stop.
type Scheduler struct {
	c   *cron.Cron
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*Job
	started bool
	stopped bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cronOpts := []cron.Option{cron.WithParser(parser)}
	if opts.TimeZone != "" {
		if loc, err := time.LoadLocation(opts.TimeZone); err == nil {
			cronOpts = append(cronOpts, cron.WithLocation(loc))
		} else {
			logger.Warn("invalid timezone, using local time", "timezone", opts.TimeZone, "error", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:      cron.New(cronOpts...),
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
}

// Add registers job. Names must be unique within the scheduler.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("cron job %s already exists", job.Name)
	}
	if _, err := s.c.AddFunc(job.Schedule, func() { s.fire(job) }); err != nil {
		return fmt.Errorf("failed to schedule cron job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

func (s *Scheduler) fire(j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("cron tick skipped, previous run active", "job", j.Name)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer j.running.Store(false)
	s.RunNow(j)
}

// RunNow executes job synchronously outside the schedule. Panics and
// errors are logged, never propagated.
func (s *Scheduler) RunNow(j *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cron job panic", "job", j.Name, "panic", r)
		}
	}()
	j.runs.Add(1)
	if err := j.Run(s.ctx); err != nil {
		s.log.Warn("cron job failed", "job", j.Name, "error", err)
	}
}

// Start launches the engine. Starting twice is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.c.Start()
	for name, j := range s.jobs {
		s.log.Info("cron job scheduled", "job", name, "schedule", j.Schedule)
	}
	return nil
}

// Stop cancels running jobs and waits for them to return. It is safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.c.Stop().Done()
	}
	s.wg.Wait()
}

// Next returns the next activation time of the named job, or zero.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	sched, err := parser.Parse(j.Schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}
