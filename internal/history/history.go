package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventExit       EventType = "exit"
	EventSpawnError EventType = "spawn_error"
)

// Event is one worker lifecycle transition exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Worker     string    `json:"worker"`
	Name       string    `json:"name,omitempty"`
	PID        int       `json:"pid"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	// Detail carries the stop outcome, crash marker or spawn error text.
	Detail string `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds each Send performed by a Recorder.
const DefaultSendTimeout = 3 * time.Second

// Recorder fans events out to sinks best-effort: failures are logged and
// never returned to the caller.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

// NewRecorder returns a Recorder over sinks. Nil sinks are ignored.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{timeout: DefaultSendTimeout, log: logger}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Enabled reports whether any sink is configured.
func (r *Recorder) Enabled() bool { return r != nil && len(r.sinks) > 0 }

// Record sends e to every sink. A zero OccurredAt is set to now.
func (r *Recorder) Record(e Event) {
	if !r.Enabled() {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history send failed", "worker", e.Worker, "event", string(e.Type), "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
