package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/botkeeper/internal/meta"
	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/process"
)

// State is the externally visible lifecycle state of a worker.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Status describes the live side of a worker. Crashed is set when the
// worker was meant to run but its process is gone.
type Status struct {
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Crashed   bool           `json:"crashed"`
	PID       int            `json:"pid,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Lines     int64          `json:"lines"`
	Usage     *metrics.Usage `json:"usage,omitempty"`
}

// Worker joins persisted metadata with live status.
type Worker struct {
	meta.Worker
	Script string `json:"script"`
	Status Status `json:"status"`
}

// CreateRequest describes a new worker.
type CreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	AutoRestart bool   `json:"auto_restart"`
	AccountID   string `json:"account_id,omitempty"`
}

// UpdateRequest changes selected fields; nil fields are left alone. New
// script content takes effect on the next start.
type UpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Content     *string `json:"content,omitempty"`
	AutoRestart *bool   `json:"auto_restart,omitempty"`
	AccountID   *string `json:"account_id,omitempty"`
}

// BootResult records what Boot did with one worker.
type BootResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Started bool   `json:"started"`
	PID     int    `json:"pid,omitempty"`
	Err     string `json:"error,omitempty"`
}

// BootReport lists the workers Boot tried to resume.
type BootReport struct {
	Results []BootResult `json:"results"`
}

// Started counts resumed workers.
func (r BootReport) Started() int {
	n := 0
	for _, res := range r.Results {
		if res.Started {
			n++
		}
	}
	return n
}

// newID returns the first 8 hex characters of a random UUID.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// validID accepts ids that are safe to use as a file name.
func validID(id string) error {
	if id == "" || len(id) > 64 {
		return fmt.Errorf("%w: bad worker id", ErrInvalid)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return fmt.Errorf("%w: bad worker id", ErrInvalid)
		}
	}
	return nil
}

// CreateWorker writes the script file and records its metadata.
func (s *Supervisor) CreateWorker(req CreateRequest) (Worker, error) {
	if s.closed.Load() {
		return Worker{}, ErrClosed
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Worker{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(req.Content) == "" {
		return Worker{}, fmt.Errorf("%w: content is required", ErrInvalid)
	}
	id := newID()
	path := s.ScriptPath(id)
	if err := os.WriteFile(path, []byte(req.Content), 0o640); err != nil {
		return Worker{}, fmt.Errorf("write script: %w", err)
	}
	w := meta.Worker{
		ID:          id,
		Name:        name,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
		AutoRestart: req.AutoRestart,
		AccountID:   req.AccountID,
	}
	if err := s.meta.Put(w); err != nil {
		_ = os.Remove(path)
		return Worker{}, fmt.Errorf("save metadata: %w", err)
	}
	s.log.Info("worker created", "worker", id, "name", name)
	return s.view(w, false), nil
}

// GetWorker returns metadata plus live status, including a resource
// usage sample when the worker is running.
func (s *Supervisor) GetWorker(id string) (Worker, error) {
	w, err := s.lookup(id)
	if err != nil {
		return Worker{}, err
	}
	return s.view(w, true), nil
}

// ListWorkers returns every known worker ordered by creation time.
func (s *Supervisor) ListWorkers() []Worker {
	ws := s.meta.List()
	out := make([]Worker, 0, len(ws))
	for _, w := range ws {
		out = append(out, s.view(w, false))
	}
	return out
}

// Status reports the live state of id.
func (s *Supervisor) Status(id string) (Status, error) {
	w, err := s.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return s.statusOf(w, true), nil
}

// ReadScript returns the current script content.
func (s *Supervisor) ReadScript(id string) (string, error) {
	if _, err := s.lookup(id); err != nil {
		return "", err
	}
	b, err := os.ReadFile(s.ScriptPath(id))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Supervisor) view(w meta.Worker, usage bool) Worker {
	return Worker{Worker: w, Script: s.ScriptPath(w.ID), Status: s.statusOf(w, usage)}
}

func (s *Supervisor) statusOf(w meta.Worker, usage bool) Status {
	st := Status{ID: w.ID, State: StateStopped, ExitCode: w.LastExitCode}
	snap, ok := s.reg.Snapshot(w.ID)
	if !ok {
		st.Crashed = w.WasRunning
		return st
	}
	started := snap.StartedAt
	st.PID, st.Lines, st.StartedAt = snap.PID, snap.Lines, &started
	if snap.State == process.StateRunning {
		st.State = StateRunning
		st.ExitCode = nil
		if usage {
			if u, err := metrics.SampleUsage(w.ID, snap.PID); err == nil {
				st.Usage = &u
			}
		}
		return st
	}
	st.ExitCode = snap.ExitCode
	st.Crashed = !snap.Stopping
	return st
}

// UpdateWorker applies req to id.
func (s *Supervisor) UpdateWorker(id string, req UpdateRequest) (Worker, error) {
	if _, err := s.lookup(id); err != nil {
		return Worker{}, err
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return Worker{}, fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if req.Content != nil {
		if strings.TrimSpace(*req.Content) == "" {
			return Worker{}, fmt.Errorf("%w: content cannot be empty", ErrInvalid)
		}
		if err := os.WriteFile(s.ScriptPath(id), []byte(*req.Content), 0o640); err != nil {
			return Worker{}, fmt.Errorf("write script: %w", err)
		}
	}
	w, err := s.meta.Update(id, func(w *meta.Worker) error {
		if req.Name != nil {
			w.Name = strings.TrimSpace(*req.Name)
		}
		if req.Description != nil {
			w.Description = *req.Description
		}
		if req.AutoRestart != nil {
			w.AutoRestart = *req.AutoRestart
		}
		if req.AccountID != nil {
			w.AccountID = *req.AccountID
		}
		return nil
	})
	if err != nil {
		return Worker{}, s.metaErr(id, err)
	}
	return s.view(w, false), nil
}

// ToggleAutoRestart flips the auto-restart flag and returns the new value.
func (s *Supervisor) ToggleAutoRestart(id string) (bool, error) {
	if _, err := s.lookup(id); err != nil {
		return false, err
	}
	w, err := s.meta.Update(id, func(w *meta.Worker) error {
		w.AutoRestart = !w.AutoRestart
		return nil
	})
	if err != nil {
		return false, s.metaErr(id, err)
	}
	return w.AutoRestart, nil
}

// DeleteWorker stops the worker if needed, then removes its script, logs
// and metadata.
func (s *Supervisor) DeleteWorker(id string) error {
	if _, err := s.lookup(id); err != nil {
		return err
	}
	if _, err := s.reg.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
		s.log.Warn("delete: stop failed", "worker", id, "error", err)
	}
	// the pump writes the exit line after the process is gone
	ctx, cancel := context.WithTimeout(context.Background(), pumpDrainTimeout)
	_ = s.pump.WaitWorker(ctx, id)
	cancel()
	var errs []error
	if err := os.Remove(s.ScriptPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := s.logs.Forget(id); err != nil {
		errs = append(errs, err)
	}
	if err := s.meta.Delete(id); err != nil && !errors.Is(err, meta.ErrNotFound) {
		errs = append(errs, err)
	}
	metrics.ForgetWorker(id)
	s.log.Info("worker deleted", "worker", id)
	return errors.Join(errs...)
}
