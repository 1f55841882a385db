// Package group runs start and stop over a set of workers, such as every
// worker trading on one account.
package group

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/botkeeper/internal/process"
	"github.com/loykin/botkeeper/internal/supervisor"
)

// stopParallelism bounds concurrent stops; each may hold for the grace
// window.
const stopParallelism = 8

// Controller is the part of the supervisor a Group drives.
type Controller interface {
	Start(id string) (int, error)
	Stop(id string) (process.StopOutcome, error)
	ListWorkers() []supervisor.Worker
}

// Result is the outcome for one member.
type Result struct {
	ID      string `json:"id"`
	PID     int    `json:"pid,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Err     string `json:"error,omitempty"`
}

type Group struct {
	ctl Controller
}

func New(ctl Controller) *Group { return &Group{ctl: ctl} }

// ForAccount returns the ids of workers bound to accountID.
func (g *Group) ForAccount(accountID string) []string {
	var ids []string
	for _, w := range g.ctl.ListWorkers() {
		if w.AccountID == accountID {
			ids = append(ids, w.ID)
		}
	}
	return ids
}

// Start starts members in order. Members already running count as
// started. If one fails, members started by this call are stopped again
// in reverse order and the error is returned.
func (g *Group) Start(ctx context.Context, ids []string) ([]Result, error) {
	res := make([]Result, 0, len(ids))
	var started []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			g.rollback(started)
			return res, err
		}
		pid, err := g.ctl.Start(id)
		switch {
		case err == nil:
			started = append(started, id)
			res = append(res, Result{ID: id, PID: pid})
		case errors.Is(err, supervisor.ErrAlreadyRunning):
			res = append(res, Result{ID: id, Outcome: "already_running"})
		default:
			g.rollback(started)
			res = append(res, Result{ID: id, Err: err.Error()})
			return res, fmt.Errorf("group start failed on %s: %w", id, err)
		}
	}
	return res, nil
}

func (g *Group) rollback(started []string) {
	for i := len(started) - 1; i >= 0; i-- {
		_, _ = g.ctl.Stop(started[i])
	}
}

// Stop stops every member concurrently. Members that were not running are
// reported, not treated as failures. The first real error is returned
// after all members were tried.
func (g *Group) Stop(ctx context.Context, ids []string) ([]Result, error) {
	res := make([]Result, len(ids))
	var eg errgroup.Group
	eg.SetLimit(stopParallelism)
	for i, id := range ids {
		res[i].ID = id
		eg.Go(func() error {
			if ctx.Err() != nil {
				res[i].Err = ctx.Err().Error()
				return nil
			}
			outcome, err := g.ctl.Stop(id)
			switch {
			case err == nil:
				res[i].Outcome = outcome.String()
			case errors.Is(err, supervisor.ErrNotRunning):
				res[i].Outcome = "not_running"
			default:
				res[i].Err = err.Error()
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	return res, eg.Wait()
}
