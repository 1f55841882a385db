package group

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botkeeper/internal/meta"
	"github.com/loykin/botkeeper/internal/process"
	"github.com/loykin/botkeeper/internal/supervisor"
)

type fakeCtl struct {
	mu       sync.Mutex
	running  map[string]bool
	failOn   string
	workers  []supervisor.Worker
	stopped  []string
}

func newFake(workers ...meta.Worker) *fakeCtl {
	f := &fakeCtl{running: map[string]bool{}}
	for _, w := range workers {
		f.workers = append(f.workers, supervisor.Worker{Worker: w})
	}
	return f
}

func (f *fakeCtl) Start(id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failOn {
		return 0, errors.New("spawn failed")
	}
	if f.running[id] {
		return 0, supervisor.ErrAlreadyRunning
	}
	f.running[id] = true
	return 100 + len(f.running), nil
}

func (f *fakeCtl) Stop(id string) (process.StopOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return process.StopAlreadyExited, supervisor.ErrNotRunning
	}
	delete(f.running, id)
	f.stopped = append(f.stopped, id)
	return process.StopGraceful, nil
}

func (f *fakeCtl) ListWorkers() []supervisor.Worker { return f.workers }

func TestForAccount(t *testing.T) {
	g := New(newFake(
		meta.Worker{ID: "a", AccountID: "acc1"},
		meta.Worker{ID: "b", AccountID: "acc2"},
		meta.Worker{ID: "c", AccountID: "acc1"},
	))
	assert.Equal(t, []string{"a", "c"}, g.ForAccount("acc1"))
	assert.Empty(t, g.ForAccount("nope"))
}

func TestStart_AlreadyRunningCounts(t *testing.T) {
	f := newFake()
	f.running["b"] = true
	res, err := New(f).Start(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.NotZero(t, res[0].PID)
	assert.Equal(t, "already_running", res[1].Outcome)
}

func TestStart_RollsBack(t *testing.T) {
	f := newFake()
	f.running["pre"] = true
	f.failOn = "c"
	res, err := New(f).Start(context.Background(), []string{"pre", "a", "b", "c", "d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c")
	assert.Equal(t, []string{"b", "a"}, f.stopped, "started members are stopped in reverse order")
	assert.True(t, f.running["pre"], "members running before the call are left alone")
	assert.Equal(t, "spawn failed", res[len(res)-1].Err)
}

func TestStop(t *testing.T) {
	f := newFake()
	for _, id := range []string{"a", "b", "c"} {
		f.running[id] = true
	}
	res, err := New(f).Stop(context.Background(), []string{"a", "b", "c", "idle"})
	require.NoError(t, err)
	require.Len(t, res, 4)
	assert.Equal(t, "graceful", res[0].Outcome)
	assert.Equal(t, "not_running", res[3].Outcome)
	assert.Empty(t, f.running)
}

func TestStop_CancelledContext(t *testing.T) {
	f := newFake()
	f.running["a"] = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := New(f).Stop(ctx, []string{"a"})
	require.NoError(t, err)
	assert.NotEmpty(t, res[0].Err)
	assert.True(t, f.running["a"])
}
