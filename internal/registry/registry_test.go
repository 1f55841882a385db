package registry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/botkeeper/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	lines  map[string][]string
	resets map[string]int
}

func newMemSink() *memSink {
	return &memSink{lines: map[string][]string{}, resets: map[string]int{}}
}

func (s *memSink) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[id]++
	s.lines[id] = nil
}

func (s *memSink) AppendSystem(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[id] = append(s.lines[id], msg)
}

func (s *memSink) get(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines[id]...)
}

// dirResolver resolves ids to <dir>/<id>.sh run by /bin/sh. Ids without a
// file are unknown.
func dirResolver(dir string) Resolver {
	return func(id string) (process.Spec, error) {
		p := filepath.Join(dir, id+".sh")
		if _, err := os.Stat(p); err != nil {
			return process.Spec{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return process.Spec{ID: id, Script: p, Interpreter: []string{"/bin/sh"}, WorkDir: dir}, nil
	}
}

func newTestRegistry(t *testing.T, scripts map[string]string) (*Registry, *memSink, string) {
	t.Helper()
	dir := t.TempDir()
	for id, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".sh"), []byte(body), 0o700))
	}
	sink := newMemSink()
	r, err := New(Options{Resolve: dirResolver(dir), Logs: sink, Grace: 500 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(r.ShutdownAll)
	return r, sink, dir
}

func drain(h *process.Handle) {
	go func() {
		_, _ = io.Copy(io.Discard, h.Output())
		_ = h.Output().Close()
	}()
}

const loop = "while true; do sleep 0.05; done\n"

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Options{Logs: newMemSink()})
	assert.Error(t, err)
	_, err = New(Options{Resolve: dirResolver(t.TempDir())})
	assert.Error(t, err)
}

func TestStart_Twice(t *testing.T) {
	r, sink, _ := newTestRegistry(t, map[string]string{"a": loop})

	h, err := r.Start("a")
	require.NoError(t, err)
	drain(h)
	assert.Equal(t, Running, r.Status("a"))
	assert.Equal(t, 1, sink.resets["a"])

	_, err = r.Start("a")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, r.Running())
	assert.Same(t, h, r.Handle("a"))
}

func TestStart_UnknownID(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	_, err := r.Start("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.IDs())
}

func TestStart_SpawnError(t *testing.T) {
	dir := t.TempDir()
	sink := newMemSink()
	r, err := New(Options{
		Resolve: func(id string) (process.Spec, error) {
			return process.Spec{ID: id, Script: filepath.Join(dir, "missing.py"), Interpreter: []string{"python3"}}, nil
		},
		Logs: sink,
	})
	require.NoError(t, err)

	_, err = r.Start("x")
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "x", se.ID)
	assert.Equal(t, Stopped, r.Status("x"))
	lines := sink.get("x")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "failed to start"))
}

func TestStart_EvictsExitedEntry(t *testing.T) {
	r, _, _ := newTestRegistry(t, map[string]string{"a": "exit 3\n"})
	h1, err := r.Start("a")
	require.NoError(t, err)
	drain(h1)
	<-h1.Done()
	assert.Equal(t, Stopped, r.Status("a"))

	st, ok := r.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, process.StateExited, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)

	h2, err := r.Start("a")
	require.NoError(t, err)
	drain(h2)
	assert.NotSame(t, h1, h2)
}

func TestStop_NotRunning(t *testing.T) {
	r, _, _ := newTestRegistry(t, map[string]string{"a": loop})
	_, err := r.Stop("a")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, Stopped, r.Status("a"))
}

func TestStop_ExitedEntryIsNotRunning(t *testing.T) {
	r, _, _ := newTestRegistry(t, map[string]string{"a": "true\n"})
	h, err := r.Start("a")
	require.NoError(t, err)
	drain(h)
	<-h.Done()

	_, err = r.Stop("a")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, ok := r.Snapshot("a")
	assert.False(t, ok)
}

func TestStop_Graceful(t *testing.T) {
	r, sink, _ := newTestRegistry(t, map[string]string{"a": loop})
	h, err := r.Start("a")
	require.NoError(t, err)
	drain(h)

	outcome, err := r.Stop("a")
	require.NoError(t, err)
	assert.Equal(t, process.StopGraceful, outcome)
	assert.Equal(t, Stopped, r.Status("a"))
	assert.Nil(t, r.Handle("a"))
	assert.Contains(t, sink.get("a"), "process stopped gracefully")
}

func TestStop_Killed(t *testing.T) {
	r, sink, _ := newTestRegistry(t, map[string]string{"a": "trap '' TERM\n" + loop})
	h, err := r.Start("a")
	require.NoError(t, err)
	drain(h)
	time.Sleep(100 * time.Millisecond)

	outcome, err := r.Stop("a")
	require.NoError(t, err)
	assert.Equal(t, process.StopKilled, outcome)
	lines := sink.get("a")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "killed")
}

func TestStart_ConcurrentSameID(t *testing.T) {
	r, _, _ := newTestRegistry(t, map[string]string{"a": loop})

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Start("a")
			if err == nil {
				drain(h)
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok, already := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrAlreadyRunning):
			already++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)
	assert.Equal(t, 1, r.Running())
}

func TestStart_ConcurrentDistinctIDs(t *testing.T) {
	scripts := map[string]string{}
	for i := range 6 {
		scripts[fmt.Sprintf("w%d", i)] = loop
	}
	r, _, _ := newTestRegistry(t, scripts)

	var wg sync.WaitGroup
	for id := range scripts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Start(id)
			if assert.NoError(t, err) {
				drain(h)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, len(scripts), r.Running())
	assert.Len(t, r.IDs(), len(scripts))
}

func TestShutdownAll(t *testing.T) {
	r, _, _ := newTestRegistry(t, map[string]string{"a": loop, "b": loop, "c": "true\n"})
	for _, id := range []string{"a", "b", "c"} {
		h, err := r.Start(id)
		require.NoError(t, err)
		drain(h)
	}

	r.ShutdownAll()
	assert.Equal(t, 0, r.Running())
	assert.Empty(t, r.IDs())
}
