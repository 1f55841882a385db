package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/botkeeper/internal/detector"
	"github.com/loykin/botkeeper/internal/history"
	"github.com/loykin/botkeeper/internal/logstore"
	"github.com/loykin/botkeeper/internal/meta"
	"github.com/loykin/botkeeper/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopScript = "echo started\nwhile true; do sleep 0.05; done\n"

// chattyScript floods output between SIGTERM and its own exit.
const chattyScript = "trap 'seq 1 3000; exit 0' TERM\necho started\nwhile true; do sleep 0.05; done\n"

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types(worker string) []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.EventType
	for _, e := range m.events {
		if e.Worker == worker {
			out = append(out, e.Type)
		}
	}
	return out
}

type env struct {
	dir  string
	sink *memSink
}

func (e env) workersDir() string { return filepath.Join(e.dir, "workers") }
func (e env) metaPath() string   { return filepath.Join(e.dir, "meta", "workers.json") }

func newEnv(t *testing.T) env {
	t.Helper()
	return env{dir: t.TempDir(), sink: &memSink{}}
}

// open builds a Supervisor over the env's directories. Several
// supervisors may be opened in sequence to simulate restarts.
func (e env) open(t *testing.T) *Supervisor {
	t.Helper()
	logs, err := logstore.New(logstore.Options{Dir: filepath.Join(e.dir, "logs")})
	require.NoError(t, err)
	be, err := meta.NewJSONFile(e.metaPath())
	require.NoError(t, err)
	s, err := New(Options{
		WorkersDir:  e.workersDir(),
		ScriptExt:   "sh",
		Interpreter: []string{"/bin/sh"},
		Grace:       500 * time.Millisecond,
		Logs:        logs,
		Meta:        meta.NewBridge(be, nil),
		History:     history.NewRecorder(nil, e.sink),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func create(t *testing.T, s *Supervisor, name, content string) Worker {
	t.Helper()
	w, err := s.CreateWorker(CreateRequest{Name: name, Content: content, Description: name + " bot"})
	require.NoError(t, err)
	return w
}

func waitStopped(t *testing.T, s *Supervisor, id string) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = s.Status(id)
		return err == nil && st.State == StateStopped
	}, 5*time.Second, 20*time.Millisecond)
	return st
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{WorkersDir: t.TempDir()})
	assert.Error(t, err)
}

func TestCreateWorker(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)

	w := create(t, s, "grid", "echo hi\n")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), w.ID)
	assert.Equal(t, filepath.Join(e.workersDir(), w.ID+".sh"), w.Script)
	assert.Equal(t, StateStopped, w.Status.State)
	assert.False(t, w.CreatedAt.IsZero())

	content, err := s.ReadScript(w.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", content)

	list := s.ListWorkers()
	require.Len(t, list, 1)
	assert.Equal(t, "grid", list[0].Name)
	assert.Equal(t, "grid bot", list[0].Description)

	_, err = s.CreateWorker(CreateRequest{Name: " ", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.CreateWorker(CreateRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUnknownWorker(t *testing.T) {
	s := newEnv(t).open(t)
	for _, id := range []string{"deadbeef", "../etc/passwd", ""} {
		_, err := s.Start(id)
		assert.ErrorIs(t, err, ErrNotFound, id)
		_, err = s.Stop(id)
		assert.ErrorIs(t, err, ErrNotFound, id)
		_, err = s.Status(id)
		assert.ErrorIs(t, err, ErrNotFound, id)
		_, err = s.Logs(id, 10)
		assert.ErrorIs(t, err, ErrNotFound, id)
		assert.ErrorIs(t, s.DeleteWorker(id), ErrNotFound, id)
	}
}

func TestStart_Twice(t *testing.T) {
	s := newEnv(t).open(t)
	w := create(t, s, "a", loopScript)

	pid, err := s.Start(w.ID)
	require.NoError(t, err)
	assert.Positive(t, pid)

	_, err = s.Start(w.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, s.Registry().Running())
	assert.Equal(t, []string{w.ID}, s.Registry().IDs())

	st, err := s.Status(w.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, pid, st.PID)

	got, err := s.GetWorker(w.ID)
	require.NoError(t, err)
	assert.True(t, got.WasRunning)
	require.NotNil(t, got.LastStartedAt)
}

func TestStop_NotRunning(t *testing.T) {
	s := newEnv(t).open(t)
	w := create(t, s, "a", loopScript)

	_, err := s.Stop(w.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, s.Registry().IDs())
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)
	w := create(t, s, "a", loopScript)

	_, err := s.Start(w.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		entries, _ := s.Logs(w.ID, 0)
		for _, en := range entries {
			if en.Line == "started" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	outcome, err := s.Stop(w.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StopGraceful, outcome)

	st := waitStopped(t, s, w.ID)
	assert.False(t, st.Crashed)
	got, err := s.GetWorker(w.ID)
	require.NoError(t, err)
	assert.False(t, got.WasRunning)
	require.NotNil(t, got.LastStoppedAt)

	require.Eventually(t, func() bool {
		types := e.sink.types(w.ID)
		return len(types) == 3
	}, 3*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []history.EventType{history.EventStart, history.EventStop, history.EventExit}, e.sink.types(w.ID))
}

func TestSelfExitingWorker(t *testing.T) {
	s := newEnv(t).open(t)
	w := create(t, s, "short", "echo one\necho two\nexit 3\n")

	_, err := s.Start(w.ID)
	require.NoError(t, err)

	var entries []logstore.Entry
	require.Eventually(t, func() bool {
		entries, _ = s.Logs(w.ID, 0)
		return len(entries) > 0 && strings.HasPrefix(entries[len(entries)-1].Line, "process exited")
	}, 5*time.Second, 20*time.Millisecond)

	st := waitStopped(t, s, w.ID)
	assert.True(t, st.Crashed)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)

	terminal := 0
	var output []string
	for _, en := range entries {
		if en.System && strings.HasPrefix(en.Line, "process exited") {
			terminal++
			assert.Equal(t, "process exited with code 3", en.Line)
		}
		if !en.System {
			output = append(output, en.Line)
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, []string{"one", "two"}, output)

	require.Eventually(t, func() bool {
		got, _ := s.GetWorker(w.ID)
		return got.LastExitCode != nil && *got.LastExitCode == 3
	}, 3*time.Second, 20*time.Millisecond)
	got, _ := s.GetWorker(w.ID)
	assert.True(t, got.WasRunning, "a crash keeps the worker eligible for resume")

	// starting again evicts the exited entry
	_, err = s.Start(w.ID)
	require.NoError(t, err)
}

func TestSpawnErrorIsLogged(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)
	w := create(t, s, "a", "echo hi\n")
	require.NoError(t, os.Remove(w.Script))

	_, err := s.Start(w.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	entries, err := s.Logs(w.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.True(t, entries[len(entries)-1].System)
	assert.Contains(t, entries[len(entries)-1].Line, "failed to start")
	assert.Contains(t, e.sink.types(w.ID), history.EventSpawnError)
}

func TestConcurrentStartsOfDistinctWorkers(t *testing.T) {
	s := newEnv(t).open(t)
	a := create(t, s, "a", loopScript)
	b := create(t, s, "b", loopScript)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Start(id)
		}()
	}
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 2, s.Registry().Running())
}

func TestRestart(t *testing.T) {
	s := newEnv(t).open(t)
	w := create(t, s, "a", loopScript)

	pid1, err := s.Restart(w.ID)
	require.NoError(t, err)
	pid2, err := s.Restart(w.ID)
	require.NoError(t, err)
	assert.NotEqual(t, pid1, pid2)
	assert.Equal(t, 1, s.Registry().Running())
}

func waitOutput(t *testing.T, s *Supervisor, id, line string) {
	t.Helper()
	require.Eventually(t, func() bool {
		entries, _ := s.Logs(id, 0)
		for _, en := range entries {
			if !en.System && en.Line == line {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRestart_ChattyWorker(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)
	w := create(t, s, "chatty", chattyScript)
	pf := detector.PIDFile{Path: filepath.Join(e.workersDir(), ".run", w.ID+".pid")}

	_, err := s.Start(w.ID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		waitOutput(t, s, w.ID, "started")
		pid, err := s.Restart(w.ID)
		require.NoError(t, err)

		// the previous run's reader has finished before the new run starts
		time.Sleep(300 * time.Millisecond)
		got, _, err := pf.Read()
		require.NoError(t, err, "pidfile of the new run")
		assert.Equal(t, pid, got)

		entries, err := s.Logs(w.ID, 0)
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.True(t, entries[0].System)
		assert.True(t, strings.HasPrefix(entries[0].Line, "process started"), entries[0].Line)
		for _, en := range entries {
			assert.False(t, en.System && strings.HasPrefix(en.Line, "process exited"),
				"exit line of the previous run after the restart: %q", en.Line)
		}
	}
}

func TestShutdown_FlushesLogs(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)
	ws := []Worker{create(t, s, "a", chattyScript), create(t, s, "b", chattyScript)}
	for _, w := range ws {
		_, err := s.Start(w.ID)
		require.NoError(t, err)
	}
	for _, w := range ws {
		waitOutput(t, s, w.ID, "started")
	}
	require.NoError(t, s.Shutdown())

	for _, w := range ws {
		b, err := os.ReadFile(filepath.Join(e.dir, "logs", w.ID+".log"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
		assert.Contains(t, lines[len(lines)-1], "process exited with code 0", w.ID)
		assert.Contains(t, string(b), "] 3000\n", w.ID)
	}
}

func TestSelfExit_BackgroundChild(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)
	w := create(t, s, "forker", "sleep 30 &\necho parent-exiting\nexit 3\n")

	_, err := s.Start(w.ID)
	require.NoError(t, err)

	var entries []logstore.Entry
	require.Eventually(t, func() bool {
		entries, _ = s.Logs(w.ID, 0)
		return len(entries) > 0 && entries[len(entries)-1].Line == "process exited with code 3"
	}, 3*time.Second, 20*time.Millisecond)
	st := waitStopped(t, s, w.ID)
	assert.True(t, st.Crashed)

	require.Eventually(t, func() bool {
		got, _ := s.GetWorker(w.ID)
		return got.LastExitCode != nil && *got.LastExitCode == 3
	}, 3*time.Second, 20*time.Millisecond)
	_, err = os.Stat(filepath.Join(e.workersDir(), ".run", w.ID+".pid"))
	assert.True(t, os.IsNotExist(err), "pidfile removed after exit")

	terminal := 0
	for _, en := range entries {
		if en.System && strings.HasPrefix(en.Line, "process exited") {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestBootReconciliation(t *testing.T) {
	e := newEnv(t)
	s1 := e.open(t)
	w1 := create(t, s1, "w1", loopScript)
	w2 := create(t, s1, "w2", loopScript)
	w3 := create(t, s1, "w3", loopScript)
	_, err := s1.UpdateWorker(w2.ID, UpdateRequest{AutoRestart: ptr(true)})
	require.NoError(t, err)
	_, err = s1.Start(w1.ID)
	require.NoError(t, err)
	require.NoError(t, s1.Shutdown())
	assert.Equal(t, 0, s1.Registry().Running())

	s2 := e.open(t)
	rep, err := s2.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Started())

	for _, id := range []string{w1.ID, w2.ID} {
		st, err := s2.Status(id)
		require.NoError(t, err)
		assert.Equal(t, StateRunning, st.State, id)
		got, _ := s2.GetWorker(id)
		assert.True(t, got.WasRunning, id)
	}
	st, err := s2.Status(w3.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 2, s2.Registry().Running())
}

func TestBoot_MissingScript(t *testing.T) {
	e := newEnv(t)
	s1 := e.open(t)
	w := create(t, s1, "gone", loopScript)
	_, err := s1.ToggleAutoRestart(w.ID)
	require.NoError(t, err)
	_, err = s1.Start(w.ID)
	require.NoError(t, err)
	require.NoError(t, s1.Shutdown())
	require.NoError(t, os.Remove(w.Script))

	s2 := e.open(t)
	rep, err := s2.Boot(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.False(t, rep.Results[0].Started)
	assert.Equal(t, "script missing", rep.Results[0].Err)
	assert.Equal(t, 0, s2.Registry().Running())
	got, err := s2.meta.Get(w.ID)
	require.NoError(t, err)
	assert.False(t, got.WasRunning)
	assert.True(t, got.AutoRestart)
}

func TestShutdown_Idempotent(t *testing.T) {
	s := newEnv(t).open(t)
	w := create(t, s, "a", loopScript)
	_, err := s.Start(w.ID)
	require.NoError(t, err)

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
	assert.Equal(t, 0, s.Registry().Running())

	_, err = s.Start(w.ID)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.CreateWorker(CreateRequest{Name: "late", Content: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUpdateAndToggle(t *testing.T) {
	s := newEnv(t).open(t)
	w := create(t, s, "a", "echo v1\n")

	on, err := s.ToggleAutoRestart(w.ID)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = s.ToggleAutoRestart(w.ID)
	require.NoError(t, err)
	assert.False(t, on)

	got, err := s.UpdateWorker(w.ID, UpdateRequest{
		Name:      ptr("renamed"),
		Content:   ptr("echo v2\n"),
		AccountID: ptr("acct-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, "a bot", got.Description)

	content, err := s.ReadScript(w.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo v2\n", content)

	_, err = s.UpdateWorker(w.ID, UpdateRequest{Name: ptr("")})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.UpdateWorker(w.ID, UpdateRequest{Content: ptr("  ")})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLogsAndClear(t *testing.T) {
	s := newEnv(t).open(t)
	a := create(t, s, "a", "echo a1\necho a2\n")
	b := create(t, s, "b", "echo b1\n")
	for _, id := range []string{a.ID, b.ID} {
		_, err := s.Start(id)
		require.NoError(t, err)
		waitStopped(t, s, id)
	}
	require.Eventually(t, func() bool {
		entries, _ := s.Logs(a.ID, 0)
		return len(entries) >= 4
	}, 3*time.Second, 20*time.Millisecond)

	entries, err := s.Logs(a.ID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.ClearLogs(a.ID))
	entries, _ = s.Logs(a.ID, 0)
	assert.Empty(t, entries)
	entries, _ = s.Logs(b.ID, 0)
	assert.NotEmpty(t, entries)

	require.NoError(t, s.ClearAllLogs())
	entries, _ = s.Logs(b.ID, 0)
	assert.Empty(t, entries)

	s.logs.AppendSystem(b.ID, "note")
	s.RotateLogs()
	entries, _ = s.Logs(b.ID, 0)
	assert.Empty(t, entries)
}

func TestDeleteRunningWorker(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)
	w := create(t, s, "a", loopScript)
	_, err := s.Start(w.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteWorker(w.ID))
	assert.Equal(t, 0, s.Registry().Running())
	_, err = os.Stat(w.Script)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(e.dir, "logs", w.ID+".log"))
	assert.True(t, os.IsNotExist(err))
	_, err = s.GetWorker(w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s.ListWorkers())
}

func TestBootReport_Started(t *testing.T) {
	r := BootReport{Results: []BootResult{{Started: true}, {}, {Started: true}}}
	assert.Equal(t, 2, r.Started())
}

func TestValidID(t *testing.T) {
	assert.NoError(t, validID(newID()))
	assert.NoError(t, validID("bot_1-a"))
	assert.ErrorIs(t, validID("a/b"), ErrInvalid)
	assert.ErrorIs(t, validID(".."), ErrInvalid)
	assert.ErrorIs(t, validID(strings.Repeat("a", 65)), ErrInvalid)
}

func ptr[T any](v T) *T { return &v }

func TestBoot_ReapsOrphan(t *testing.T) {
	e := newEnv(t)
	s1 := e.open(t)
	w := create(t, s1, "orphaned", loopScript)
	pid, err := s1.Start(w.ID)
	require.NoError(t, err)
	pf := detector.PIDFile{Path: filepath.Join(e.workersDir(), ".run", w.ID+".pid")}
	got, _, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, pid, got)
	require.NoError(t, s1.Shutdown())

	// A worker left behind by a daemon that died without stopping it.
	orphan := exec.Command("/bin/sh", "-c", "sleep 30")
	orphan.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	require.NoError(t, orphan.Start())
	exited := make(chan struct{})
	go func() { _ = orphan.Wait(); close(exited) }()
	t.Cleanup(func() { _ = syscall.Kill(-orphan.Process.Pid, syscall.SIGKILL) })
	require.NoError(t, pf.Write(orphan.Process.Pid))

	s2 := e.open(t)
	rep, err := s2.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Started())

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("orphan still running after boot")
	}
	st, err := s2.Status(w.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.NotEqual(t, orphan.Process.Pid, st.PID)

	var details []string
	e.sink.mu.Lock()
	for _, ev := range e.sink.events {
		if ev.Worker == w.ID && ev.Type == history.EventStop {
			details = append(details, ev.Detail)
		}
	}
	e.sink.mu.Unlock()
	assert.Contains(t, details, "orphan")
}
