//go:build !windows

// Package detector records the pid of every running worker on disk so a
// restarted daemon can find processes that outlived its predecessor.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const ext = ".pid"

// killWait bounds how long Terminate waits after SIGKILL.
const killWait = 2 * time.Second

// Dir holds one pidfile per running worker.
type Dir struct {
	path string
}

// NewDir creates path if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("detector: create run dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// For returns the pidfile of one worker.
func (d *Dir) For(id string) PIDFile {
	return PIDFile{Path: filepath.Join(d.path, id+ext)}
}

// IDs lists the workers that have a pidfile.
func (d *Dir) IDs() ([]string, error) {
	ents, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range ents {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ext) {
			ids = append(ids, strings.TrimSuffix(e.Name(), ext))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PIDFile stores a pid with the process start time so a reused pid is not
// mistaken for the original process.
type PIDFile struct {
	Path string
}

type pidMeta struct {
	StartUnixMs int64 `json:"start_unix_ms"`
}

// Write records pid. The start time is best effort.
func (p PIDFile) Write(pid int) error {
	m, _ := json.Marshal(pidMeta{StartUnixMs: procStartMs(pid)})
	content := strconv.Itoa(pid) + "\n" + string(m) + "\n"
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.Path)
}

// Read returns the recorded pid and start time (0 when unknown).
func (p PIDFile) Read() (pid int, startMs int64, err error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("invalid pid in %s", p.Path)
	}
	if len(lines) > 1 {
		var m pidMeta
		if json.Unmarshal([]byte(lines[1]), &m) == nil {
			startMs = m.StartUnixMs
		}
	}
	return pid, startMs, nil
}

// Remove deletes the pidfile; a missing file is not an error.
func (p PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveIfPID deletes the pidfile only while it still records pid, so a
// finished run does not remove the file of the run that replaced it.
func (p PIDFile) RemoveIfPID(pid int) error {
	got, _, err := p.Read()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && got != pid {
		return nil
	}
	return p.Remove()
}

// Alive reports whether the recorded process still runs. A missing file
// is not alive; a pid whose start time differs has been reused.
func (p PIDFile) Alive() (bool, int, error) {
	pid, startMs, err := p.Read()
	if errors.Is(err, fs.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if !pidAlive(pid) {
		return false, pid, nil
	}
	if startMs > 0 {
		if cur := procStartMs(pid); cur > 0 && absDiff(cur, startMs) > 1000 {
			return false, pid, nil
		}
	}
	return true, pid, nil
}

func (p PIDFile) Describe() string { return "pidfile:" + p.Path }

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// pidAlive returns true if a process with given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func procStartMs(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}

// Terminate signals the process group led by pid with SIGTERM, then
// SIGKILL once grace has passed. Workers are session leaders, so the
// group id equals the pid.
func Terminate(pid int, grace time.Duration) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("sigterm %d: %w", pid, err)
	}
	if waitGone(pid, grace) {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("sigkill %d: %w", pid, err)
	}
	if waitGone(pid, killWait) {
		return nil
	}
	return fmt.Errorf("process %d survived SIGKILL", pid)
}

// waitGone polls until pid disappears. An orphan's parent is init, which
// reaps it, so kill(pid, 0) eventually fails.
func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !pidAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}
