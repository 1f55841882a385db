//go:build !windows

package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"
)

// startGroup starts a sleeping shell in its own process group and reaps it
// in the background, like init would for an orphan.
func startGroup(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) })
	return cmd.Process.Pid
}

func TestPIDFile_WriteReadAlive(t *testing.T) {
	pid := startGroup(t)
	d, err := NewDir(filepath.Join(t.TempDir(), "run"))
	if err != nil {
		t.Fatal(err)
	}
	pf := d.For("w1")
	if err := pf.Write(pid); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, _, err := pf.Read()
	if err != nil || got != pid {
		t.Fatalf("read = %d, %v; want %d", got, err, pid)
	}
	alive, gotPID, err := pf.Alive()
	if err != nil || !alive || gotPID != pid {
		t.Fatalf("alive = %v %d %v", alive, gotPID, err)
	}
	ids, err := d.IDs()
	if err != nil || len(ids) != 1 || ids[0] != "w1" {
		t.Fatalf("ids = %v, %v", ids, err)
	}

	if err := pf.Remove(); err != nil {
		t.Fatal(err)
	}
	if err := pf.Remove(); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if alive, _, err := pf.Alive(); alive || err != nil {
		t.Fatalf("missing pidfile: alive=%v err=%v", alive, err)
	}
}

func TestPIDFile_ReusedPID(t *testing.T) {
	pid := startGroup(t)
	start := procStartMs(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	pf := PIDFile{Path: filepath.Join(t.TempDir(), "w.pid")}
	content := strconv.Itoa(pid) + "\n" + `{"start_unix_ms":` + strconv.FormatInt(start-60_000, 10) + "}\n"
	if err := os.WriteFile(pf.Path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	alive, _, err := pf.Alive()
	if err != nil {
		t.Fatal(err)
	}
	if alive {
		t.Fatal("a pid with a different start time must not count as alive")
	}
}

func TestPIDFile_RemoveIfPID(t *testing.T) {
	pf := PIDFile{Path: filepath.Join(t.TempDir(), "w.pid")}
	if err := pf.RemoveIfPID(42); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if err := pf.Write(os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := pf.RemoveIfPID(os.Getpid() + 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pf.Path); err != nil {
		t.Fatalf("pidfile of another run was removed: %v", err)
	}
	if err := pf.RemoveIfPID(os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pf.Path); !os.IsNotExist(err) {
		t.Fatalf("pidfile still present: %v", err)
	}
}

func TestPIDFile_Invalid(t *testing.T) {
	pf := PIDFile{Path: filepath.Join(t.TempDir(), "bad.pid")}
	if err := os.WriteFile(pf.Path, []byte("abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := pf.Alive(); err == nil {
		t.Fatal("expected an error for a malformed pidfile")
	}
}

func TestTerminate(t *testing.T) {
	pid := startGroup(t)
	start := time.Now()
	if err := Terminate(pid, time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatalf("sleep should end on SIGTERM, took %v", time.Since(start))
	}
	if pidAlive(pid) {
		t.Fatal("process still alive")
	}
	// already gone
	if err := Terminate(pid, time.Second); err != nil {
		t.Fatalf("terminate gone process: %v", err)
	}
}
