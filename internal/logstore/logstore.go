package logstore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/botkeeper/internal/metrics"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultBufferSize is how many recent entries each worker keeps in memory.
	DefaultBufferSize = 500
	// DefaultMaxFileSizeMB caps a single worker log file before lumberjack
	// moves it aside. The daily wipe removes the backups as well.
	DefaultMaxFileSizeMB = 100

	fileExt        = ".log"
	rotationMarker = ".last-rotation"
	timeLayout     = "2006-01-02 15:04:05"
	dateLayout     = "2006-01-02"
	systemTag      = "[SYSTEM] "
)

// Entry is one captured output line.
type Entry struct {
	Time   time.Time `json:"time"`
	Line   string    `json:"line"`
	System bool      `json:"system,omitempty"`
}

// String renders the entry the way it is written to disk.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(e.Time.Format(timeLayout))
	b.WriteString("] ")
	if e.System {
		b.WriteString(systemTag)
	}
	b.WriteString(e.Line)
	return b.String()
}

// parseEntry is the inverse of Entry.String. Lines that do not carry a
// timestamp prefix are returned verbatim with a zero time.
func parseEntry(s string) Entry {
	n := len(timeLayout)
	if len(s) >= n+3 && s[0] == '[' && s[n+1] == ']' && s[n+2] == ' ' {
		if ts, err := time.ParseInLocation(timeLayout, s[1:n+1], time.Local); err == nil {
			rest := s[n+3:]
			e := Entry{Time: ts, Line: rest}
			if strings.HasPrefix(rest, systemTag) {
				e.System = true
				e.Line = rest[len(systemTag):]
			}
			return e
		}
	}
	return Entry{Line: s}
}

// Options configures a Store.
type Options struct {
	Dir           string
	BufferSize    int
	MaxFileSizeMB int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Store keeps a bounded in-memory buffer per worker and mirrors every entry
// to an append-only file. The file is the source of truth; the buffer is a
// fast path lost on restart.
type Store struct {
	dir     string
	size    int
	maxSize int
	now     func() time.Time
	log     *slog.Logger

	mu      sync.Mutex
	workers map[string]*workerLog
	lastDay string
}

type workerLog struct {
	mu  sync.Mutex
	buf *ring
	w   *lj.Logger
}

// New creates the log directory if needed and loads the last rotation date.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("logstore: empty dir")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("logstore: create dir: %w", err)
	}
	s := &Store{
		dir:     opts.Dir,
		size:    opts.BufferSize,
		maxSize: opts.MaxFileSizeMB,
		now:     opts.Now,
		log:     opts.Logger,
		workers: make(map[string]*workerLog),
	}
	if s.size <= 0 {
		s.size = DefaultBufferSize
	}
	if s.maxSize <= 0 {
		s.maxSize = DefaultMaxFileSizeMB
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.lastDay = s.readMarker()
	if s.lastDay == "" {
		s.lastDay = s.now().Format(dateLayout)
		s.writeMarker(s.lastDay)
	}
	return s, nil
}

// Path returns the log file path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func (s *Store) worker(id string) *workerLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	wl := s.workers[id]
	if wl == nil {
		wl = &workerLog{buf: newRing(s.size)}
		s.workers[id] = wl
	}
	return wl
}

func (s *Store) lookup(id string) *workerLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

// Append records an output line for id.
func (s *Store) Append(id, line string) {
	s.append(id, Entry{Time: s.now(), Line: line})
}

// AppendSystem records a supervisor-generated line for id.
func (s *Store) AppendSystem(id, msg string) {
	s.append(id, Entry{Time: s.now(), Line: msg, System: true})
}

func (s *Store) append(id string, e Entry) {
	wl := s.worker(id)
	wl.mu.Lock()
	defer wl.mu.Unlock()
	wl.buf.push(e)
	if wl.w == nil {
		wl.w = &lj.Logger{Filename: s.Path(id), MaxSize: s.maxSize}
	}
	// memory copy is kept even when the disk write fails
	if _, err := wl.w.Write([]byte(e.String() + "\n")); err != nil {
		s.log.Warn("log file write failed", "worker", id, "error", err)
	}
}

// Read returns up to limit most recent entries for id, oldest first. The
// in-memory buffer is used when it holds anything; otherwise the tail of the
// file is read. limit <= 0 means the buffer size.
func (s *Store) Read(id string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = s.size
	}
	if wl := s.lookup(id); wl != nil {
		wl.mu.Lock()
		entries := wl.buf.last(limit)
		wl.mu.Unlock()
		if len(entries) > 0 {
			return entries, nil
		}
	}
	return s.readTail(id, limit)
}

func (s *Store) readTail(id string, limit int) ([]Entry, error) {
	f, err := os.Open(s.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	tail := newRing(limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			tail.push(parseEntry(line))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tail.last(limit), nil
}

// Reset empties the in-memory buffer for id, leaving the file untouched.
func (s *Store) Reset(id string) {
	if wl := s.lookup(id); wl != nil {
		wl.mu.Lock()
		wl.buf.clear()
		wl.mu.Unlock()
	}
}

// Clear empties the buffer and truncates the file for id.
func (s *Store) Clear(id string) error {
	wl := s.worker(id)
	wl.mu.Lock()
	defer wl.mu.Unlock()
	wl.buf.clear()
	return s.truncateLocked(id, wl)
}

// ClearAll empties every buffer and truncates every log file.
func (s *Store) ClearAll() error {
	ids := s.knownIDs()
	var errs []error
	for _, id := range ids {
		if err := s.Clear(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Forget drops all state for id and removes its file. Used when a worker is
// deleted.
func (s *Store) Forget(id string) error {
	s.mu.Lock()
	wl := s.workers[id]
	delete(s.workers, id)
	s.mu.Unlock()
	if wl != nil {
		wl.mu.Lock()
		if wl.w != nil {
			_ = wl.w.Close()
			wl.w = nil
		}
		wl.mu.Unlock()
	}
	return removeIfExists(s.Path(id))
}

func (s *Store) truncateLocked(id string, wl *workerLog) error {
	if wl.w != nil {
		_ = wl.w.Close()
		wl.w = nil
	}
	err := os.Truncate(s.Path(id), 0)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// knownIDs lists ids that have a buffer or a log file.
func (s *Store) knownIDs() []string {
	seen := make(map[string]struct{})
	s.mu.Lock()
	for id := range s.workers {
		seen[id] = struct{}{}
	}
	s.mu.Unlock()
	matches, _ := filepath.Glob(filepath.Join(s.dir, "*"+fileExt))
	for _, m := range matches {
		seen[strings.TrimSuffix(filepath.Base(m), fileExt)] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// RotateIfNewDay wipes all log data when the local date has advanced since
// the last rotation. It reports whether a rotation happened.
func (s *Store) RotateIfNewDay() bool {
	today := s.now().Format(dateLayout)
	s.mu.Lock()
	if today == s.lastDay {
		s.mu.Unlock()
		return false
	}
	s.rotateLocked(today)
	return true
}

// Rotate wipes all log data now regardless of the date.
func (s *Store) Rotate() {
	s.mu.Lock()
	s.rotateLocked(s.now().Format(dateLayout))
}

// rotateLocked is entered with s.mu held and releases it.
func (s *Store) rotateLocked(today string) {
	s.lastDay = today
	workers := make(map[string]*workerLog, len(s.workers))
	for id, wl := range s.workers {
		workers[id] = wl
	}
	s.mu.Unlock()

	for _, wl := range workers {
		wl.mu.Lock()
		wl.buf.clear()
		if wl.w != nil {
			_ = wl.w.Close()
			wl.w = nil
		}
		wl.mu.Unlock()
	}
	// includes lumberjack backups (<id>-<timestamp>.log) and files of
	// workers this process never touched
	matches, _ := filepath.Glob(filepath.Join(s.dir, "*"+fileExt))
	for _, m := range matches {
		if err := removeIfExists(m); err != nil {
			s.log.Warn("log rotation: remove failed", "file", m, "error", err)
		}
	}
	s.writeMarker(today)
	metrics.IncLogRotation()
	s.log.Info("worker logs rotated", "date", today, "files", len(matches))
}

// Close releases all open file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, wl := range s.workers {
		wl.mu.Lock()
		if wl.w != nil {
			if err := wl.w.Close(); err != nil {
				errs = append(errs, err)
			}
			wl.w = nil
		}
		wl.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (s *Store) readMarker() string {
	b, err := os.ReadFile(filepath.Join(s.dir, rotationMarker))
	if err != nil {
		return ""
	}
	day := strings.TrimSpace(string(b))
	if _, err := time.Parse(dateLayout, day); err != nil {
		return ""
	}
	return day
}

func (s *Store) writeMarker(day string) {
	if err := os.WriteFile(filepath.Join(s.dir, rotationMarker), []byte(day+"\n"), 0o600); err != nil {
		s.log.Warn("log rotation: marker write failed", "error", err)
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
