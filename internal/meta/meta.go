package meta

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("worker metadata not found")
	// ErrCorrupt marks a document that exists but cannot be decoded.
	ErrCorrupt = errors.New("metadata document corrupt")
	// ErrUnreadable means the document could not be read; nothing is saved.
	ErrUnreadable = errors.New("metadata document unreadable")
)

// Worker is the durable description of one worker. It outlives the OS
// process and is the input to boot reconciliation.
type Worker struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"created_at"`
	AutoRestart   bool       `json:"auto_restart"`
	WasRunning    bool       `json:"was_running"`
	AccountID     string     `json:"account_id,omitempty"`
	LastExitCode  *int       `json:"last_exit_code,omitempty"`
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time `json:"last_stopped_at,omitempty"`
}

// ShouldResume reports whether boot reconciliation starts this worker.
func (w Worker) ShouldResume() bool { return w.WasRunning || w.AutoRestart }

// Document is the whole metadata set keyed by worker id.
type Document map[string]Worker

// Backend loads and saves the entire document. Implementations need not
// be safe for concurrent use; Bridge serializes access.
type Backend interface {
	Load() (Document, error)
	Save(Document) error
	Close() error
}

// Config selects and locates a backend.
type Config struct {
	Backend string `mapstructure:"backend"` // json | bolt
	Path    string `mapstructure:"path"`
}

// Open constructs the configured backend.
func Open(cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("meta: path is required")
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "json":
		return NewJSONFile(cfg.Path)
	case "bolt", "bbolt":
		return NewBolt(cfg.Path)
	default:
		return nil, fmt.Errorf("meta: unknown backend %q", cfg.Backend)
	}
}

// Bridge serializes read-modify-write cycles over a Backend. Every
// mutation loads the whole document and saves it back.
type Bridge struct {
	mu      sync.Mutex
	backend Backend
	log     *slog.Logger
}

// NewBridge wraps backend. A nil logger means slog.Default().
func NewBridge(backend Backend, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{backend: backend, log: logger}
}

// load never fails: an unreadable document is treated as empty so the
// control surface stays available.
func (b *Bridge) load() Document {
	doc, err := b.backend.Load()
	if err != nil {
		b.log.Warn("worker metadata unreadable, using what could be recovered", "error", err, "recovered", len(doc))
	}
	if doc == nil {
		doc = Document{}
	}
	return doc
}

// loadForWrite loads the document a mutation will save back. A corrupt
// document has already been moved aside or pruned to its readable part, so
// saving over it is safe. Any other read failure aborts the mutation
// rather than overwrite a document that could not be read.
func (b *Bridge) loadForWrite() (Document, error) {
	doc, err := b.backend.Load()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if err != nil {
		b.log.Warn("worker metadata corrupt, keeping what could be recovered", "error", err, "recovered", len(doc))
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Load returns a copy of the current document.
func (b *Bridge) Load() Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load()
}

// Get returns the metadata for id.
func (b *Bridge) Get(id string) (Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.load()[id]
	if !ok {
		return Worker{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return w, nil
}

// List returns all workers ordered by creation time, then id.
func (b *Bridge) List() []Worker {
	doc := b.Load()
	out := make([]Worker, 0, len(doc))
	for _, w := range doc {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Put inserts or replaces w.
func (b *Bridge) Put(w Worker) error {
	if w.ID == "" {
		return errors.New("meta: worker id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.loadForWrite()
	if err != nil {
		return err
	}
	doc[w.ID] = w
	return b.backend.Save(doc)
}

// Update applies fn to the stored worker and saves the result. If fn
// returns an error nothing is written.
func (b *Bridge) Update(id string, fn func(*Worker) error) (Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.loadForWrite()
	if err != nil {
		return Worker{}, err
	}
	w, ok := doc[id]
	if !ok {
		return Worker{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err := fn(&w); err != nil {
		return Worker{}, err
	}
	w.ID = id
	doc[id] = w
	if err := b.backend.Save(doc); err != nil {
		return Worker{}, err
	}
	return w, nil
}

// UpdateMany applies fn to every stored worker in one save.
func (b *Bridge) UpdateMany(fn func(*Worker)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.loadForWrite()
	if err != nil {
		return err
	}
	for id, w := range doc {
		fn(&w)
		w.ID = id
		doc[id] = w
	}
	return b.backend.Save(doc)
}

// Delete removes id. Deleting an unknown id returns ErrNotFound.
func (b *Bridge) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.loadForWrite()
	if err != nil {
		return err
	}
	if _, ok := doc[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(doc, id)
	return b.backend.Save(doc)
}

// Close releases the backend.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backend.Close()
}
