package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// JSONFile keeps the document as one JSON object on disk. Saves write a
// temporary file and rename it over the original.
type JSONFile struct {
	path string
}

// NewJSONFile returns a backend for path, creating the parent directory.
func NewJSONFile(path string) (*JSONFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("meta: create dir: %w", err)
	}
	return &JSONFile{path: path}, nil
}

// Path returns the document location.
func (f *JSONFile) Path() string { return f.path }

// Load reads the document. A missing file is an empty document. A corrupt
// file is moved aside to <path>.corrupt-<unix> so the next save does not
// destroy it.
func (f *JSONFile) Load() (Document, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("meta: read %s: %w", f.path, err)
	}
	if len(b) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", f.path, time.Now().Unix())
		_ = os.Rename(f.path, aside)
		return nil, fmt.Errorf("%w: %s: %v (moved to %s)", ErrCorrupt, f.path, err, aside)
	}
	for id, w := range doc {
		if w.ID == "" {
			w.ID = id
			doc[id] = w
		}
	}
	return doc, nil
}

// Save writes doc atomically.
func (f *JSONFile) Save(doc Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("meta: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("meta: replace %s: %w", f.path, err)
	}
	return nil
}

// Close is a no-op.
func (f *JSONFile) Close() error { return nil }
