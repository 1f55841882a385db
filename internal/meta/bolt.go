package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketWorkers = []byte("workers")

// Bolt stores each worker as a JSON value under its id in one bucket.
// Save replaces the bucket contents inside a single transaction.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the database file at path.
func NewBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("meta: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("meta: open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWorkers)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("meta: create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Load decodes every entry. Undecodable entries are skipped and reported
// through a joined ErrCorrupt error alongside the rest of the document.
func (s *Bolt) Load() (Document, error) {
	doc := Document{}
	var bad []error
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var w Worker
			if err := json.Unmarshal(v, &w); err != nil {
				bad = append(bad, fmt.Errorf("%w: entry %s: %v", ErrCorrupt, k, err))
				return nil
			}
			w.ID = string(k)
			doc[w.ID] = w
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("meta: read bolt: %w", err)
	}
	return doc, errors.Join(bad...)
}

// Save replaces the stored document with doc.
func (s *Bolt) Save(doc Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketWorkers) != nil {
			if err := tx.DeleteBucket(bucketWorkers); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(bucketWorkers)
		if err != nil {
			return err
		}
		for id, w := range doc {
			w.ID = id
			data, err := json.Marshal(w)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Bolt) Close() error {
	return s.db.Close()
}
