package meta

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()
	js, err := Open(Config{Backend: "json", Path: filepath.Join(dir, "workers.json")})
	require.NoError(t, err)
	bo, err := Open(Config{Backend: "bolt", Path: filepath.Join(dir, "workers.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bo.Close() })
	return map[string]Backend{"json": js, "bolt": bo}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{Backend: "json"})
	assert.Error(t, err)
	_, err = Open(Config{Backend: "redis", Path: filepath.Join(t.TempDir(), "x")})
	assert.Error(t, err)
}

func TestBridge_CRUD(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := NewBridge(be, nil)
			assert.Empty(t, b.List())

			now := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, b.Put(Worker{ID: "w2", Name: "second", CreatedAt: now.Add(time.Minute)}))
			require.NoError(t, b.Put(Worker{ID: "w1", Name: "first", CreatedAt: now, AutoRestart: true}))

			list := b.List()
			require.Len(t, list, 2)
			assert.Equal(t, "w1", list[0].ID)
			assert.Equal(t, "w2", list[1].ID)

			got, err := b.Get("w1")
			require.NoError(t, err)
			assert.Equal(t, "first", got.Name)
			assert.True(t, got.AutoRestart)
			assert.True(t, got.CreatedAt.Equal(now))

			code := 4
			w, err := b.Update("w1", func(w *Worker) error {
				w.WasRunning = true
				w.LastExitCode = &code
				return nil
			})
			require.NoError(t, err)
			assert.True(t, w.WasRunning)

			got, err = b.Get("w1")
			require.NoError(t, err)
			require.NotNil(t, got.LastExitCode)
			assert.Equal(t, 4, *got.LastExitCode)

			_, err = b.Update("nope", func(*Worker) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)

			boom := errors.New("boom")
			_, err = b.Update("w1", func(w *Worker) error {
				w.Name = "changed"
				return boom
			})
			assert.ErrorIs(t, err, boom)
			got, _ = b.Get("w1")
			assert.Equal(t, "first", got.Name)

			require.NoError(t, b.UpdateMany(func(w *Worker) { w.WasRunning = false }))
			for _, w := range b.List() {
				assert.False(t, w.WasRunning)
			}

			require.NoError(t, b.Delete("w2"))
			assert.ErrorIs(t, b.Delete("w2"), ErrNotFound)
			_, err = b.Get("w2")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Len(t, b.List(), 1)
		})
	}
}

func TestBridge_ConcurrentUpdates(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := NewBridge(be, nil)
			require.NoError(t, b.Put(Worker{ID: "a"}))
			require.NoError(t, b.Put(Worker{ID: "b"}))

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := b.Update("a", func(w *Worker) error { w.Description += "x"; return nil })
					assert.NoError(t, err)
				}()
				go func() {
					defer wg.Done()
					_, err := b.Update("b", func(w *Worker) error { w.Description += "y"; return nil })
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			a, _ := b.Get("a")
			bb, _ := b.Get("b")
			assert.Len(t, a.Description, 20)
			assert.Len(t, bb.Description, 20)
		})
	}
}

func TestJSONFile_CorruptLoadsEmpty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "workers.json")
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o600))
	be, err := NewJSONFile(p)
	require.NoError(t, err)

	_, err = be.Load()
	assert.ErrorIs(t, err, ErrCorrupt)

	b := NewBridge(be, nil)
	assert.Empty(t, b.List())
	require.NoError(t, b.Put(Worker{ID: "fresh"}))
	assert.Len(t, b.List(), 1)

	aside, _ := filepath.Glob(p + ".corrupt-*")
	assert.Len(t, aside, 1)
}

type failingBackend struct {
	saves int
}

func (f *failingBackend) Load() (Document, error) { return nil, errors.New("input/output error") }
func (f *failingBackend) Save(Document) error     { f.saves++; return nil }
func (f *failingBackend) Close() error            { return nil }

func TestBridge_UnreadableDocumentIsNotOverwritten(t *testing.T) {
	fb := &failingBackend{}
	b := NewBridge(fb, nil)
	assert.Empty(t, b.List())

	assert.ErrorIs(t, b.Put(Worker{ID: "w1"}), ErrUnreadable)
	_, err := b.Update("w1", func(*Worker) error { return nil })
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.ErrorIs(t, b.UpdateMany(func(*Worker) {}), ErrUnreadable)
	assert.ErrorIs(t, b.Delete("w1"), ErrUnreadable)
	assert.Zero(t, fb.saves)

	// a directory where the file should be cannot be read, even as root
	p := filepath.Join(t.TempDir(), "workers.json")
	require.NoError(t, os.Mkdir(p, 0o750))
	be, err := NewJSONFile(p)
	require.NoError(t, err)
	assert.ErrorIs(t, NewBridge(be, nil).Put(Worker{ID: "w1"}), ErrUnreadable)
	fi, err := os.Stat(p)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestJSONFile_EmptyAndMissing(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "workers.json")
	be, err := NewJSONFile(p)
	require.NoError(t, err)
	doc, err := be.Load()
	require.NoError(t, err)
	assert.Empty(t, doc)

	require.NoError(t, os.WriteFile(p, nil, 0o600))
	doc, err = be.Load()
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestJSONFile_FillsMissingIDs(t *testing.T) {
	p := filepath.Join(t.TempDir(), "workers.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"abc":{"name":"legacy","auto_restart":true}}`), 0o600))
	be, err := NewJSONFile(p)
	require.NoError(t, err)
	doc, err := be.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc", doc["abc"].ID)
	assert.True(t, doc["abc"].ShouldResume())
}

func TestBolt_SkipsCorruptEntries(t *testing.T) {
	be, err := NewBolt(filepath.Join(t.TempDir(), "workers.db"))
	require.NoError(t, err)
	defer func() { _ = be.Close() }()

	require.NoError(t, be.Save(Document{"good": {Name: "ok"}}))
	require.NoError(t, be.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Put([]byte("bad"), []byte("{"))
	}))

	doc, err := be.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
	require.Len(t, doc, 1)
	assert.Equal(t, "ok", doc["good"].Name)

	b := NewBridge(be, nil)
	assert.Len(t, b.List(), 1)
}

func TestBolt_ReopenKeepsData(t *testing.T) {
	p := filepath.Join(t.TempDir(), "workers.db")
	be, err := NewBolt(p)
	require.NoError(t, err)
	require.NoError(t, be.Save(Document{"x": {Name: "persisted", WasRunning: true}}))
	require.NoError(t, be.Close())

	be, err = NewBolt(p)
	require.NoError(t, err)
	defer func() { _ = be.Close() }()
	doc, err := be.Load()
	require.NoError(t, err)
	assert.Equal(t, "persisted", doc["x"].Name)
	assert.True(t, doc["x"].ShouldResume())
}

func TestShouldResume(t *testing.T) {
	assert.True(t, Worker{WasRunning: true}.ShouldResume())
	assert.True(t, Worker{AutoRestart: true}.ShouldResume())
	assert.False(t, Worker{}.ShouldResume())
}
