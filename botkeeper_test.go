package botkeeper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Workers.Dir = filepath.Join(dir, "workers")
	cfg.Workers.ScriptExt = ".sh"
	cfg.Workers.Interpreter = []string{"/bin/sh"}
	cfg.Workers.Grace = 500 * time.Millisecond
	cfg.Logs.Dir = filepath.Join(dir, "logs")
	cfg.Meta.Backend = "bolt"
	cfg.Meta.Path = filepath.Join(dir, "meta.db")
	cfg.History.Sinks = []string{filepath.Join(dir, "history.db")}
	cfg.Store.DSN = filepath.Join(dir, "records.db")
	return cfg
}

func TestOpenBootClose(t *testing.T) {
	cfg := tempConfig(t)
	in, err := Open(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	w, err := in.Supervisor().CreateWorker(CreateRequest{Name: "sleeper", Content: "exec sleep 30\n", AutoRestart: true})
	require.NoError(t, err)
	require.NoError(t, in.Close())
	require.NoError(t, in.Close(), "close is idempotent")

	// A second instance over the same state resumes the auto-restart worker.
	in, err = Open(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { _ = in.Close() }()
	rep, err := in.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Started())

	st, err := in.Supervisor().Status(w.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", string(st.State))
	assert.NotNil(t, in.Records())

	srv := httptest.NewServer(in.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpenRejectsBadMeta(t *testing.T) {
	cfg := tempConfig(t)
	cfg.Meta.Backend = "redis"
	_, err := Open(cfg)
	assert.Error(t, err)
}
