package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/api"
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestWorkerCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workers", func(w http.ResponseWriter, r *http.Request) {
		var req CreateWorkerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Worker{ID: "w1", Name: req.Name, AutoRestart: req.AutoRestart})
	})
	mux.HandleFunc("POST /api/workers/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": r.PathValue("id"), "pid": 4242})
	})
	mux.HandleFunc("POST /api/workers/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "worker is not running"})
	})
	mux.HandleFunc("GET /api/workers/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "w1", "entries": []LogEntry{{Line: "a"}, {Line: "b"}}})
	})
	mux.HandleFunc("DELETE /api/logs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	c := newTestClient(t, mux, Config{})
	ctx := context.Background()

	wk, err := c.CreateWorker(ctx, CreateWorkerRequest{Name: "grid", Content: "print(1)", AutoRestart: true})
	require.NoError(t, err)
	assert.Equal(t, "w1", wk.ID)
	assert.True(t, wk.AutoRestart)

	pid, err := c.Start(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	_, err = c.Stop(ctx, "w1")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.Contains(t, err.Error(), "not running")

	entries, err := c.Logs(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[1].Line)

	require.NoError(t, c.ClearAllLogs(ctx))
}

func TestAuthHeaders(t *testing.T) {
	var got []string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	})

	c := newTestClient(t, h, Config{Username: "ops", Password: "pw"})
	_, err := c.ListWorkers(context.Background())
	require.NoError(t, err)

	c.SetToken("abc")
	_, err = c.ListAccounts(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Contains(t, got[0], "Basic ")
	assert.Equal(t, "Bearer abc", got[1])
}

func TestHealthyAndErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	c := newTestClient(t, mux, Config{})
	assert.True(t, c.Healthy(context.Background()))

	_, err := c.GetAccount(context.Background(), "a1")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))

	_, err = New(Config{CACert: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
