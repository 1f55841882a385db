package metrics

import (
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// idempotent: calling again should be no-op
	require.NoError(t, Register(reg))

	IncStart("a")
	IncStart("a")
	IncStop("a", "graceful")
	IncCrash("a")
	IncSpawnFailure("b")
	IncLogLine("a")
	SetRunning(3)
	IncLogRotation()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	wantNames := map[string]bool{
		"botkeeper_worker_starts_total":         false,
		"botkeeper_worker_stops_total":          false,
		"botkeeper_worker_crashes_total":        false,
		"botkeeper_worker_spawn_failures_total": false,
		"botkeeper_worker_log_lines_total":      false,
		"botkeeper_worker_running":              false,
		"botkeeper_logs_rotations_total":        false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), `botkeeper_worker_starts_total{worker="a"} 2`))

	ForgetWorker("a")
	mfs, err = reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "botkeeper_worker_starts_total" {
			assert.Empty(t, mf.GetMetric())
		}
	}
}

func TestSampleUsage_Self(t *testing.T) {
	u, err := SampleUsage("self", os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), u.PID)
	assert.NotZero(t, u.MemoryRSS)
}
