package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/ringtrain/collcomm/ringpass"
	"github.com/unixpickle/ringtrain/metrics"
)

func TestTracker(t *testing.T) {
	tracker := NewTracker(2, "worker", 5)
	assert.Equal(t, "init", tracker.Snapshot().State)

	tracker.SetRunID("run-1")
	tracker.Observe(ringpass.Transition{Rank: 2, From: ringpass.StateCycle, To: ringpass.StateCycle, Cycle: 3})
	s := tracker.Snapshot()
	assert.Equal(t, "cycle", s.State)
	assert.Equal(t, 3, s.Cycles)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 5, s.Iterations)
}

func TestRouter(t *testing.T) {
	tracker := NewTracker(0, "master", 2)
	tracker.Observe(ringpass.Transition{To: ringpass.StateSeed})
	router := NewRouter(tracker, zerolog.Nop())
	metrics.SetIterations(0, "master", 1)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "master", status.Role)
	assert.Equal(t, "seed", status.State)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ringtrain_ring_completed_iterations")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, addr, NewRouter(NewTracker(0, "master", 1), zerolog.Nop()), zerolog.Nop())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
