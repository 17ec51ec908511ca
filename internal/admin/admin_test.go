package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	depth      int
	tasks      map[string]string
	generation uint64
}

func (f *fakeStatus) QueueDepth() int                 { return f.depth }
func (f *fakeStatus) TaskStatuses() map[string]string { return f.tasks }
func (f *fakeStatus) ConfigGeneration() uint64        { return f.generation }

type fakeUpdater struct {
	changes       map[string]any
	err           error
	lastOverrides map[string]any
}

func (f *fakeUpdater) UpdateConfig(overrides map[string]any) (map[string]any, error) {
	f.lastOverrides = overrides
	return f.changes, f.err
}

func startTestServer(t *testing.T, status StatusProvider, updater ConfigUpdater) (baseURL string, stop func()) {
	t.Helper()
	s := New(status, updater, nil)
	port, err := s.Start(0)
	require.NoError(t, err)
	return fmt.Sprintf("http://127.0.0.1:%d", port), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}
}

func TestStatusEndpoint(t *testing.T) {
	status := &fakeStatus{depth: 2, tasks: map[string]string{"t1": "pending"}, generation: 3}
	base, stop := startTestServer(t, status, &fakeUpdater{})
	defer stop()

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(2), body["queue"])
	assert.Equal(t, float64(3), body["config_generation"])
	tasks := body["tasks"].(map[string]any)
	assert.Equal(t, "pending", tasks["t1"])
}

func TestConfigEndpointAppliesOverrides(t *testing.T) {
	updater := &fakeUpdater{changes: map[string]any{"max_concurrency": map[string]any{"old": 5, "new": 10}}}
	base, stop := startTestServer(t, &fakeStatus{tasks: map[string]string{}}, updater)
	defer stop()

	resp, err := http.Post(base+"/config", "application/json", jsonBody(t, map[string]any{"max_concurrency": 10}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"max_concurrency": float64(10)}, updater.lastOverrides)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestConfigEndpointRejectsInvalidOverride(t *testing.T) {
	updater := &fakeUpdater{err: fmt.Errorf("config: max_concurrency must be >= 1")}
	base, stop := startTestServer(t, &fakeStatus{tasks: map[string]string{}}, updater)
	defer stop()

	resp, err := http.Post(base+"/config", "application/json", jsonBody(t, map[string]any{"max_concurrency": 0}))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzAlwaysOK(t *testing.T) {
	base, stop := startTestServer(t, &fakeStatus{tasks: map[string]string{}}, &fakeUpdater{})
	defer stop()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownPathReturns404(t *testing.T) {
	base, stop := startTestServer(t, &fakeStatus{tasks: map[string]string{}}, &fakeUpdater{})
	defer stop()

	resp, err := http.Get(base + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
