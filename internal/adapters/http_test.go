package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc, mutate func(*HTTPAdapterConfig)) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := HTTPAdapterConfig{
		Name:         "testbackend",
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		SupportsSync: true,
		SupportsPoll: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewHTTPAdapter(cfg)
}

func TestExecute_Sync(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/generate", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output":       map[string]any{"text": "hello"},
			"cost_usd":     0.01,
			"points_spent": 2,
		})
	}, nil)

	result, err := a.Execute(context.Background(), "textTool", map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "textTool", gotBody["tool"])
	assert.JSONEq(t, `{"text":"hello"}`, string(result.Output))
	assert.InDelta(t, 0.01, result.CostUSD, 1e-9)
	assert.Equal(t, int64(2), result.PointsSpent)
}

func TestExecute_BackendErrorStatus(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}, nil)

	_, err := a.Execute(context.Background(), "textTool", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestExecute_SyncUnsupported(t *testing.T) {
	a := NewHTTPAdapter(HTTPAdapterConfig{Name: "pollonly", BaseURL: "http://x.invalid", SupportsPoll: true})
	_, err := a.Execute(context.Background(), "t", nil)
	require.Error(t, err)
}

func TestStartJob_IncludesWebhookURL(t *testing.T) {
	var gotBody map[string]any
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/jobs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{"job_id": "job-123"})
	}, func(cfg *HTTPAdapterConfig) {
		cfg.WebhookURL = "https://grimoire.test/v1/completions"
	})

	handle, err := a.StartJob(context.Background(), "imageTool", map[string]any{"prompt": "fox"})
	require.NoError(t, err)
	assert.Equal(t, "job-123", handle)
	assert.Equal(t, "https://grimoire.test/v1/completions", gotBody["webhook_url"])
}

func TestStartJob_MissingJobID(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}, nil)

	_, err := a.StartJob(context.Background(), "imageTool", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job_id")
}

func TestPollJob_States(t *testing.T) {
	responses := map[string]map[string]any{
		"job-running": {"status": "running"},
		"job-done":    {"status": "completed", "output": map[string]any{"url": "https://x.test/a.png"}, "cost_usd": 0.05},
		"job-failed":  {"status": "failed", "error": "out of credits"},
	}
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		handle := r.URL.Path[len("/v1/jobs/"):]
		_ = json.NewEncoder(w).Encode(responses[handle])
	}, nil)

	ctx := context.Background()

	state, err := a.PollJob(ctx, "job-running")
	require.NoError(t, err)
	assert.False(t, state.Done)

	state, err = a.PollJob(ctx, "job-done")
	require.NoError(t, err)
	assert.True(t, state.Done)
	assert.False(t, state.Failed)
	require.NotNil(t, state.Result)
	assert.InDelta(t, 0.05, state.Result.CostUSD, 1e-9)

	state, err = a.PollJob(ctx, "job-failed")
	require.NoError(t, err)
	assert.True(t, state.Done)
	assert.True(t, state.Failed)
	assert.Equal(t, "out of credits", state.Error)
}

func TestCapabilities(t *testing.T) {
	a := NewHTTPAdapter(HTTPAdapterConfig{
		Name:         "b",
		SupportsSync: true,
		WebhookURL:   "https://grimoire.test/v1/completions",
	})
	caps := a.Capabilities()
	assert.True(t, caps.Sync)
	assert.False(t, caps.Poll)
	assert.True(t, caps.Webhook)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	a := NewHTTPAdapter(HTTPAdapterConfig{Name: "backend-a"})
	require.NoError(t, reg.Register(a))

	got, err := reg.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, "backend-a", got.Name())

	// Duplicate registration conflicts.
	require.Error(t, reg.Register(a))

	_, err = reg.Get("missing")
	require.Error(t, err)

	assert.Equal(t, []string{"backend-a"}, reg.Names())
}
