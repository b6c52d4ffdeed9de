package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/scheduler"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

type fakeService struct {
	mu sync.Mutex

	executeFn  func(spellID string, castCtx *schema.CastContext) (string, error)
	continueFn func(jobHandle string, result *adapters.Result, jobErr error) error

	executed  []string
	continued []string
}

func (f *fakeService) Execute(_ context.Context, spellID string, castCtx *schema.CastContext) (string, error) {
	f.mu.Lock()
	f.executed = append(f.executed, spellID)
	f.mu.Unlock()
	if f.executeFn != nil {
		return f.executeFn(spellID, castCtx)
	}
	return "cast-1", nil
}

func (f *fakeService) ContinueExecution(_ context.Context, jobHandle string, result *adapters.Result, jobErr error) error {
	f.mu.Lock()
	f.continued = append(f.continued, jobHandle)
	f.mu.Unlock()
	if f.continueFn != nil {
		return f.continueFn(jobHandle, result, jobErr)
	}
	return nil
}

type apiHarness struct {
	store   *store.LibSQLStore
	service *fakeService
	handler http.Handler
}

func newAPIHarness(t *testing.T, mutate func(*Deps)) *apiHarness {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = st.Close()
		_ = os.RemoveAll(dir)
	})

	svc := &fakeService{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := Deps{
		Store:     st,
		Service:   svc,
		Scheduler: scheduler.NewScheduler(st, svc, logger),
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &apiHarness{store: st, service: svc, handler: NewServer(deps).Handler()}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateCast_Accepted(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/casts", map[string]any{
		"spell_id":     "illustrated-story",
		"initiator_id": "user-1",
	}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cast-1", decodeJSON(t, rec)["cast_id"])
	assert.Equal(t, []string{"illustrated-story"}, h.service.executed)
}

func TestCreateCast_MissingSpellID(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/casts", map[string]any{"initiator_id": "user-1"}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
	assert.Empty(t, h.service.executed)
}

func TestCreateCast_FailedCastStillReportsID(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.service.executeFn = func(string, *schema.CastContext) (string, error) {
		return "cast-failed", schema.NewError(schema.ErrCodeAdapter, "backend exploded")
	}

	rec := h.do(t, http.MethodPost, "/v1/casts", map[string]any{"spell_id": "sp"}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "cast-failed", body["cast_id"])
	assert.Contains(t, body["error"], "backend exploded")
}

func TestCreateCast_MalformedBody(t *testing.T) {
	h := newAPIHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/casts", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCast_NotFound(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/casts/nope", nil, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, decodeJSON(t, rec)["code"])
}

func TestGetCast_AndRecordsAndEvents(t *testing.T) {
	h := newAPIHarness(t, nil)
	ctx := context.Background()

	cast := &store.Cast{
		ID:          "cast-a",
		SpellID:     "sp",
		InitiatorID: "user-1",
		Status:      schema.CastStatusCompleted,
	}
	require.NoError(t, h.store.CreateCast(ctx, cast))
	require.NoError(t, h.store.CreateRecord(ctx, &store.GenerationRecord{
		ID:        "rec-a",
		CastID:    "cast-a",
		StepIndex: 0,
		ToolID:    "textTool",
		Status:    schema.RecordStatusCompleted,
	}))
	require.NoError(t, h.store.AppendEvent(ctx, &store.Event{
		CastID: "cast-a",
		Type:   schema.EventCastCompleted,
	}))

	rec := h.do(t, http.MethodGet, "/v1/casts/cast-a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cast-a", decodeJSON(t, rec)["id"])

	rec = h.do(t, http.MethodGet, "/v1/casts/cast-a/records", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON(t, rec)["records"], 1)

	rec = h.do(t, http.MethodGet, "/v1/casts/cast-a/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON(t, rec)["events"], 1)
}

func TestListCasts_StatusFilter(t *testing.T) {
	h := newAPIHarness(t, nil)
	ctx := context.Background()

	for _, c := range []*store.Cast{
		{ID: "c-1", SpellID: "sp", Status: schema.CastStatusCompleted},
		{ID: "c-2", SpellID: "sp", Status: schema.CastStatusFailed},
	} {
		require.NoError(t, h.store.CreateCast(ctx, c))
	}

	rec := h.do(t, http.MethodGet, "/v1/casts?status=failed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	casts := decodeJSON(t, rec)["casts"].([]any)
	require.Len(t, casts, 1)
	assert.Equal(t, "c-2", casts[0].(map[string]any)["id"])
}

func TestCompletion_TokenRequired(t *testing.T) {
	h := newAPIHarness(t, func(d *Deps) { d.InboundToken = "s3cret" })

	rec := h.do(t, http.MethodPost, "/v1/completions",
		map[string]any{"job_handle": "job-1", "status": "completed"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.service.continued)

	rec = h.do(t, http.MethodPost, "/v1/completions",
		map[string]any{"job_handle": "job-1", "status": "completed"},
		map[string]string{"X-Grimoire-Token": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"job-1"}, h.service.continued)
}

func TestCompletion_MissingJobHandle(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/completions", map[string]any{"status": "completed"}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.service.continued)
}

func TestCompletion_SuccessPassesResult(t *testing.T) {
	h := newAPIHarness(t, nil)

	var gotResult *adapters.Result
	var gotErr error
	h.service.continueFn = func(_ string, result *adapters.Result, jobErr error) error {
		gotResult, gotErr = result, jobErr
		return nil
	}

	rec := h.do(t, http.MethodPost, "/v1/completions", map[string]any{
		"job_handle":   "job-1",
		"status":       "completed",
		"output":       map[string]any{"url": "https://cdn.test/a.png"},
		"cost_usd":     0.05,
		"points_spent": 3,
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, gotErr)
	require.NotNil(t, gotResult)
	assert.InDelta(t, 0.05, gotResult.CostUSD, 1e-9)
	assert.Equal(t, int64(3), gotResult.PointsSpent)
	assert.JSONEq(t, `{"url":"https://cdn.test/a.png"}`, string(gotResult.Output))
}

func TestCompletion_FailurePassesError(t *testing.T) {
	h := newAPIHarness(t, nil)

	var gotResult *adapters.Result
	var gotErr error
	h.service.continueFn = func(_ string, result *adapters.Result, jobErr error) error {
		gotResult, gotErr = result, jobErr
		return nil
	}

	rec := h.do(t, http.MethodPost, "/v1/completions", map[string]any{
		"job_handle": "job-1",
		"status":     "failed",
		"error":      "render crashed",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, gotResult)
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "render crashed")
}

func TestCompletion_UnknownJobHandleIs404(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.service.continueFn = func(string, *adapters.Result, error) error {
		return schema.NewError(schema.ErrCodeNotFound, "no record for job handle")
	}

	rec := h.do(t, http.MethodPost, "/v1/completions",
		map[string]any{"job_handle": "ghost", "status": "completed"}, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedules_CRUD(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/schedules", map[string]any{
		"spell_id":        "daily-digest",
		"cron_expression": "0 9 * * *",
		"initiator_id":    "user-1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON(t, rec)
	assert.NotEmpty(t, created["id"])
	assert.NotEmpty(t, created["next_run_at"])

	rec = h.do(t, http.MethodGet, "/v1/schedules", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON(t, rec)["schedules"], 1)

	rec = h.do(t, http.MethodDelete, "/v1/schedules/"+created["id"].(string), nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/schedules", nil, nil)
	assert.Empty(t, decodeJSON(t, rec)["schedules"])
}

func TestCreateSchedule_InvalidCron(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/schedules", map[string]any{
		"spell_id":        "sp",
		"cron_expression": "not a cron",
	}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/healthz", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeJSON(t, rec)["status"])
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{schema.NewError(schema.ErrCodeNotFound, "x"), http.StatusNotFound},
		{schema.NewError(schema.ErrCodeValidation, "x"), http.StatusBadRequest},
		{schema.NewError(schema.ErrCodeConflict, "x"), http.StatusConflict},
		{schema.NewError(schema.ErrCodeInvalidTransition, "x"), http.StatusConflict},
		{schema.NewError(schema.ErrCodeAdapter, "x"), http.StatusInternalServerError},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForError(tc.err))
	}
}
