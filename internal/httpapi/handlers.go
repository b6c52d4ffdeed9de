package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

const maxRequestBody = 1 << 20 // 1MB

// --- Casts ---

type createCastRequest struct {
	SpellID     string         `json:"spell_id"`
	InitiatorID string         `json:"initiator_id"`
	Platform    string         `json:"platform,omitempty"`
	TargetID    string         `json:"target_id,omitempty"`
	Overrides   map[string]any `json:"overrides,omitempty"`
}

func (s *Server) handleCreateCast(w http.ResponseWriter, r *http.Request) {
	var req createCastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SpellID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "spell_id is required"))
		return
	}

	castID, err := s.deps.Service.Execute(r.Context(), req.SpellID, &schema.CastContext{
		InitiatorID: req.InitiatorID,
		Platform:    req.Platform,
		TargetID:    req.TargetID,
		Overrides:   req.Overrides,
	})
	if err != nil {
		// The cast may exist in a failed state even when Execute errors;
		// report both when we have an ID.
		if castID != "" {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"cast_id": castID,
				"error":   err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"cast_id": castID})
}

func (s *Server) handleListCasts(w http.ResponseWriter, r *http.Request) {
	filter := store.CastFilter{
		SpellID:     r.URL.Query().Get("spell_id"),
		InitiatorID: r.URL.Query().Get("initiator_id"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.CastStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	casts, err := s.deps.Store.ListCasts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"casts": casts})
}

func (s *Server) handleGetCast(w http.ResponseWriter, r *http.Request) {
	cast, err := s.deps.Store.GetCast(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cast)
}

func (s *Server) handleCastRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListRecordsByCast(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleCastEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- Backend completion callback ---

type completionRequest struct {
	JobHandle   string          `json:"job_handle"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	CostUSD     float64         `json:"cost_usd,omitempty"`
	PointsSpent int64           `json:"points_spent,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// handleCompletion is the inbound webhook for webhook-strategy jobs. Backends
// may deliver the same completion more than once; the engine's continuation
// claim makes that harmless, so duplicates get a 200 like everything else.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if s.deps.InboundToken != "" && r.Header.Get("X-Grimoire-Token") != s.deps.InboundToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req completionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobHandle == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "job_handle is required"))
		return
	}

	var result *adapters.Result
	var jobErr error
	switch req.Status {
	case "failed", "error", "cancelled":
		detail := req.Error
		if detail == "" {
			detail = "backend reported failure with no detail"
		}
		jobErr = schema.NewErrorf(schema.ErrCodeAdapter, "job %s failed: %s", req.JobHandle, detail)
	default:
		result = &adapters.Result{
			Output:      req.Output,
			CostUSD:     req.CostUSD,
			PointsSpent: req.PointsSpent,
		}
	}

	if err := s.deps.Service.ContinueExecution(r.Context(), req.JobHandle, result, jobErr); err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "completion processing failed",
			slog.String("job_handle", req.JobHandle), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// --- Scheduled casts ---

type createScheduleRequest struct {
	SpellID        string         `json:"spell_id"`
	CronExpression string         `json:"cron_expression"`
	InitiatorID    string         `json:"initiator_id"`
	Platform       string         `json:"platform,omitempty"`
	TargetID       string         `json:"target_id,omitempty"`
	Overrides      map[string]any `json:"overrides,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SpellID == "" || req.CronExpression == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "spell_id and cron_expression are required"))
		return
	}

	now := time.Now().UTC()
	nextRun, err := s.deps.Scheduler.CalculateNextRun(req.CronExpression, now)
	if err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err))
		return
	}

	var overrides json.RawMessage
	if len(req.Overrides) > 0 {
		overrides, err = json.Marshal(req.Overrides)
		if err != nil {
			writeError(w, schema.NewError(schema.ErrCodeValidation, "marshal overrides").WithCause(err))
			return
		}
	}

	job := &store.ScheduledCast{
		ID:             uuid.NewString(),
		SpellID:        req.SpellID,
		CronExpression: req.CronExpression,
		InitiatorID:    req.InitiatorID,
		Platform:       req.Platform,
		TargetID:       req.TargetID,
		Overrides:      overrides,
		Enabled:        true,
		NextRunAt:      &nextRun,
		CreatedAt:      now,
	}
	if err := s.deps.Store.CreateScheduledCast(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListScheduledCasts(r.Context(), store.ScheduledCastFilter{
		SpellID: r.URL.Query().Get("spell_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": jobs})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteScheduledCast(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "malformed request body").WithCause(err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	body := map[string]any{"error": err.Error()}
	var gerr *schema.GrimoireError
	if errors.As(err, &gerr) {
		body["code"] = gerr.Code
		if len(gerr.Details) > 0 {
			body["details"] = gerr.Details
		}
	}
	writeJSON(w, status, body)
}
