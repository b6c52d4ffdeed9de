package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/notify"
	"github.com/glyphware/grimoire/internal/scheduler"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// ExecutionService is the engine surface the API depends on.
type ExecutionService interface {
	Execute(ctx context.Context, spellID string, castCtx *schema.CastContext) (string, error)
	ContinueExecution(ctx context.Context, jobHandle string, result *adapters.Result, jobErr error) error
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Store     store.Store
	Service   ExecutionService
	Hub       notify.EventHub
	WS        *notify.WebSocketNotifier
	Scheduler *scheduler.Scheduler
	// InboundToken, when set, must match the X-Grimoire-Token header on
	// backend completion callbacks.
	InboundToken string
	Logger       *slog.Logger
}

// Server exposes the execution core over HTTP: cast control, backend
// completion callbacks, scheduled cast management, and event streaming.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/casts", s.handleCreateCast)
	mux.HandleFunc("GET /v1/casts", s.handleListCasts)
	mux.HandleFunc("GET /v1/casts/{id}", s.handleGetCast)
	mux.HandleFunc("GET /v1/casts/{id}/records", s.handleCastRecords)
	mux.HandleFunc("GET /v1/casts/{id}/events", s.handleCastEvents)

	// Backend completion callback for webhook-strategy jobs.
	mux.HandleFunc("POST /v1/completions", s.handleCompletion)

	mux.HandleFunc("POST /v1/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)
	mux.HandleFunc("DELETE /v1/schedules/{id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /v1/sse/casts/{id}", s.handleSSECast)
	mux.HandleFunc("GET /v1/sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /v1/ws/{conn_id}", s.handleWebSocketAttach)

	mux.HandleFunc("GET /v1/healthz", s.handleHealth)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps structured error codes to HTTP statuses.
func statusForError(err error) int {
	var gerr *schema.GrimoireError
	if !errors.As(err, &gerr) {
		return http.StatusInternalServerError
	}
	switch gerr.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
