package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/glyphware/grimoire/pkg/schema"
)

// HTTPAdapterConfig configures one REST-backed AI service.
type HTTPAdapterConfig struct {
	// Name is the backend identifier referenced by tool definitions.
	Name string
	// BaseURL is the service root, e.g. "https://api.example.com".
	BaseURL string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// WebhookURL, when set, is included in job submissions so the backend
	// calls back on completion; enables the webhook capability.
	WebhookURL string
	// SupportsSync and SupportsPoll gate the corresponding capabilities.
	SupportsSync bool
	SupportsPoll bool

	Timeout         time.Duration
	MaxResponseBody int64
}

const (
	defaultAdapterTimeout  = 120 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// HTTPAdapter talks to a generic REST generation service:
//
//	POST {base}/v1/generate            — synchronous execution
//	POST {base}/v1/jobs                — submit async job, returns {"job_id": ...}
//	GET  {base}/v1/jobs/{handle}       — poll job state
//
// Responses carry output, cost_usd, and points_spent fields; missing cost
// fields are treated as zero.
type HTTPAdapter struct {
	config HTTPAdapterConfig
	client *http.Client
}

func NewHTTPAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAdapterTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPAdapter{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *HTTPAdapter) Name() string { return a.config.Name }

func (a *HTTPAdapter) Capabilities() Capabilities {
	return Capabilities{
		Sync:    a.config.SupportsSync,
		Poll:    a.config.SupportsPoll,
		Webhook: a.config.WebhookURL != "",
	}
}

func (a *HTTPAdapter) Execute(ctx context.Context, toolID string, input map[string]any) (*Result, error) {
	if !a.config.SupportsSync {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter,
			"backend %s does not support synchronous execution", a.config.Name)
	}
	body := map[string]any{"tool": toolID, "input": input}
	respBody, status, err := a.post(ctx, "/v1/generate", body)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, a.statusError("generate", status, respBody)
	}
	return a.parseResult(respBody)
}

func (a *HTTPAdapter) StartJob(ctx context.Context, toolID string, input map[string]any) (string, error) {
	body := map[string]any{"tool": toolID, "input": input}
	if a.config.WebhookURL != "" {
		body["webhook_url"] = a.config.WebhookURL
	}
	respBody, status, err := a.post(ctx, "/v1/jobs", body)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", a.statusError("submit job", status, respBody)
	}
	var parsed struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.JobID == "" {
		return "", schema.NewErrorf(schema.ErrCodeAdapter,
			"backend %s returned no job_id", a.config.Name)
	}
	return parsed.JobID, nil
}

func (a *HTTPAdapter) PollJob(ctx context.Context, jobHandle string) (*JobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.config.BaseURL+"/v1/jobs/"+jobHandle, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAdapter, "build poll request").WithCause(err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter,
			"backend %s poll failed", a.config.Name).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAdapter, "read poll response").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, a.statusError("poll job", resp.StatusCode, respBody)
	}

	var parsed struct {
		Status      string          `json:"status"`
		Error       string          `json:"error"`
		Output      json.RawMessage `json:"output"`
		CostUSD     float64         `json:"cost_usd"`
		PointsSpent int64           `json:"points_spent"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter,
			"backend %s returned malformed job state", a.config.Name).WithCause(err)
	}

	state := &JobState{}
	switch strings.ToLower(parsed.Status) {
	case "completed", "succeeded", "done":
		state.Done = true
		state.Result = &Result{
			Output:      parsed.Output,
			CostUSD:     parsed.CostUSD,
			PointsSpent: parsed.PointsSpent,
		}
	case "failed", "error", "cancelled":
		state.Done = true
		state.Failed = true
		state.Error = parsed.Error
		if state.Error == "" {
			state.Error = "job failed with no error detail"
		}
	}
	return state, nil
}

func (a *HTTPAdapter) post(ctx context.Context, path string, body map[string]any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, schema.NewError(schema.ErrCodeAdapter, "marshal request body").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, schema.NewError(schema.ErrCodeAdapter, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, schema.NewErrorf(schema.ErrCodeAdapter,
			"backend %s request failed", a.config.Name).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, 0, schema.NewError(schema.ErrCodeAdapter, "read response body").WithCause(err)
	}
	return respBody, resp.StatusCode, nil
}

func (a *HTTPAdapter) setHeaders(req *http.Request) {
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
}

func (a *HTTPAdapter) parseResult(respBody []byte) (*Result, error) {
	var parsed struct {
		Output      json.RawMessage `json:"output"`
		CostUSD     float64         `json:"cost_usd"`
		PointsSpent int64           `json:"points_spent"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter,
			"backend %s returned malformed result", a.config.Name).WithCause(err)
	}
	return &Result{
		Output:      parsed.Output,
		CostUSD:     parsed.CostUSD,
		PointsSpent: parsed.PointsSpent,
	}, nil
}

func (a *HTTPAdapter) statusError(op string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	return schema.NewErrorf(schema.ErrCodeAdapter,
		"backend %s: %s returned %d", a.config.Name, op, status).
		WithDetails(map[string]any{"status": status, "body": detail})
}

var _ Adapter = (*HTTPAdapter)(nil)
