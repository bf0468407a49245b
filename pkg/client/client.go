// Package client is a thin HTTP wrapper for the Lectern API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a Lectern server. Token is optional and only needed for
// deployments with tenant authentication enabled.
type Client struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

// New creates a new Lectern client.
func New(serverURL string) *Client {
	return &Client{
		URL: serverURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Run mirrors the server's run resource.
type Run struct {
	RunID               string          `json:"run_id"`
	WorkstreamID        string          `json:"workstream_id,omitempty"`
	Arm                 string          `json:"arm,omitempty"`
	ParentRunID         string          `json:"parent_run_id,omitempty"`
	TriggerSource       string          `json:"trigger_source,omitempty"`
	ConfigHash          string          `json:"config_hash,omitempty"`
	PaperSetHash        string          `json:"paper_set_hash,omitempty"`
	ConfigEffectiveJSON json.RawMessage `json:"config_effective_json,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Record mirrors the server's ledger record resource.
type Record struct {
	RunID                string          `json:"run_id"`
	RecordKind           string          `json:"record_kind"`
	Step                 string          `json:"step,omitempty"`
	RecordKey            string          `json:"record_key,omitempty"`
	Status               string          `json:"status"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
	InputHash            string          `json:"input_hash,omitempty"`
	ReuseSourceRunID     string          `json:"reuse_source_run_id,omitempty"`
	ReuseSourceRecordKey string          `json:"reuse_source_record_key,omitempty"`
	PayloadJSON          json.RawMessage `json:"payload_json,omitempty"`
	MetadataJSON         json.RawMessage `json:"metadata_json,omitempty"`
	OutputJSON           json.RawMessage `json:"output_json,omitempty"`
	Error                string          `json:"error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Job mirrors the server's job resource.
type Job struct {
	JobID        string          `json:"job_id"`
	QueueName    string          `json:"queue_name"`
	JobType      string          `json:"job_type"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	AvailableAt  time.Time       `json:"available_at"`
}

// CreateRun creates a run.
func (c *Client) CreateRun(ctx context.Context, run Run) (*Run, error) {
	var out Run
	if err := c.do(ctx, "POST", "/api/v1/runs", run, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches a run by ID.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var out Run
	if err := c.do(ctx, "GET", "/api/v1/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertRecord writes a ledger record and returns the merged result.
func (c *Client) UpsertRecord(ctx context.Context, rec Record) (*Record, error) {
	var out Record
	if err := c.do(ctx, "POST", "/api/v1/records", rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecords lists a run's records, newest first.
func (c *Client) ListRecords(ctx context.Context, runID string) ([]Record, error) {
	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, "GET", "/api/v1/records?run_id="+url.QueryEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// EnqueueOption configures an enqueue request.
type EnqueueOption func(map[string]any)

func WithQueue(name string) EnqueueOption {
	return func(m map[string]any) { m["queue_name"] = name }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(m map[string]any) { m["max_attempts"] = n }
}

func WithRetryBackoff(strategy string, delaySeconds, maxDelaySeconds int) EnqueueOption {
	return func(m map[string]any) {
		m["retry_backoff"] = strategy
		m["retry_delay_seconds"] = delaySeconds
		m["retry_max_delay_seconds"] = maxDelaySeconds
	}
}

func WithAvailableAt(t time.Time) EnqueueOption {
	return func(m map[string]any) { m["available_at"] = t.UTC() }
}

// Enqueue submits a job.
func (c *Client) Enqueue(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (*Job, error) {
	body := map[string]any{
		"job_type": jobType,
		"payload":  payload,
	}
	for _, opt := range opts {
		opt(body)
	}

	var out Job
	if err := c.do(ctx, "POST", "/api/v1/enqueue", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var out Job
	if err := c.do(ctx, "GET", "/api/v1/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnswerRequest identifies an answer cache probe.
type AnswerRequest struct {
	Tenant               string `json:"tenant,omitempty"`
	Query                string `json:"query"`
	Model                string `json:"model,omitempty"`
	PaperFingerprint     string `json:"paper_fingerprint,omitempty"`
	PromptProfileHash    string `json:"prompt_profile_hash,omitempty"`
	RetrievalProfileHash string `json:"retrieval_profile_hash,omitempty"`
	PersonaProfileHash   string `json:"persona_profile_hash,omitempty"`
}

// AnswerHit is a cache probe result.
type AnswerHit struct {
	Hit   bool   `json:"hit"`
	Layer string `json:"layer,omitempty"`
	Entry *struct {
		Answer    string    `json:"answer"`
		CacheKey  string    `json:"cache_key"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"entry,omitempty"`
}

// LookupAnswer probes the layered answer cache.
func (c *Client) LookupAnswer(ctx context.Context, req AnswerRequest) (*AnswerHit, error) {
	var out AnswerHit
	if err := c.do(ctx, "POST", "/api/v1/cache/answers/lookup", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StoreAnswer records a computed answer for later reuse.
func (c *Client) StoreAnswer(ctx context.Context, req AnswerRequest, answer, contextHash string, shareEligible bool) error {
	body := map[string]any{
		"tenant":                 req.Tenant,
		"query":                  req.Query,
		"model":                  req.Model,
		"paper_fingerprint":      req.PaperFingerprint,
		"prompt_profile_hash":    req.PromptProfileHash,
		"retrieval_profile_hash": req.RetrievalProfileHash,
		"persona_profile_hash":   req.PersonaProfileHash,
		"answer":                 answer,
		"context_hash":           contextHash,
		"share_eligible":         shareEligible,
	}
	return c.do(ctx, "POST", "/api/v1/cache/answers", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(data, &apiErr)
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
	}

	if result != nil && len(data) > 0 {
		return json.Unmarshal(data, result)
	}
	return nil
}
