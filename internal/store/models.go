package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Job statuses. This set is closed and enforced by the jobs table.
const (
	JobQueued    = "queued"
	JobRetry     = "retry"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job types. Validated against a payload schema at enqueue.
const (
	JobTypeWorkflow     = "workflow"
	JobTypeIndex        = "index"
	JobTypeGraphRefresh = "graph_refresh"
)

// Record kinds.
const (
	KindRun            = "run"
	KindStep           = "step"
	KindReport         = "report"
	KindQuestion       = "question"
	KindArtifact       = "artifact"
	KindWorkstreamLink = "workstream_link"
)

// Record statuses the store itself recognizes. The status column is an open
// vocabulary; only these values carry merge-freeze and reuse semantics.
// Callers may write any other non-empty label for intermediate states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusReused    = "reused"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Backoff strategies (per-job retry delay growth).
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Cache layers, in probe order.
type CacheLayer string

const (
	LayerStrict     CacheLayer = "strict"
	LayerNormalized CacheLayer = "normalized"
	LayerShared     CacheLayer = "shared"
)

// Graph cache lifecycle states, derived from time alone.
type GraphState string

const (
	GraphFresh          GraphState = "fresh"
	GraphAging          GraphState = "aging"
	GraphExpired        GraphState = "expired"
	GraphStaleNoRefresh GraphState = "stale_no_refresh"
)

// IsTerminalStatus reports whether a record status freezes the record's
// payload and output on later upserts.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusReused, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// IsTerminalSuccess reports whether a record status makes it eligible for
// idempotent reuse.
func IsTerminalSuccess(status string) bool {
	return status == StatusCompleted || status == StatusReused
}

// IsTerminalJobStatus reports whether a job status is final.
func IsTerminalJobStatus(status string) bool {
	return status == JobCompleted || status == JobFailed
}

// ValidRecordStatus rejects empty or whitespace-only status labels.
// Anything else is accepted: per-step vocabularies belong to callers.
func ValidRecordStatus(status string) bool {
	return strings.TrimSpace(status) != ""
}

// Run is one pipeline invocation. Never deleted, only superseded.
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

// Record is a single fact about a run, identified by
// (run_id, record_kind, step, record_key). Immutable once terminal except
// for metadata appends.
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
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	FinishedAt           *time.Time      `json:"finished_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Job is one queued unit of asynchronous work.
type Job struct {
	JobID                string          `json:"job_id"`
	QueueName            string          `json:"queue_name"`
	JobType              string          `json:"job_type"`
	Status               string          `json:"status"`
	Payload              json.RawMessage `json:"payload"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	AttemptCount         int             `json:"attempt_count"`
	MaxAttempts          int             `json:"max_attempts"`
	RetryDelaySeconds    int             `json:"retry_delay_seconds"`
	RetryBackoff         string          `json:"retry_backoff"`
	RetryMaxDelaySeconds int             `json:"retry_max_delay_seconds"`
	AvailableAt          time.Time       `json:"available_at"`
	LockedAt             *time.Time      `json:"locked_at,omitempty"`
	WorkerID             *string         `json:"worker_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// CacheEntry maps a request fingerprint to a previously computed answer.
type CacheEntry struct {
	ID                   string    `json:"id"`
	Tenant               string    `json:"tenant,omitempty"`
	CacheKey             string    `json:"cache_key"`
	QueryRaw             string    `json:"query_raw,omitempty"`
	QueryNormalized      string    `json:"query_normalized,omitempty"`
	Model                string    `json:"model,omitempty"`
	PaperFingerprint     string    `json:"paper_fingerprint,omitempty"`
	ContextHash          string    `json:"context_hash,omitempty"`
	PromptProfileHash    string    `json:"prompt_profile_hash,omitempty"`
	RetrievalProfileHash string    `json:"retrieval_profile_hash,omitempty"`
	PersonaProfileHash   string    `json:"persona_profile_hash,omitempty"`
	ShareEligible        bool      `json:"share_eligible"`
	Answer               string    `json:"answer"`
	CreatedAt            time.Time `json:"created_at"`
}

// GraphEntry is a derived-computation cache row with a time-driven lifecycle.
type GraphEntry struct {
	GraphKey        string          `json:"graph_key"`
	Payload         json.RawMessage `json:"payload"`
	GeneratedAt     time.Time       `json:"generated_at"`
	StaleUntil      time.Time       `json:"stale_until"`
	ExpiresAt       time.Time       `json:"expires_at"`
	RefreshJobID    string          `json:"refresh_job_id,omitempty"`
	RefreshFailures int             `json:"refresh_failures"`
	LastAccessedAt  time.Time       `json:"last_accessed_at"`
}

// State derives the lifecycle state at a given instant. giveUp is the
// consecutive-refresh-failure threshold after which auto-refresh stops.
func (g *GraphEntry) State(now time.Time, giveUp int) GraphState {
	if now.Before(g.StaleUntil) {
		return GraphFresh
	}
	if giveUp > 0 && g.RefreshFailures >= giveUp {
		return GraphStaleNoRefresh
	}
	if now.Before(g.ExpiresAt) {
		return GraphAging
	}
	return GraphExpired
}

// sqlTime is a fixed-width UTC layout so stored strings sort like times.
const sqlTime = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqlTime)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqlTime, s)
	return t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
