package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EnqueueRequest contains all parameters for enqueuing a job.
type EnqueueRequest struct {
	QueueName            string          `json:"queue_name,omitempty"`
	JobType              string          `json:"job_type"`
	Payload              json.RawMessage `json:"payload"`
	MaxAttempts          int             `json:"max_attempts,omitempty"`
	RetryDelaySeconds    int             `json:"retry_delay_seconds,omitempty"`
	RetryBackoff         string          `json:"retry_backoff,omitempty"`
	RetryMaxDelaySeconds int             `json:"retry_max_delay_seconds,omitempty"`
	AvailableAt          *time.Time      `json:"available_at,omitempty"`
}

// Enqueue inserts a new job in the queued state. The payload is validated
// against the job type's schema; violations are permanent errors.
func (s *Store) Enqueue(req EnqueueRequest) (*Job, error) {
	if err := validateJobPayload(req.JobType, req.Payload); err != nil {
		return nil, err
	}

	queue := req.QueueName
	if queue == "" {
		queue = "default"
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := req.RetryDelaySeconds
	if retryDelay <= 0 {
		retryDelay = 5
	}
	backoff := req.RetryBackoff
	if backoff == "" {
		backoff = BackoffExponential
	}
	maxDelay := req.RetryMaxDelaySeconds
	if maxDelay <= 0 {
		maxDelay = 600
	}

	now := s.now()
	availableAt := now
	if req.AvailableAt != nil {
		availableAt = *req.AvailableAt
	}

	job := Job{
		JobID:                NewJobID(),
		QueueName:            queue,
		JobType:              req.JobType,
		Status:               JobQueued,
		Payload:              orEmptyObject(req.Payload),
		MaxAttempts:          maxAttempts,
		RetryDelaySeconds:    retryDelay,
		RetryBackoff:         backoff,
		RetryMaxDelaySeconds: maxDelay,
		AvailableAt:          availableAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	_, err := s.exec(`
		INSERT INTO jobs (
			job_id, queue_name, job_type, status, payload,
			attempt_count, max_attempts, retry_delay_seconds,
			retry_backoff, retry_max_delay_seconds,
			available_at, created_at, updated_at
		) VALUES (?,?,?,?,?,0,?,?,?,?,?,?,?)`,
		job.JobID, job.QueueName, job.JobType, job.Status, string(job.Payload),
		job.MaxAttempts, job.RetryDelaySeconds,
		job.RetryBackoff, job.RetryMaxDelaySeconds,
		fmtTime(job.AvailableAt), fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt),
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimRequest contains parameters for claiming a job.
type ClaimRequest struct {
	Queues   []string `json:"queues"`
	WorkerID string   `json:"worker_id"`
}

// claimAttempts bounds how many candidate rows one Claim call races for
// before reporting no work.
const claimAttempts = 8

// Claim selects the oldest eligible queued/retry job from the given queues
// and atomically transitions it to running, stamping locked_at/worker_id.
// The transition is a single conditional UPDATE: losing the race to another
// worker simply moves on to the next candidate. Returns (nil, nil) when no
// job is available.
func (s *Store) Claim(req ClaimRequest) (*Job, error) {
	if len(req.Queues) == 0 {
		return nil, NewPermanentError("claim: at least one queue is required")
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		return nil, NewPermanentError("claim: empty worker_id")
	}

	holders := make([]string, len(req.Queues))
	for i := range req.Queues {
		holders[i] = "?"
	}
	inClause := strings.Join(holders, ",")

	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := s.now()
		args := make([]any, 0, len(req.Queues)+2)
		for _, q := range req.Queues {
			args = append(args, q)
		}
		args = append(args, fmtTime(now), attempt)

		var jobID string
		err := s.db.Read.QueryRow(`
			SELECT job_id FROM jobs
			WHERE status IN ('queued', 'retry')
			  AND queue_name IN (`+inClause+`)
			  AND available_at <= ?
			ORDER BY available_at ASC, created_at ASC
			LIMIT 1 OFFSET ?`, args...).Scan(&jobID)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, NewTransientError("select claim candidate", err)
		}

		res, err := s.exec(`
			UPDATE jobs
			SET status = 'running', locked_at = ?, worker_id = ?, updated_at = ?
			WHERE job_id = ?
			  AND status IN ('queued', 'retry')
			  AND available_at <= ?`,
			fmtTime(now), req.WorkerID, fmtTime(now), jobID, fmtTime(now))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetJob(jobID)
		}
		// Lost the race; try the next candidate.
	}
	return nil, nil
}

// ExtendLease renews the caller's lease on a running job. Returns a
// LeaseLost error if the job is no longer running under this worker.
func (s *Store) ExtendLease(jobID, workerID string) error {
	now := s.now()
	res, err := s.exec(`
		UPDATE jobs
		SET locked_at = ?, updated_at = ?
		WHERE job_id = ? AND status = 'running' AND worker_id = ?`,
		fmtTime(now), fmtTime(now), jobID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewLeaseLostError(fmt.Sprintf("job %s: lease not held by %s", jobID, workerID))
	}
	return nil
}

// Complete marks a running job completed and records its result, clearing
// the lease. Completion is idempotent: re-applying the same completion to an
// already-completed job is a no-op.
func (s *Store) Complete(jobID, workerID string, result json.RawMessage) error {
	now := s.now()
	res, err := s.exec(`
		UPDATE jobs
		SET status = 'completed', result = ?, locked_at = NULL, worker_id = NULL, updated_at = ?
		WHERE job_id = ? AND status = 'running' AND worker_id = ?`,
		nullableJSON(result), fmtTime(now), jobID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return NewPermanentError(fmt.Sprintf("job %s not found", jobID))
	}
	if job.Status == JobCompleted && bytes.Equal(orEmptyObject(job.Result), orEmptyObject(result)) {
		return nil
	}
	return NewLeaseLostError(fmt.Sprintf("job %s: lease not held by %s (status %s)", jobID, workerID, job.Status))
}

// Fail records a job failure. While attempts remain the job moves to retry
// with available_at pushed out by the backoff delay and attempt_count
// incremented; once attempts are exhausted it becomes terminally failed
// with no further available_at bump.
func (s *Store) Fail(jobID, workerID, errMsg string) (*Job, error) {
	now := s.now()
	var out *Job

	err := s.execTx(func(tx *sql.Tx) error {
		var attemptCount, maxAttempts, delaySeconds, maxDelaySeconds int
		var backoff, status string
		var lockedBy sql.NullString
		err := tx.QueryRow(`
			SELECT attempt_count, max_attempts, retry_delay_seconds,
			       retry_max_delay_seconds, retry_backoff, status, worker_id
			FROM jobs WHERE job_id = ?`, jobID).
			Scan(&attemptCount, &maxAttempts, &delaySeconds, &maxDelaySeconds, &backoff, &status, &lockedBy)
		if err == sql.ErrNoRows {
			return NewPermanentError(fmt.Sprintf("job %s not found", jobID))
		}
		if err != nil {
			return NewTransientError("read job for fail", err)
		}
		if status != JobRunning || !lockedBy.Valid || lockedBy.String != workerID {
			return NewLeaseLostError(fmt.Sprintf("job %s: lease not held by %s (status %s)", jobID, workerID, status))
		}

		attempt := attemptCount + 1
		if attempt >= maxAttempts {
			_, err = tx.Exec(`
				UPDATE jobs
				SET status = 'failed', error = ?, attempt_count = ?,
				    locked_at = NULL, worker_id = NULL, updated_at = ?
				WHERE job_id = ? AND status = 'running' AND worker_id = ?`,
				errMsg, attempt, fmtTime(now), jobID, workerID)
		} else {
			nextAt := now.Add(RetryDelay(backoff, attempt, delaySeconds, maxDelaySeconds))
			_, err = tx.Exec(`
				UPDATE jobs
				SET status = 'retry', error = ?, attempt_count = ?, available_at = ?,
				    locked_at = NULL, worker_id = NULL, updated_at = ?
				WHERE job_id = ? AND status = 'running' AND worker_id = ?`,
				errMsg, attempt, fmtTime(nextAt), fmtTime(now), jobID, workerID)
		}
		if err != nil {
			return NewTransientError("fail job", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err = s.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PromoteRetries moves retry jobs whose available_at has elapsed back to
// queued. Called by the periodic sweep.
func (s *Store) PromoteRetries() (int64, error) {
	now := s.now()
	res, err := s.exec(`
		UPDATE jobs
		SET status = 'queued', updated_at = ?
		WHERE status = 'retry' AND available_at <= ?`,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReclaimExpired reverts running jobs whose lease is older than leaseTimeout
// to retry (or failed when attempts are exhausted). This sweep is the only
// source of forward progress after a worker crash.
func (s *Store) ReclaimExpired(leaseTimeout time.Duration) (int64, error) {
	now := s.now()
	cutoff := fmtTime(now.Add(-leaseTimeout))

	rows, err := s.db.Read.Query(`
		SELECT job_id, locked_at, attempt_count, max_attempts,
		       retry_delay_seconds, retry_max_delay_seconds, retry_backoff
		FROM jobs
		WHERE status = 'running' AND locked_at < ?`, cutoff)
	if err != nil {
		return 0, NewTransientError("select expired leases", err)
	}
	type expired struct {
		jobID, lockedAt, backoff            string
		attempts, maxAttempts, base, maxsec int
	}
	var victims []expired
	for rows.Next() {
		var v expired
		if err := rows.Scan(&v.jobID, &v.lockedAt, &v.attempts, &v.maxAttempts, &v.base, &v.maxsec, &v.backoff); err != nil {
			rows.Close()
			return 0, NewTransientError("scan expired lease", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, NewTransientError("iterate expired leases", err)
	}

	var reclaimed int64
	for _, v := range victims {
		attempt := v.attempts + 1
		var res sql.Result
		var err error
		if attempt >= v.maxAttempts {
			res, err = s.exec(`
				UPDATE jobs
				SET status = 'failed', error = 'lease expired', attempt_count = ?,
				    locked_at = NULL, worker_id = NULL, updated_at = ?
				WHERE job_id = ? AND status = 'running' AND locked_at = ?`,
				attempt, fmtTime(now), v.jobID, v.lockedAt)
		} else {
			nextAt := now.Add(RetryDelay(v.backoff, attempt, v.base, v.maxsec))
			res, err = s.exec(`
				UPDATE jobs
				SET status = 'retry', error = 'lease expired', attempt_count = ?,
				    available_at = ?, locked_at = NULL, worker_id = NULL, updated_at = ?
				WHERE job_id = ? AND status = 'running' AND locked_at = ?`,
				attempt, fmtTime(nextAt), fmtTime(now), v.jobID, v.lockedAt)
		}
		if err != nil {
			return reclaimed, err
		}
		// The locked_at guard loses cleanly to a worker that renewed or
		// completed between the read and this update.
		if n, _ := res.RowsAffected(); n == 1 {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// GetJob returns a job by ID, or nil when absent.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.Read.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// JobFilter selects jobs for the operational query surface.
type JobFilter struct {
	QueueName string
	Status    string
	WorkerID  string
	Limit     int
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(f JobFilter) ([]Job, error) {
	var where []string
	var args []any
	if f.QueueName != "" {
		where = append(where, "queue_name = ?")
		args = append(args, f.QueueName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Read.Query(query, args...)
	if err != nil {
		return nil, NewTransientError("list jobs", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

const jobColumns = `job_id, queue_name, job_type, status, payload, result, error,
	attempt_count, max_attempts, retry_delay_seconds, retry_backoff,
	retry_max_delay_seconds, available_at, locked_at, worker_id,
	created_at, updated_at`

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var payload string
	var result, lockedAt, workerID *string
	var availableAt, createdAt, updatedAt string
	err := row.Scan(
		&job.JobID, &job.QueueName, &job.JobType, &job.Status, &payload, &result, &job.Error,
		&job.AttemptCount, &job.MaxAttempts, &job.RetryDelaySeconds, &job.RetryBackoff,
		&job.RetryMaxDelaySeconds, &availableAt, &lockedAt, &workerID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, NewTransientError("scan job", err)
	}
	job.Payload = json.RawMessage(payload)
	if result != nil {
		job.Result = json.RawMessage(*result)
	}
	job.AvailableAt = parseTime(availableAt)
	job.LockedAt = parseTimePtr(lockedAt)
	job.WorkerID = workerID
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
