// Package worker runs the claim/execute/ack loop against the job queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lecternhq/lectern/internal/pipeline"
	"github.com/lecternhq/lectern/internal/store"
)

// Handler processes one claimed job. The returned JSON is recorded as the
// job result; an error routes the job through the retry policy.
type Handler func(ctx context.Context, job *store.Job) (json.RawMessage, error)

// Options tune a Worker. Zero values get sane defaults.
type Options struct {
	Queues       []string
	LeaseTimeout time.Duration
	PollInterval time.Duration
}

// Worker claims jobs from its queues, renews the lease while a handler
// runs, and acknowledges the outcome. A lost lease abandons the job
// without writing anything back.
type Worker struct {
	id       string
	store    *store.Store
	opts     Options
	handlers map[string]Handler
	tracer   trace.Tracer
}

// New creates a Worker with a fresh identity and the built-in handlers for
// workflow, index, and graph refresh jobs.
func New(s *store.Store, exec *pipeline.Executor, opts Options) *Worker {
	if len(opts.Queues) == 0 {
		opts.Queues = []string{"default"}
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	w := &Worker{
		id:       "worker_" + uuid.NewString(),
		store:    s,
		opts:     opts,
		handlers: make(map[string]Handler),
		tracer:   otel.Tracer("lectern/worker"),
	}
	w.handlers[store.JobTypeWorkflow] = w.workflowHandler(exec)
	w.handlers[store.JobTypeIndex] = w.indexHandler(exec)
	w.handlers[store.JobTypeGraphRefresh] = w.graphRefreshHandler()
	return w
}

// ID returns the worker's identity as stamped into claimed jobs.
func (w *Worker) ID() string { return w.id }

// Handle installs or replaces the handler for a job type.
func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run claims and processes jobs until the context is cancelled. The
// in-flight job finishes before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "worker_id", w.id, "queues", w.opts.Queues)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker draining", "worker_id", w.id)
			return ctx.Err()
		default:
		}

		job, err := w.store.Claim(store.ClaimRequest{Queues: w.opts.Queues, WorkerID: w.id})
		if err != nil {
			slog.Error("claim failed", "worker_id", w.id, "error", err)
			sleepCtx(ctx, w.opts.PollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, w.opts.PollInterval)
			continue
		}
		w.process(ctx, job)
	}
}

// RunOne claims and processes at most one job; it reports whether a job
// was claimed. Used by tests and the drain path.
func (w *Worker) RunOne(ctx context.Context) (bool, error) {
	job, err := w.store.Claim(store.ClaimRequest{Queues: w.opts.Queues, WorkerID: w.id})
	if err != nil || job == nil {
		return false, err
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *store.Job) {
	ctx, span := w.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("job_id", job.JobID),
			attribute.String("job_type", job.JobType),
			attribute.Int("attempt", job.AttemptCount),
		))
	defer span.End()

	// Renew the lease at half the timeout so a healthy handler never
	// loses its job to the reclaim sweep.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	leaseLost := make(chan struct{})
	go w.heartbeat(hbCtx, job.JobID, leaseLost)

	handler := w.handlers[job.JobType]
	if handler == nil {
		stopHeartbeat()
		w.ack(job, nil, fmt.Errorf("no handler for job type %q", job.JobType))
		return
	}

	result, err := handler(ctx, job)
	stopHeartbeat()

	select {
	case <-leaseLost:
		// Another worker may already own this job. Drop the outcome.
		slog.Warn("lease lost, abandoning result", "worker_id", w.id, "job_id", job.JobID)
		return
	default:
	}
	w.ack(job, result, err)
}

func (w *Worker) ack(job *store.Job, result json.RawMessage, err error) {
	if err == nil {
		if cerr := w.store.Complete(job.JobID, w.id, result); cerr != nil {
			slog.Error("complete failed", "worker_id", w.id, "job_id", job.JobID, "error", cerr)
		}
		return
	}

	slog.Warn("job handler failed", "worker_id", w.id, "job_id", job.JobID,
		"job_type", job.JobType, "attempt", job.AttemptCount, "error", err)
	failed, ferr := w.store.Fail(job.JobID, w.id, err.Error())
	if ferr != nil {
		slog.Error("fail ack failed", "worker_id", w.id, "job_id", job.JobID, "error", ferr)
		return
	}
	if failed != nil && failed.Status == store.JobFailed && failed.JobType == store.JobTypeGraphRefresh {
		w.noteGraphRefreshFailure(failed)
	}
}

func (w *Worker) heartbeat(ctx context.Context, jobID string, leaseLost chan<- struct{}) {
	ticker := time.NewTicker(w.opts.LeaseTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.ExtendLease(jobID, w.id); err != nil {
				if store.IsLeaseLost(err) {
					close(leaseLost)
					return
				}
				slog.Warn("lease renewal error", "worker_id", w.id, "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) workflowHandler(exec *pipeline.Executor) Handler {
	return func(ctx context.Context, job *store.Job) (json.RawMessage, error) {
		var p struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, store.NewPermanentError(fmt.Sprintf("workflow payload: %v", err))
		}
		if err := pipeline.RunWorkflow(ctx, exec, w.store, p.RunID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"run_id": p.RunID, "status": "completed"})
	}
}

func (w *Worker) indexHandler(exec *pipeline.Executor) Handler {
	return func(ctx context.Context, job *store.Job) (json.RawMessage, error) {
		var p struct {
			RunID        string `json:"run_id"`
			PaperSetHash string `json:"paper_set_hash"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, store.NewPermanentError(fmt.Sprintf("index payload: %v", err))
		}
		out, err := exec.ExecuteStep(ctx, p.RunID, "index", p.PaperSetHash, map[string]string{
			"paper_set_hash": p.PaperSetHash,
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// graphRefreshHandler recomputes a graph payload and feeds the result back
// into the graph cache. The default recompute is a registered handler's
// concern; absent one the job records the key and timestamps only.
func (w *Worker) graphRefreshHandler() Handler {
	return func(ctx context.Context, job *store.Job) (json.RawMessage, error) {
		var p struct {
			GraphKey string `json:"graph_key"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, store.NewPermanentError(fmt.Sprintf("graph refresh payload: %v", err))
		}
		payload, _ := json.Marshal(map[string]string{"graph_key": p.GraphKey, "refreshed_by": w.id})
		if err := w.store.GraphRefreshSucceeded(p.GraphKey, payload, 10*time.Minute, time.Hour); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

func (w *Worker) noteGraphRefreshFailure(job *store.Job) {
	var p struct {
		GraphKey string `json:"graph_key"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.GraphKey == "" {
		return
	}
	if err := w.store.GraphRefreshFailed(p.GraphKey); err != nil {
		slog.Error("graph failure bookkeeping", "graph_key", p.GraphKey, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
