// Package pipeline resolves step idempotency against the ledger and runs
// registered step functions. ExecuteStep is the only entry point stage
// executors use; re-running the same logical step is free.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lecternhq/lectern/internal/canonical"
	"github.com/lecternhq/lectern/internal/store"
)

// StepFunc executes one pipeline step. Input and output are free-form JSON
// objects; a returned error produces a terminal failed record.
type StepFunc func(ctx context.Context, env *Env, input json.RawMessage) (json.RawMessage, error)

// Env is what step functions get to work with.
type Env struct {
	Store *store.Store
	Run   *store.Run
}

// Executor computes dedup keys, consults the ledger before allowing new
// work, and writes results back.
type Executor struct {
	store  *store.Store
	steps  map[string]StepFunc
	tracer trace.Tracer
}

// NewExecutor creates an Executor with an empty step registry.
func NewExecutor(s *store.Store) *Executor {
	return &Executor{
		store:  s,
		steps:  make(map[string]StepFunc),
		tracer: otel.Tracer("lectern/pipeline"),
	}
}

// Register installs a step function under a name. Later registrations
// replace earlier ones.
func (e *Executor) Register(step string, fn StepFunc) {
	e.steps[step] = fn
}

// Registered reports whether a step function exists for the name.
func (e *Executor) Registered(step string) bool {
	_, ok := e.steps[step]
	return ok
}

// ExecuteStep runs a named step for a run with a semantic input, resolving
// idempotency first:
//
//  1. the exact idempotency key (scoped by step, record key, input, and the
//     run's config and corpus fingerprints) short-circuits to a prior
//     terminal-success record — strict reuse for resumed or retried runs;
//  2. failing that, a record with the same input hash from any run donates
//     its output, stamped with reuse lineage instead of recomputation;
//  3. otherwise the step function runs and its result is written back as a
//     terminal record.
//
// Upserts along the way are idempotent, so concurrent invocations with the
// same inputs converge on one stored outcome.
func (e *Executor) ExecuteStep(ctx context.Context, runID, step, recordKey string, semanticInput any) (json.RawMessage, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.execute_step",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("step", step),
			attribute.String("record_key", recordKey),
		))
	defer span.End()

	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, store.NewPermanentError(fmt.Sprintf("run %s not found", runID))
	}

	inputJSON, err := canonical.MarshalJSON(semanticInput)
	if err != nil {
		return nil, store.NewPermanentError(fmt.Sprintf("step %s: unhashable semantic input: %v", step, err))
	}
	inputHash := canonical.HashBytes(canonical.DomainInput, inputJSON)
	idemKey, err := canonical.Hash(canonical.DomainIdempotency, map[string]string{
		"step":           step,
		"record_key":     recordKey,
		"input_hash":     inputHash,
		"config_hash":    run.ConfigHash,
		"paper_set_hash": run.PaperSetHash,
	})
	if err != nil {
		return nil, store.NewPermanentError(fmt.Sprintf("step %s: idempotency key: %v", step, err))
	}

	payload := inputPayload(inputJSON)

	// Strict reuse: same logical step under the same config and corpus.
	if prior, err := e.store.FindReusable(store.KindStep, step, idemKey); err != nil {
		return nil, err
	} else if prior != nil {
		span.SetAttributes(attribute.String("reuse", "idempotency_key"))
		return e.recordReuse(runID, step, recordKey, idemKey, inputHash, payload, prior)
	}

	// Opportunistic reuse: any run that computed the same semantic input.
	if prior, err := e.store.FindByInputHash(store.KindStep, step, inputHash); err != nil {
		return nil, err
	} else if prior != nil {
		span.SetAttributes(attribute.String("reuse", "input_hash"))
		return e.recordReuse(runID, step, recordKey, idemKey, inputHash, payload, prior)
	}

	fn, ok := e.steps[step]
	if !ok {
		return nil, store.NewPermanentError(fmt.Sprintf("no step function registered for %q", step))
	}

	started := time.Now()
	if _, err := e.store.Upsert(store.Record{
		RunID:          runID,
		RecordKind:     store.KindStep,
		Step:           step,
		RecordKey:      recordKey,
		Status:         store.StatusRunning,
		IdempotencyKey: idemKey,
		InputHash:      inputHash,
		PayloadJSON:    payload,
		StartedAt:      &started,
	}); err != nil {
		return nil, err
	}

	output, stepErr := fn(ctx, &Env{Store: e.store, Run: run}, inputJSON)
	finished := time.Now()

	if stepErr != nil {
		slog.Error("step failed", "run_id", runID, "step", step, "error", stepErr)
		if _, err := e.store.Upsert(store.Record{
			RunID:      runID,
			RecordKind: store.KindStep,
			Step:       step,
			RecordKey:  recordKey,
			Status:     store.StatusFailed,
			Error:      stepErr.Error(),
			FinishedAt: &finished,
		}); err != nil {
			return nil, err
		}
		return nil, stepErr
	}

	if _, err := e.store.Upsert(store.Record{
		RunID:      runID,
		RecordKind: store.KindStep,
		Step:       step,
		RecordKey:  recordKey,
		Status:     store.StatusCompleted,
		OutputJSON: outputObject(output),
		FinishedAt: &finished,
	}); err != nil {
		return nil, err
	}

	slog.Info("step completed", "run_id", runID, "step", step, "record_key", recordKey,
		"duration_ms", finished.Sub(started).Milliseconds())
	return outputObject(output), nil
}

// recordReuse writes a reused record pointing at the donor and returns the
// donor's output. Writing into an already-terminal record of this run is a
// no-op for payload/output thanks to the merge freeze.
func (e *Executor) recordReuse(runID, step, recordKey, idemKey, inputHash string, payload json.RawMessage, prior *store.Record) (json.RawMessage, error) {
	now := time.Now()
	rec := store.Record{
		RunID:          runID,
		RecordKind:     store.KindStep,
		Step:           step,
		RecordKey:      recordKey,
		Status:         store.StatusReused,
		IdempotencyKey: idemKey,
		InputHash:      inputHash,
		PayloadJSON:    payload,
		OutputJSON:     prior.OutputJSON,
		StartedAt:      &now,
		FinishedAt:     &now,
	}
	if prior.RunID != runID || prior.RecordKey != recordKey {
		rec.ReuseSourceRunID = prior.RunID
		rec.ReuseSourceRecordKey = prior.RecordKey
	}
	stored, err := e.store.Upsert(rec)
	if err != nil {
		return nil, err
	}
	slog.Debug("step reused", "run_id", runID, "step", step,
		"source_run_id", prior.RunID, "source_record_key", prior.RecordKey)
	return stored.OutputJSON, nil
}

func inputPayload(inputJSON []byte) json.RawMessage {
	// The records payload column is a JSON object; wrap non-object inputs.
	if len(inputJSON) > 0 && inputJSON[0] == '{' {
		return inputJSON
	}
	wrapped, _ := json.Marshal(map[string]json.RawMessage{"input": inputJSON})
	return wrapped
}

func outputObject(output json.RawMessage) json.RawMessage {
	if len(output) == 0 {
		return json.RawMessage("{}")
	}
	if output[0] == '{' {
		return output
	}
	wrapped, _ := json.Marshal(map[string]json.RawMessage{"output": output})
	return wrapped
}
