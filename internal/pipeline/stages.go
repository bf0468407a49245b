package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lecternhq/lectern/internal/store"
)

// Stages is the workflow in execution order. Each stage maps to one step
// record per run, keyed by the stage name, so resuming a run replays only
// the stages that have not reached a terminal-success record yet.
var Stages = []string{
	"prep",
	"ingest",
	"enrich",
	"agentic",
	"index",
	"evaluate",
	"report",
}

// stageInput is what each stage's idempotency hangs off: the run's pinned
// fingerprints plus the prior stage's output. A changed upstream output
// changes the input hash downstream, forcing recomputation from that point.
type stageInput struct {
	Stage        string          `json:"stage"`
	ConfigHash   string          `json:"config_hash"`
	PaperSetHash string          `json:"paper_set_hash"`
	Upstream     json.RawMessage `json:"upstream,omitempty"`
}

// RunWorkflow executes every stage for a run in order, threading each
// stage's output into the next stage's input. Already-completed stages
// resolve through the ledger without re-running.
func RunWorkflow(ctx context.Context, exec *Executor, s *store.Store, runID string) error {
	run, err := s.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return store.NewPermanentError(fmt.Sprintf("run %s not found", runID))
	}

	var upstream json.RawMessage
	for _, stage := range Stages {
		if !exec.Registered(stage) {
			return store.NewPermanentError(fmt.Sprintf("workflow stage %q has no step function", stage))
		}
		out, err := exec.ExecuteStep(ctx, runID, stage, stage, stageInput{
			Stage:        stage,
			ConfigHash:   run.ConfigHash,
			PaperSetHash: run.PaperSetHash,
			Upstream:     upstream,
		})
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		upstream = out
	}
	return nil
}

// RegisterDefaultStages installs pass-through step functions for every
// workflow stage. Deployments replace individual stages with real
// implementations; the defaults keep end-to-end runs executable.
func RegisterDefaultStages(exec *Executor) {
	for _, stage := range Stages {
		stage := stage
		exec.Register(stage, func(ctx context.Context, env *Env, input json.RawMessage) (json.RawMessage, error) {
			// No run-specific fields in the output: stage outputs feed the
			// next stage's input hash, and run-local values there would
			// defeat cross-run reuse.
			return json.Marshal(map[string]any{"stage": stage, "status": "ok"})
		})
	}
}
