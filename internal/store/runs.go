package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// CreateRun inserts a run row. run_id is caller-assigned; creating the same
// run twice is a conflict, not an error the caller can't recover from.
// Lineage via parent_run_id must not form a cycle.
func (s *Store) CreateRun(run Run) (*Run, error) {
	if strings.TrimSpace(run.RunID) == "" {
		return nil, NewPermanentError("run: empty run_id")
	}
	if run.ParentRunID == run.RunID {
		return nil, NewPermanentError(fmt.Sprintf("run %s: parent_run_id points at itself", run.RunID))
	}
	if run.ParentRunID != "" {
		cyclic, err := s.lineageContains(run.ParentRunID, run.RunID)
		if err != nil {
			return nil, err
		}
		if cyclic {
			return nil, NewPermanentError(fmt.Sprintf("run %s: lineage cycle through %s", run.RunID, run.ParentRunID))
		}
	}

	now := s.now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if len(run.ConfigEffectiveJSON) == 0 {
		run.ConfigEffectiveJSON = json.RawMessage("{}")
	}

	res, err := s.exec(`
		INSERT INTO runs (
			run_id, workstream_id, arm, parent_run_id, trigger_source,
			config_hash, paper_set_hash, config_effective_json,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (run_id) DO NOTHING`,
		run.RunID, run.WorkstreamID, run.Arm, run.ParentRunID, run.TriggerSource,
		run.ConfigHash, run.PaperSetHash, string(run.ConfigEffectiveJSON),
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, NewConflictError(fmt.Sprintf("run %s already exists", run.RunID))
	}
	return &run, nil
}

// lineageContains walks parent pointers from startID looking for target.
func (s *Store) lineageContains(startID, target string) (bool, error) {
	seen := map[string]bool{}
	cur := startID
	for cur != "" && !seen[cur] {
		if cur == target {
			return true, nil
		}
		seen[cur] = true
		var parent string
		err := s.db.Read.QueryRow("SELECT parent_run_id FROM runs WHERE run_id = ?", cur).Scan(&parent)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, NewTransientError("walk run lineage", err)
		}
		cur = parent
	}
	return false, nil
}

// SetEffectiveConfig records the materialized configuration for a run.
// Fill-once: the write is dropped if a non-empty value is already stored.
func (s *Store) SetEffectiveConfig(runID string, effective json.RawMessage) (bool, error) {
	if len(effective) == 0 {
		return false, nil
	}
	res, err := s.exec(`
		UPDATE runs
		SET config_effective_json = ?, updated_at = ?
		WHERE run_id = ?
		  AND (config_effective_json = '' OR config_effective_json = '{}')`,
		string(effective), fmtTime(s.now()), runID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetRun returns a run by ID, or nil when absent.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.Read.QueryRow(`
		SELECT run_id, workstream_id, arm, parent_run_id, trigger_source,
		       config_hash, paper_set_hash, config_effective_json,
		       created_at, updated_at
		FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs, optionally filtered by workstream, newest first.
func (s *Store) ListRuns(workstreamID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT run_id, workstream_id, arm, parent_run_id, trigger_source,
		       config_hash, paper_set_hash, config_effective_json,
		       created_at, updated_at
		FROM runs`
	var args []any
	if workstreamID != "" {
		query += " WHERE workstream_id = ?"
		args = append(args, workstreamID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Read.Query(query, args...)
	if err != nil {
		return nil, NewTransientError("list runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var effective, createdAt, updatedAt string
	err := row.Scan(
		&run.RunID, &run.WorkstreamID, &run.Arm, &run.ParentRunID, &run.TriggerSource,
		&run.ConfigHash, &run.PaperSetHash, &effective,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, NewTransientError("scan run", err)
	}
	run.ConfigEffectiveJSON = json.RawMessage(effective)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}
