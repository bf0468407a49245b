package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GraphResult is what a graph-cache read hands back: the entry (possibly
// stale), its derived lifecycle state, and whether this read enqueued a
// background refresh.
type GraphResult struct {
	Entry           *GraphEntry `json:"entry,omitempty"`
	State           GraphState  `json:"state,omitempty"`
	RefreshEnqueued bool        `json:"refresh_enqueued,omitempty"`
}

// PutGraph writes (or replaces) a derived graph entry with fresh windows.
// staleAfter bounds the serve-without-refresh window, expireAfter the
// serve-while-refreshing window; expireAfter must exceed staleAfter.
func (s *Store) PutGraph(graphKey string, payload json.RawMessage, staleAfter, expireAfter time.Duration) (*GraphEntry, error) {
	if graphKey == "" {
		return nil, NewPermanentError("graph cache: empty key")
	}
	if expireAfter <= staleAfter {
		return nil, NewPermanentError(fmt.Sprintf("graph cache %s: expire window %s not after stale window %s", graphKey, expireAfter, staleAfter))
	}

	now := s.now()
	entry := GraphEntry{
		GraphKey:       graphKey,
		Payload:        orEmptyObject(payload),
		GeneratedAt:    now,
		StaleUntil:     now.Add(staleAfter),
		ExpiresAt:      now.Add(expireAfter),
		LastAccessedAt: now,
	}

	_, err := s.exec(`
		INSERT INTO graph_cache (
			graph_key, payload, generated_at, stale_until, expires_at,
			refresh_job_id, refresh_failures, last_accessed_at
		) VALUES (?,?,?,?,?,'',0,?)
		ON CONFLICT (graph_key) DO UPDATE SET
			payload          = excluded.payload,
			generated_at     = excluded.generated_at,
			stale_until      = excluded.stale_until,
			expires_at       = excluded.expires_at,
			refresh_job_id   = '',
			refresh_failures = 0,
			last_accessed_at = excluded.last_accessed_at`,
		entry.GraphKey, string(entry.Payload),
		fmtTime(entry.GeneratedAt), fmtTime(entry.StaleUntil), fmtTime(entry.ExpiresAt),
		fmtTime(entry.LastAccessedAt),
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ResolveGraph reads a graph entry and applies the staleness policy:
//
//   - fresh: serve directly;
//   - aging: serve the stale value and enqueue one background refresh if
//     none is already in flight (best-effort dedup against the jobs table,
//     not a lock — a rare duplicate refresh is harmless);
//   - past the give-up threshold: serve with state stale_no_refresh and
//     stop enqueueing;
//   - expired: the entry is returned with state expired and the caller must
//     recompute synchronously (then PutGraph).
//
// Absence is (Entry: nil, State: expired). Every read bumps
// last_accessed_at, the sole signal for the LRU eviction sweep.
func (s *Store) ResolveGraph(graphKey, refreshQueue string) (*GraphResult, error) {
	now := s.now()
	entry, err := s.getGraph(graphKey)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &GraphResult{State: GraphExpired}, nil
	}

	if _, err := s.exec("UPDATE graph_cache SET last_accessed_at = ? WHERE graph_key = ?",
		fmtTime(now), graphKey); err != nil {
		return nil, err
	}

	state := entry.State(now, s.GraphGiveUp)
	res := &GraphResult{Entry: entry, State: state}
	if state != GraphAging {
		return res, nil
	}

	enqueued, err := s.ensureGraphRefresh(entry, refreshQueue)
	if err != nil {
		return nil, err
	}
	res.RefreshEnqueued = enqueued
	return res, nil
}

// ensureGraphRefresh enqueues a refresh job unless the entry already points
// at one that is still queued, retrying or running.
func (s *Store) ensureGraphRefresh(entry *GraphEntry, refreshQueue string) (bool, error) {
	if entry.RefreshJobID != "" {
		job, err := s.GetJob(entry.RefreshJobID)
		if err != nil {
			return false, err
		}
		if job != nil && !IsTerminalJobStatus(job.Status) {
			return false, nil
		}
	}

	payload, _ := json.Marshal(map[string]string{"graph_key": entry.GraphKey})
	job, err := s.Enqueue(EnqueueRequest{
		QueueName: refreshQueue,
		JobType:   JobTypeGraphRefresh,
		Payload:   payload,
	})
	if err != nil {
		return false, err
	}

	_, err = s.exec("UPDATE graph_cache SET refresh_job_id = ? WHERE graph_key = ?",
		job.JobID, entry.GraphKey)
	if err != nil {
		return false, err
	}
	entry.RefreshJobID = job.JobID
	return true, nil
}

// GraphRefreshSucceeded installs a recomputed payload with new windows and
// resets the failure counter.
func (s *Store) GraphRefreshSucceeded(graphKey string, payload json.RawMessage, staleAfter, expireAfter time.Duration) error {
	_, err := s.PutGraph(graphKey, payload, staleAfter, expireAfter)
	return err
}

// GraphRefreshFailed bumps the consecutive-failure counter and detaches the
// finished job so a later read may try again (until the give-up threshold).
func (s *Store) GraphRefreshFailed(graphKey string) error {
	_, err := s.exec(`
		UPDATE graph_cache
		SET refresh_failures = refresh_failures + 1, refresh_job_id = ''
		WHERE graph_key = ?`, graphKey)
	return err
}

// EvictGraphsIdle deletes entries not read since the cutoff. LRU-style
// bounded-growth sweep; out of scope for correctness.
func (s *Store) EvictGraphsIdle(idleFor time.Duration) (int64, error) {
	cutoff := fmtTime(s.now().Add(-idleFor))
	res, err := s.exec("DELETE FROM graph_cache WHERE last_accessed_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) getGraph(graphKey string) (*GraphEntry, error) {
	row := s.db.Read.QueryRow(`
		SELECT graph_key, payload, generated_at, stale_until, expires_at,
		       refresh_job_id, refresh_failures, last_accessed_at
		FROM graph_cache WHERE graph_key = ?`, graphKey)

	var e GraphEntry
	var payload, generatedAt, staleUntil, expiresAt, lastAccessedAt string
	err := row.Scan(&e.GraphKey, &payload, &generatedAt, &staleUntil, &expiresAt,
		&e.RefreshJobID, &e.RefreshFailures, &lastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewTransientError("scan graph entry", err)
	}
	e.Payload = json.RawMessage(payload)
	e.GeneratedAt = parseTime(generatedAt)
	e.StaleUntil = parseTime(staleUntil)
	e.ExpiresAt = parseTime(expiresAt)
	e.LastAccessedAt = parseTime(lastAccessedAt)
	return &e, nil
}
