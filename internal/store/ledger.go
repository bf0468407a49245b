package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Upsert inserts a new Record or merges into the existing Record at the same
// (run_id, record_kind, step, record_key). The merge is field-specific:
//
//   - status and the hash/lineage scalars are last-writer-wins, except that a
//     record whose status is already terminal keeps its status, payload,
//     output and error unchanged;
//   - started_at is first-wins, finished_at is last-non-null-wins;
//   - payload/metadata/output JSON are shallow-merged, keys from the new
//     write overriding same-named keys from the old write (metadata merges
//     even on terminal records).
//
// Re-applying the same upsert is a no-op. The read-merge-write runs inside
// one transaction on the serialized write connection, and the final write is
// an ON CONFLICT upsert, so concurrent writers cannot interleave.
func (s *Store) Upsert(rec Record) (*Record, error) {
	if err := validateRecordKey(rec); err != nil {
		return nil, err
	}
	if !ValidRecordStatus(rec.Status) {
		return nil, NewPermanentError(fmt.Sprintf("record %s/%s/%s/%s: empty status", rec.RunID, rec.RecordKind, rec.Step, rec.RecordKey))
	}

	now := s.now()
	var merged Record

	err := s.execTx(func(tx *sql.Tx) error {
		existing, err := getRecordTx(tx, rec.RunID, rec.RecordKind, rec.Step, rec.RecordKey)
		if err != nil {
			return err
		}

		if existing == nil {
			merged = rec
			merged.PayloadJSON = orEmptyObject(rec.PayloadJSON)
			merged.MetadataJSON = orEmptyObject(rec.MetadataJSON)
			merged.OutputJSON = orEmptyObject(rec.OutputJSON)
			merged.CreatedAt = now
			merged.UpdatedAt = now
		} else {
			merged = mergeRecord(*existing, rec)
			merged.UpdatedAt = maxTime(existing.UpdatedAt, now)
		}

		_, err = tx.Exec(`
			INSERT INTO records (
				run_id, record_kind, step, record_key,
				status, idempotency_key, input_hash,
				reuse_source_run_id, reuse_source_record_key,
				payload_json, metadata_json, output_json, error,
				started_at, finished_at, created_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (run_id, record_kind, step, record_key) DO UPDATE SET
				status                  = excluded.status,
				idempotency_key         = excluded.idempotency_key,
				input_hash              = excluded.input_hash,
				reuse_source_run_id     = excluded.reuse_source_run_id,
				reuse_source_record_key = excluded.reuse_source_record_key,
				payload_json            = excluded.payload_json,
				metadata_json           = excluded.metadata_json,
				output_json             = excluded.output_json,
				error                   = excluded.error,
				started_at              = excluded.started_at,
				finished_at             = excluded.finished_at,
				updated_at              = excluded.updated_at`,
			merged.RunID, merged.RecordKind, merged.Step, merged.RecordKey,
			merged.Status, merged.IdempotencyKey, merged.InputHash,
			merged.ReuseSourceRunID, merged.ReuseSourceRecordKey,
			string(merged.PayloadJSON), string(merged.MetadataJSON), string(merged.OutputJSON), merged.Error,
			fmtTimePtr(merged.StartedAt), fmtTimePtr(merged.FinishedAt),
			fmtTime(merged.CreatedAt), fmtTime(merged.UpdatedAt),
		)
		if err != nil {
			return NewTransientError("upsert record", err)
		}

		// Step completion bumps the run's modification time.
		_, err = tx.Exec("UPDATE runs SET updated_at = ? WHERE run_id = ?", fmtTime(now), merged.RunID)
		if err != nil {
			return NewTransientError("touch run", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &merged, nil
}

func mergeRecord(old, new Record) Record {
	out := old
	frozen := IsTerminalStatus(old.Status)

	if !frozen {
		if new.Status != "" {
			out.Status = new.Status
		}
		out.PayloadJSON = mergeJSON(old.PayloadJSON, new.PayloadJSON)
		out.OutputJSON = mergeJSON(old.OutputJSON, new.OutputJSON)
		if new.Error != "" {
			out.Error = new.Error
		}
	}

	// Metadata may still be appended to a terminal record.
	out.MetadataJSON = mergeJSON(old.MetadataJSON, new.MetadataJSON)

	if new.IdempotencyKey != "" {
		out.IdempotencyKey = new.IdempotencyKey
	}
	if new.InputHash != "" {
		out.InputHash = new.InputHash
	}
	if new.ReuseSourceRunID != "" {
		out.ReuseSourceRunID = new.ReuseSourceRunID
	}
	if new.ReuseSourceRecordKey != "" {
		out.ReuseSourceRecordKey = new.ReuseSourceRecordKey
	}

	// started_at is first-wins, finished_at is last-non-null-wins.
	if old.StartedAt == nil {
		out.StartedAt = new.StartedAt
	}
	if new.FinishedAt != nil {
		out.FinishedAt = new.FinishedAt
	}

	return out
}

// mergeJSON is a shallow union of two JSON objects; keys from b override
// same-named keys from a. Non-object inputs count as empty.
func mergeJSON(a, b json.RawMessage) json.RawMessage {
	am := toObject(a)
	bm := toObject(b)
	if len(bm) == 0 {
		if len(am) == 0 {
			return json.RawMessage("{}")
		}
		return orEmptyObject(a)
	}
	for k, v := range bm {
		am[k] = v
	}
	out, err := json.Marshal(am)
	if err != nil {
		return orEmptyObject(a)
	}
	return out
}

func toObject(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]json.RawMessage{}
	}
	return m
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// FindReusable returns the most recent record sharing the idempotency key,
// if and only if its status is terminal-success. Absence is (nil, nil).
func (s *Store) FindReusable(recordKind, step, idempotencyKey string) (*Record, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	return s.findLatest(`
		SELECT `+recordColumns+`
		FROM records
		WHERE record_kind = ? AND step = ? AND idempotency_key = ?
		ORDER BY updated_at DESC, run_id DESC`,
		recordKind, step, idempotencyKey)
}

// FindByInputHash is the weaker reuse lookup keyed purely on semantic input
// equality, used for opportunistic cross-run reuse.
func (s *Store) FindByInputHash(recordKind, step, inputHash string) (*Record, error) {
	if inputHash == "" {
		return nil, nil
	}
	return s.findLatest(`
		SELECT `+recordColumns+`
		FROM records
		WHERE record_kind = ? AND step = ? AND input_hash = ?
		ORDER BY updated_at DESC, run_id DESC`,
		recordKind, step, inputHash)
}

// findLatest scans rows newest-first and returns the first terminal-success
// record. Non-success rows under the same key never satisfy reuse.
func (s *Store) findLatest(query string, args ...any) (*Record, error) {
	rows, err := s.db.Read.Query(query, args...)
	if err != nil {
		return nil, NewTransientError("query reusable records", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if IsTerminalSuccess(rec.Status) {
			return rec, nil
		}
	}
	return nil, rows.Err()
}

// GetRecord returns one record by its natural key, or nil when absent.
func (s *Store) GetRecord(runID, recordKind, step, recordKey string) (*Record, error) {
	row := s.db.Read.QueryRow(`
		SELECT `+recordColumns+`
		FROM records
		WHERE run_id = ? AND record_kind = ? AND step = ? AND record_key = ?`,
		runID, recordKind, step, recordKey)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// RecordFilter selects records for the query surface.
type RecordFilter struct {
	RunID        string
	RecordKind   string
	Step         string
	Status       string
	WorkstreamID string
	Limit        int
}

// ListRecords returns records matching the filter, newest first.
func (s *Store) ListRecords(f RecordFilter) ([]Record, error) {
	var where []string
	var args []any
	if f.RunID != "" {
		where = append(where, "r.run_id = ?")
		args = append(args, f.RunID)
	}
	if f.RecordKind != "" {
		where = append(where, "r.record_kind = ?")
		args = append(args, f.RecordKind)
	}
	if f.Step != "" {
		where = append(where, "r.step = ?")
		args = append(args, f.Step)
	}
	if f.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, f.Status)
	}
	query := "SELECT " + prefixedRecordColumns + " FROM records r"
	if f.WorkstreamID != "" {
		query += " JOIN runs ON runs.run_id = r.run_id"
		where = append(where, "runs.workstream_id = ?")
		args = append(args, f.WorkstreamID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.updated_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Read.Query(query, args...)
	if err != nil {
		return nil, NewTransientError("list records", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const recordColumns = `run_id, record_kind, step, record_key,
	status, idempotency_key, input_hash,
	reuse_source_run_id, reuse_source_record_key,
	payload_json, metadata_json, output_json, error,
	started_at, finished_at, created_at, updated_at`

const prefixedRecordColumns = `r.run_id, r.record_kind, r.step, r.record_key,
	r.status, r.idempotency_key, r.input_hash,
	r.reuse_source_run_id, r.reuse_source_record_key,
	r.payload_json, r.metadata_json, r.output_json, r.error,
	r.started_at, r.finished_at, r.created_at, r.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var payload, metadata, output string
	var startedAt, finishedAt *string
	var createdAt, updatedAt string
	err := row.Scan(
		&rec.RunID, &rec.RecordKind, &rec.Step, &rec.RecordKey,
		&rec.Status, &rec.IdempotencyKey, &rec.InputHash,
		&rec.ReuseSourceRunID, &rec.ReuseSourceRecordKey,
		&payload, &metadata, &output, &rec.Error,
		&startedAt, &finishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, NewTransientError("scan record", err)
	}
	rec.PayloadJSON = json.RawMessage(payload)
	rec.MetadataJSON = json.RawMessage(metadata)
	rec.OutputJSON = json.RawMessage(output)
	rec.StartedAt = parseTimePtr(startedAt)
	rec.FinishedAt = parseTimePtr(finishedAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func getRecordTx(tx *sql.Tx, runID, recordKind, step, recordKey string) (*Record, error) {
	row := tx.QueryRow(`
		SELECT `+recordColumns+`
		FROM records
		WHERE run_id = ? AND record_kind = ? AND step = ? AND record_key = ?`,
		runID, recordKind, step, recordKey)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func validateRecordKey(rec Record) error {
	if strings.TrimSpace(rec.RunID) == "" {
		return NewPermanentError("record: empty run_id")
	}
	switch rec.RecordKind {
	case KindRun, KindStep, KindReport, KindQuestion, KindArtifact, KindWorkstreamLink:
	default:
		return NewPermanentError(fmt.Sprintf("record: unknown record_kind %q", rec.RecordKind))
	}
	return nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
