package store

import (
	"database/sql"
	"time"

	"github.com/lecternhq/lectern/internal/canonical"
)

// AnswerRequest identifies one answer-generation request. Tenant and the
// profile hashes are the knobs that can change an answer's validity;
// changing any of them forces a miss below the strict layer.
type AnswerRequest struct {
	Tenant               string `json:"tenant"`
	Query                string `json:"query"`
	Model                string `json:"model"`
	PaperFingerprint     string `json:"paper_fingerprint"`
	PromptProfileHash    string `json:"prompt_profile_hash,omitempty"`
	RetrievalProfileHash string `json:"retrieval_profile_hash,omitempty"`
	PersonaProfileHash   string `json:"persona_profile_hash,omitempty"`
}

// CacheKey is the strict-layer key: a digest over the raw literal request.
func (r AnswerRequest) CacheKey() string {
	key, err := canonical.Hash(canonical.DomainAnswer, r)
	if err != nil {
		// AnswerRequest is all strings; canonicalization cannot fail.
		panic(err)
	}
	return key
}

// LookupAnswer probes the cache layers in fixed precedence order and returns
// the first hit:
//
//  1. strict — exact match on the raw request digest, always eligible;
//  2. normalized — same tenant/corpus/model and the same normalized
//     question under identical profile hashes;
//  3. shared — the normalized predicate without the tenant filter,
//     restricted to rows stored with share_eligible set.
//
// Within a layer the newest row wins. A miss is (nil, "", nil).
func (s *Store) LookupAnswer(req AnswerRequest) (*CacheEntry, CacheLayer, error) {
	entry, err := s.answerRow(`
		SELECT `+answerColumns+` FROM answer_cache
		WHERE cache_key = ?
		ORDER BY created_at DESC LIMIT 1`, req.CacheKey())
	if err != nil {
		return nil, "", err
	}
	if entry != nil {
		return entry, LayerStrict, nil
	}

	normalized := NormalizeQuery(req.Query)

	entry, err = s.answerRow(`
		SELECT `+answerColumns+` FROM answer_cache
		WHERE tenant = ? AND paper_fingerprint = ? AND model = ? AND query_normalized = ?
		  AND prompt_profile_hash = ? AND retrieval_profile_hash = ? AND persona_profile_hash = ?
		ORDER BY created_at DESC LIMIT 1`,
		req.Tenant, req.PaperFingerprint, req.Model, normalized,
		req.PromptProfileHash, req.RetrievalProfileHash, req.PersonaProfileHash)
	if err != nil {
		return nil, "", err
	}
	if entry != nil {
		return entry, LayerNormalized, nil
	}

	// The only layer that can cross a tenant boundary; gated row by row on
	// the producing tenant's recorded consent.
	entry, err = s.answerRow(`
		SELECT `+answerColumns+` FROM answer_cache
		WHERE paper_fingerprint = ? AND model = ? AND query_normalized = ?
		  AND prompt_profile_hash = ? AND retrieval_profile_hash = ? AND persona_profile_hash = ?
		  AND share_eligible = 1
		ORDER BY created_at DESC LIMIT 1`,
		req.PaperFingerprint, req.Model, normalized,
		req.PromptProfileHash, req.RetrievalProfileHash, req.PersonaProfileHash)
	if err != nil {
		return nil, "", err
	}
	if entry != nil {
		return entry, LayerShared, nil
	}
	return nil, "", nil
}

// StoreAnswer appends a cache row. Rows are immutable: staleness is handled
// by preferring the newest row on read, never by updating in place, so every
// answer ever served stays reconstructable. shareEligible records the
// producing tenant's consent for cross-tenant reads at write time.
func (s *Store) StoreAnswer(req AnswerRequest, answer, contextHash string, shareEligible bool) (*CacheEntry, error) {
	now := s.now()
	entry := CacheEntry{
		ID:                   NewAnswerID(),
		Tenant:               req.Tenant,
		CacheKey:             req.CacheKey(),
		QueryRaw:             req.Query,
		QueryNormalized:      NormalizeQuery(req.Query),
		Model:                req.Model,
		PaperFingerprint:     req.PaperFingerprint,
		ContextHash:          contextHash,
		PromptProfileHash:    req.PromptProfileHash,
		RetrievalProfileHash: req.RetrievalProfileHash,
		PersonaProfileHash:   req.PersonaProfileHash,
		ShareEligible:        shareEligible,
		Answer:               answer,
		CreatedAt:            now,
	}

	_, err := s.exec(`
		INSERT INTO answer_cache (
			id, tenant, cache_key, query_raw, query_normalized, model,
			paper_fingerprint, context_hash, prompt_profile_hash,
			retrieval_profile_hash, persona_profile_hash, share_eligible,
			answer, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		entry.ID, entry.Tenant, entry.CacheKey, entry.QueryRaw, entry.QueryNormalized, entry.Model,
		entry.PaperFingerprint, entry.ContextHash, entry.PromptProfileHash,
		entry.RetrievalProfileHash, entry.PersonaProfileHash, boolToInt(entry.ShareEligible),
		entry.Answer, fmtTime(now),
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// InspectAnswer reports which layer would serve a hypothetical request,
// without side effects. For diagnostics surfaces.
func (s *Store) InspectAnswer(req AnswerRequest) (*CacheEntry, CacheLayer, error) {
	return s.LookupAnswer(req)
}

// EvictAnswersBefore deletes cache rows created before cutoff. Bounded
// storage only; correctness never depends on eviction.
func (s *Store) EvictAnswersBefore(cutoff time.Time) (int64, error) {
	res, err := s.exec("DELETE FROM answer_cache WHERE created_at < ?", fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const answerColumns = `id, tenant, cache_key, query_raw, query_normalized, model,
	paper_fingerprint, context_hash, prompt_profile_hash,
	retrieval_profile_hash, persona_profile_hash, share_eligible,
	answer, created_at`

func (s *Store) answerRow(query string, args ...any) (*CacheEntry, error) {
	row := s.db.Read.QueryRow(query, args...)
	var e CacheEntry
	var share int
	var createdAt string
	err := row.Scan(
		&e.ID, &e.Tenant, &e.CacheKey, &e.QueryRaw, &e.QueryNormalized, &e.Model,
		&e.PaperFingerprint, &e.ContextHash, &e.PromptProfileHash,
		&e.RetrievalProfileHash, &e.PersonaProfileHash, &share,
		&e.Answer, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewTransientError("scan cache entry", err)
	}
	e.ShareEligible = share != 0
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
