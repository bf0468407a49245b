package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lecternhq/lectern/internal/store"
)

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var run store.Run
	if err := decodeJSON(r, &run); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if run.RunID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required", "VALIDATION_ERROR")
		return
	}

	created, err := s.store.CreateRun(run)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "run_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.URL.Query().Get("workstream_id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleSetEffectiveConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfigEffective json.RawMessage `json:"config_effective"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}

	applied, err := s.store.SetEffectiveConfig(chi.URLParam(r, "run_id"), req.ConfigEffective)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleUpsertRecord(w http.ResponseWriter, r *http.Request) {
	var rec store.Record
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}

	merged, err := s.store.Upsert(rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	records, err := s.store.ListRecords(store.RecordFilter{
		RunID:        q.Get("run_id"),
		RecordKind:   q.Get("record_kind"),
		Step:         q.Get("step"),
		Status:       q.Get("status"),
		WorkstreamID: q.Get("workstream_id"),
		Limit:        limit,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
