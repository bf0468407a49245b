package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lecternhq/lectern/internal/store"
)

// answerLookupResponse reports a hit with its layer, or hit=false.
type answerLookupResponse struct {
	Hit   bool              `json:"hit"`
	Layer store.CacheLayer  `json:"layer,omitempty"`
	Entry *store.CacheEntry `json:"entry,omitempty"`
}

func (s *Server) handleAnswerLookup(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAnswerRequest(w, r)
	if !ok {
		return
	}

	entry, layer, err := s.store.LookupAnswer(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerLookupResponse{Hit: entry != nil, Layer: layer, Entry: entry})
}

func (s *Server) handleAnswerStore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		store.AnswerRequest
		Answer        string `json:"answer"`
		ContextHash   string `json:"context_hash,omitempty"`
		ShareEligible bool   `json:"share_eligible"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if body.Answer == "" {
		writeError(w, http.StatusBadRequest, "answer is required", "VALIDATION_ERROR")
		return
	}
	if tenant := TenantFrom(r.Context()); tenant != "" {
		body.Tenant = tenant
	}

	entry, err := s.store.StoreAnswer(body.AnswerRequest, body.Answer, body.ContextHash, body.ShareEligible)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleAnswerInspect answers "would this hit?" without counting as a read.
func (s *Server) handleAnswerInspect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAnswerRequest(w, r)
	if !ok {
		return
	}

	entry, layer, err := s.store.InspectAnswer(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerLookupResponse{Hit: entry != nil, Layer: layer, Entry: entry})
}

func (s *Server) decodeAnswerRequest(w http.ResponseWriter, r *http.Request) (store.AnswerRequest, bool) {
	var req store.AnswerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return req, false
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required", "VALIDATION_ERROR")
		return req, false
	}
	if tenant := TenantFrom(r.Context()); tenant != "" {
		req.Tenant = tenant
	}
	return req, true
}

func (s *Server) handleGraphResolve(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("refresh_queue")
	if queue == "" {
		queue = "default"
	}
	res, err := s.store.ResolveGraph(chi.URLParam(r, "graph_key"), queue)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if res.Entry == nil {
		writeError(w, http.StatusNotFound, "graph not cached", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGraphPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload            json.RawMessage `json:"payload"`
		StaleAfterSeconds  int             `json:"stale_after_seconds"`
		ExpireAfterSeconds int             `json:"expire_after_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if req.StaleAfterSeconds <= 0 {
		req.StaleAfterSeconds = 600
	}
	if req.ExpireAfterSeconds <= 0 {
		req.ExpireAfterSeconds = 3600
	}

	entry, err := s.store.PutGraph(chi.URLParam(r, "graph_key"), req.Payload,
		time.Duration(req.StaleAfterSeconds)*time.Second,
		time.Duration(req.ExpireAfterSeconds)*time.Second)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
