package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lecternhq/lectern/internal/store"
)

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req store.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if req.JobType == "" {
		writeError(w, http.StatusBadRequest, "job_type is required", "VALIDATION_ERROR")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	job, err := s.store.Enqueue(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleFetch long-polls for a claimable job. Workers pass their queues and
// identity; 204 means nothing became available inside the poll window.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Queues      []string `json:"queues"`
		WorkerID    string   `json:"worker_id"`
		WaitSeconds int      `json:"wait_seconds,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if len(req.Queues) == 0 {
		writeError(w, http.StatusBadRequest, "queues is required", "VALIDATION_ERROR")
		return
	}

	wait := req.WaitSeconds
	if wait <= 0 {
		wait = 0
	}
	if wait > 30 {
		wait = 30
	}
	deadline := time.Now().Add(time.Duration(wait) * time.Second)

	for {
		job, err := s.store.Claim(store.ClaimRequest{Queues: req.Queues, WorkerID: req.WorkerID})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if job != nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
		if time.Now().After(deadline) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusNoContent)
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string          `json:"worker_id"`
		Result   json.RawMessage `json:"result,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}

	if err := s.store.Complete(chi.URLParam(r, "job_id"), req.WorkerID, req.Result); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
		Error    string `json:"error"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}

	job, err := s.store.Fail(chi.URLParam(r, "job_id"), req.WorkerID, req.Error)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}

	if err := s.store.ExtendLease(chi.URLParam(r, "job_id"), req.WorkerID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "job_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	jobs, err := s.store.ListJobs(store.JobFilter{
		QueueName: q.Get("queue"),
		Status:    q.Get("status"),
		WorkerID:  q.Get("worker_id"),
		Limit:     limit,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
