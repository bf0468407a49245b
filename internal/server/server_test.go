package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lecternhq/lectern/internal/store"
)

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	return testServerSecret(t, "")
}

func testServerSecret(t *testing.T, jwtSecret string) (*Server, *store.Store) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := store.NewStore(db)
	srv := New(s, ":0", jwtSecret)
	return srv, s
}

func doRequest(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	return doRequestAuth(srv, method, path, body, "")
}

func doRequestAuth(srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestCreateRunEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	body := map[string]any{
		"run_id":         "run-1",
		"workstream_id":  "ws-1",
		"config_hash":    "cfg-1",
		"paper_set_hash": "ps-1",
	}

	rr := doRequest(srv, "POST", "/api/v1/runs", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var run store.Run
	decodeResponse(t, rr, &run)
	if run.RunID != "run-1" {
		t.Errorf("run_id = %q, want run-1", run.RunID)
	}

	// Duplicate run IDs are a conflict, not an upsert.
	rr = doRequest(srv, "POST", "/api/v1/runs", body)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want %d", rr.Code, http.StatusConflict)
	}

	rr = doRequest(srv, "POST", "/api/v1/runs", map[string]any{"workstream_id": "ws-1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing run_id status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestGetRunEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	doRequest(srv, "POST", "/api/v1/runs", map[string]any{"run_id": "run-1"})

	rr := doRequest(srv, "GET", "/api/v1/runs/run-1", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, "GET", "/api/v1/runs/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestSetEffectiveConfigEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	doRequest(srv, "POST", "/api/v1/runs", map[string]any{"run_id": "run-1"})

	rr := doRequest(srv, "POST", "/api/v1/runs/run-1/config", map[string]any{
		"config_effective": map[string]string{"model": "m1"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]bool
	decodeResponse(t, rr, &resp)
	if !resp["applied"] {
		t.Error("first config write not applied")
	}

	// Fill-once: a second write is ignored, not an error.
	rr = doRequest(srv, "POST", "/api/v1/runs/run-1/config", map[string]any{
		"config_effective": map[string]string{"model": "m2"},
	})
	decodeResponse(t, rr, &resp)
	if resp["applied"] {
		t.Error("second config write reported applied")
	}
}

func TestRecordEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	doRequest(srv, "POST", "/api/v1/runs", map[string]any{"run_id": "run-1"})

	rr := doRequest(srv, "POST", "/api/v1/records", map[string]any{
		"run_id":      "run-1",
		"record_kind": "stage",
		"step":        "ingest",
		"record_key":  "paper-1",
		"status":      "completed",
		"output":      map[string]string{"text": "ok"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var rec store.Record
	decodeResponse(t, rr, &rec)
	if rec.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.Status)
	}

	rr = doRequest(srv, "GET", "/api/v1/records?run_id=run-1&step=ingest", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var list struct {
		Records []store.Record `json:"records"`
	}
	decodeResponse(t, rr, &list)
	if len(list.Records) != 1 {
		t.Errorf("records = %d, want 1", len(list.Records))
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(srv, "POST", "/api/v1/enqueue", map[string]any{
		"job_type": store.JobTypeGraphRefresh,
		"payload":  map[string]string{"graph_key": "g1"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var job store.Job
	decodeResponse(t, rr, &job)
	if job.JobID == "" {
		t.Error("job_id is empty")
	}

	// Schema violation: graph_refresh requires graph_key.
	rr = doRequest(srv, "POST", "/api/v1/enqueue", map[string]any{
		"job_type": store.JobTypeGraphRefresh,
		"payload":  map[string]string{},
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("schema violation status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = doRequest(srv, "POST", "/api/v1/enqueue", map[string]any{
		"payload": map[string]string{"graph_key": "g1"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing job_type status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestFetchAckFlow(t *testing.T) {
	srv, _ := testServer(t)

	doRequest(srv, "POST", "/api/v1/enqueue", map[string]any{
		"job_type": store.JobTypeGraphRefresh,
		"payload":  map[string]string{"graph_key": "g1"},
	})

	rr := doRequest(srv, "POST", "/api/v1/fetch", map[string]any{
		"queues":    []string{"default"},
		"worker_id": "w1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("fetch status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var job store.Job
	decodeResponse(t, rr, &job)
	if job.Status != store.JobRunning {
		t.Fatalf("claimed job status = %q, want running", job.Status)
	}
	if job.WorkerID == nil || *job.WorkerID != "w1" {
		t.Fatalf("worker_id = %v, want w1", job.WorkerID)
	}

	rr = doRequest(srv, "POST", "/api/v1/heartbeat/"+job.JobID, map[string]any{"worker_id": "w1"})
	if rr.Code != http.StatusOK {
		t.Errorf("heartbeat status = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, "POST", "/api/v1/ack/"+job.JobID, map[string]any{
		"worker_id": "w1",
		"result":    map[string]string{"done": "yes"},
	})
	if rr.Code != http.StatusOK {
		t.Errorf("ack status = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, "GET", "/api/v1/jobs/"+job.JobID, nil)
	decodeResponse(t, rr, &job)
	if job.Status != store.JobCompleted {
		t.Errorf("status after ack = %q, want completed", job.Status)
	}
}

func TestFetchEmptyQueueReturnsNoContent(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(srv, "POST", "/api/v1/fetch", map[string]any{
		"queues":    []string{"empty"},
		"worker_id": "w1",
	})
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
}

func TestFailEndpointWrongWorker(t *testing.T) {
	srv, _ := testServer(t)

	doRequest(srv, "POST", "/api/v1/enqueue", map[string]any{
		"job_type": store.JobTypeGraphRefresh,
		"payload":  map[string]string{"graph_key": "g1"},
	})
	rr := doRequest(srv, "POST", "/api/v1/fetch", map[string]any{
		"queues":    []string{"default"},
		"worker_id": "w1",
	})
	var job store.Job
	decodeResponse(t, rr, &job)

	// Failing with someone else's identity loses, with a conflict status.
	rr = doRequest(srv, "POST", "/api/v1/fail/"+job.JobID, map[string]any{
		"worker_id": "w2",
		"error":     "not mine",
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d, body: %s", rr.Code, http.StatusConflict, rr.Body.String())
	}

	rr = doRequest(srv, "POST", "/api/v1/fail/"+job.JobID, map[string]any{
		"worker_id": "w1",
		"error":     "transient upstream error",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("fail status = %d, body: %s", rr.Code, rr.Body.String())
	}
	decodeResponse(t, rr, &job)
	if job.Status != store.JobRetry {
		t.Errorf("status after fail = %q, want retry", job.Status)
	}
}

func TestAnswerCacheEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	req := map[string]any{
		"tenant":            "t1",
		"query":             "What is the main finding?",
		"model":             "m1",
		"paper_fingerprint": "fp-1",
	}

	rr := doRequest(srv, "POST", "/api/v1/cache/answers/lookup", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("lookup status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var resp answerLookupResponse
	decodeResponse(t, rr, &resp)
	if resp.Hit {
		t.Fatal("lookup hit before any store")
	}

	stored := map[string]any{"answer": "42"}
	for k, v := range req {
		stored[k] = v
	}
	rr = doRequest(srv, "POST", "/api/v1/cache/answers", stored)
	if rr.Code != http.StatusCreated {
		t.Fatalf("store status = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, "POST", "/api/v1/cache/answers/lookup", req)
	decodeResponse(t, rr, &resp)
	if !resp.Hit || resp.Layer != store.LayerStrict {
		t.Errorf("lookup = hit=%v layer=%q, want strict hit", resp.Hit, resp.Layer)
	}
	if resp.Entry == nil || resp.Entry.Answer != "42" {
		t.Errorf("entry = %+v, want answer 42", resp.Entry)
	}

	rr = doRequest(srv, "POST", "/api/v1/cache/answers/inspect", req)
	decodeResponse(t, rr, &resp)
	if !resp.Hit {
		t.Error("inspect missed a stored answer")
	}

	rr = doRequest(srv, "POST", "/api/v1/cache/answers/lookup", map[string]any{"tenant": "t1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing query status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestGraphCacheEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(srv, "GET", "/api/v1/cache/graphs/g1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("resolve before put status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = doRequest(srv, "PUT", "/api/v1/cache/graphs/g1", map[string]any{
		"payload": map[string]any{"nodes": []string{"a", "b"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, "GET", "/api/v1/cache/graphs/g1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var res store.GraphResult
	decodeResponse(t, rr, &res)
	if res.State != store.GraphFresh || res.Entry == nil {
		t.Errorf("result = %+v, want fresh entry", res)
	}
}

func signTestToken(t *testing.T, secret, tenant string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant": tenant,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthTenantIsolation(t *testing.T) {
	srv, _ := testServerSecret(t, "test-secret")
	req := map[string]any{
		"query":             "shared question",
		"model":             "m1",
		"paper_fingerprint": "fp-1",
	}
	tokenA := signTestToken(t, "test-secret", "tenant-a")
	tokenB := signTestToken(t, "test-secret", "tenant-b")

	stored := map[string]any{"answer": "private"}
	for k, v := range req {
		stored[k] = v
	}
	rr := doRequestAuth(srv, "POST", "/api/v1/cache/answers", stored, tokenA)
	if rr.Code != http.StatusCreated {
		t.Fatalf("store status = %d, body: %s", rr.Code, rr.Body.String())
	}

	var resp answerLookupResponse
	rr = doRequestAuth(srv, "POST", "/api/v1/cache/answers/lookup", req, tokenA)
	decodeResponse(t, rr, &resp)
	if !resp.Hit {
		t.Error("owner tenant missed its own answer")
	}

	// Same request under another tenant must not see the private answer.
	rr = doRequestAuth(srv, "POST", "/api/v1/cache/answers/lookup", req, tokenB)
	decodeResponse(t, rr, &resp)
	if resp.Hit {
		t.Error("foreign tenant read a private answer")
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	srv, _ := testServerSecret(t, "test-secret")

	rr := doRequestAuth(srv, "GET", "/api/v1/runs", nil, signTestToken(t, "wrong-secret", "t"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	// No header at all is the anonymous tenant, not a rejection.
	rr = doRequest(srv, "GET", "/api/v1/runs", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("anonymous status = %d, want %d", rr.Code, http.StatusOK)
	}
}
