package store_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/store"
)

func enqueueGraphRefresh(t *testing.T, s *store.Store, key string) *store.Job {
	t.Helper()
	job, err := s.Enqueue(store.EnqueueRequest{
		JobType: store.JobTypeGraphRefresh,
		Payload: json.RawMessage(`{"graph_key":"` + key + `"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func TestEnqueueDefaults(t *testing.T) {
	s := testStore(t)

	job := enqueueGraphRefresh(t, s, "g1")
	if job.JobID == "" {
		t.Error("Enqueue returned empty job ID")
	}
	if job.Status != store.JobQueued {
		t.Errorf("status = %q, want %q", job.Status, store.JobQueued)
	}
	if job.QueueName != "default" {
		t.Errorf("queue = %q, want default", job.QueueName)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", job.MaxAttempts)
	}
	if job.RetryBackoff != store.BackoffExponential {
		t.Errorf("backoff = %q, want exponential", job.RetryBackoff)
	}
}

func TestEnqueueValidatesPayload(t *testing.T) {
	s := testStore(t)

	_, err := s.Enqueue(store.EnqueueRequest{
		JobType: store.JobTypeWorkflow,
		Payload: json.RawMessage(`{"not_run_id":true}`),
	})
	if !store.IsPermanent(err) {
		t.Errorf("missing run_id: got %v, want permanent error", err)
	}

	_, err = s.Enqueue(store.EnqueueRequest{JobType: "mystery", Payload: json.RawMessage(`{}`)})
	if !store.IsPermanent(err) {
		t.Errorf("unknown job type: got %v, want permanent error", err)
	}
}

func TestClaimTransitionsToRunning(t *testing.T) {
	s := testStore(t)
	job := enqueueGraphRefresh(t, s, "g1")

	claimed, err := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.JobID != job.JobID {
		t.Fatalf("Claim = %+v, want job %s", claimed, job.JobID)
	}
	if claimed.Status != store.JobRunning {
		t.Errorf("status = %q, want running", claimed.Status)
	}
	if claimed.WorkerID == nil || *claimed.WorkerID != "w1" {
		t.Errorf("worker_id = %v, want w1", claimed.WorkerID)
	}
	if claimed.LockedAt == nil {
		t.Error("locked_at not stamped")
	}

	// Nothing else to claim.
	second, err := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w2"})
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if second != nil {
		t.Errorf("second Claim = %+v, want nil", second)
	}
}

func TestClaimSkipsFutureJobs(t *testing.T) {
	s := testStore(t)
	clock := newFakeClock(s)

	later := clock.now.Add(time.Hour)
	if _, err := s.Enqueue(store.EnqueueRequest{
		JobType:     store.JobTypeGraphRefresh,
		Payload:     json.RawMessage(`{"graph_key":"g1"}`),
		AvailableAt: &later,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job != nil {
		t.Fatalf("claimed a job scheduled in the future: %+v", job)
	}

	clock.advance(2 * time.Hour)
	job, err = s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Claim after advance: %v", err)
	}
	if job == nil {
		t.Fatal("job not claimable after its available_at elapsed")
	}
}

func TestConcurrentClaimersGetDistinctJobs(t *testing.T) {
	s := testStore(t)

	const jobs = 4
	const claimers = 16
	for i := 0; i < jobs; i++ {
		enqueueGraphRefresh(t, s, "g")
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			job, err := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w"})
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if job == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := seen[job.JobID]; dup {
				t.Errorf("job %s claimed twice (%s and w%d)", job.JobID, prev, worker)
			}
			seen[job.JobID] = job.JobID
		}(i)
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := testStore(t)
	enqueueGraphRefresh(t, s, "g1")

	job, err := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if err != nil || job == nil {
		t.Fatalf("Claim: %v %v", job, err)
	}

	result := json.RawMessage(`{"ok":true}`)
	if err := s.Complete(job.JobID, "w1", result); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Same completion again: no-op.
	if err := s.Complete(job.JobID, "w1", result); err != nil {
		t.Fatalf("repeated Complete: %v", err)
	}
	// Different result: the lease is genuinely gone.
	err = s.Complete(job.JobID, "w1", json.RawMessage(`{"ok":false}`))
	if !store.IsLeaseLost(err) {
		t.Errorf("conflicting Complete: got %v, want lease-lost error", err)
	}

	got, _ := s.GetJob(job.JobID)
	if got.Status != store.JobCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.WorkerID != nil || got.LockedAt != nil {
		t.Error("lease fields not cleared on completion")
	}
}

func TestFailMovesToRetryWithBackoff(t *testing.T) {
	s := testStore(t)
	clock := newFakeClock(s)

	jobReq := store.EnqueueRequest{
		JobType:           store.JobTypeGraphRefresh,
		Payload:           json.RawMessage(`{"graph_key":"g1"}`),
		MaxAttempts:       3,
		RetryDelaySeconds: 10,
		RetryBackoff:      store.BackoffExponential,
	}
	if _, err := s.Enqueue(jobReq); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if err != nil || job == nil {
		t.Fatalf("Claim: %v %v", job, err)
	}

	failed, err := s.Fail(job.JobID, "w1", "boom")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != store.JobRetry {
		t.Errorf("status = %q, want retry", failed.Status)
	}
	if failed.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", failed.AttemptCount)
	}
	if failed.Error != "boom" {
		t.Errorf("error = %q, want boom", failed.Error)
	}
	wantAt := clock.now.Add(10 * time.Second)
	if !failed.AvailableAt.Equal(wantAt) {
		t.Errorf("available_at = %v, want %v (first exponential delay)", failed.AvailableAt, wantAt)
	}
}

func TestFailExhaustsAttempts(t *testing.T) {
	s := testStore(t)
	clock := newFakeClock(s)

	if _, err := s.Enqueue(store.EnqueueRequest{
		JobType:           store.JobTypeGraphRefresh,
		Payload:           json.RawMessage(`{"graph_key":"g1"}`),
		MaxAttempts:       2,
		RetryDelaySeconds: 1,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, _ := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if job == nil {
		t.Fatal("no job claimed")
	}
	if _, err := s.Fail(job.JobID, "w1", "first"); err != nil {
		t.Fatalf("first Fail: %v", err)
	}

	clock.advance(time.Minute)
	if _, err := s.PromoteRetries(); err != nil {
		t.Fatalf("PromoteRetries: %v", err)
	}
	again, _ := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if again == nil {
		t.Fatal("retry not claimable after promotion")
	}

	final, err := s.Fail(again.JobID, "w1", "second")
	if err != nil {
		t.Fatalf("second Fail: %v", err)
	}
	if final.Status != store.JobFailed {
		t.Errorf("status = %q, want failed after exhausting attempts", final.Status)
	}
	if final.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", final.AttemptCount)
	}
}

func TestFailRequiresLease(t *testing.T) {
	s := testStore(t)
	enqueueGraphRefresh(t, s, "g1")

	job, _ := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if job == nil {
		t.Fatal("no job claimed")
	}

	_, err := s.Fail(job.JobID, "w2", "not mine")
	if !store.IsLeaseLost(err) {
		t.Errorf("Fail by wrong worker: got %v, want lease-lost error", err)
	}
}

func TestExtendLease(t *testing.T) {
	s := testStore(t)
	enqueueGraphRefresh(t, s, "g1")

	job, _ := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if job == nil {
		t.Fatal("no job claimed")
	}

	if err := s.ExtendLease(job.JobID, "w1"); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	if err := s.ExtendLease(job.JobID, "w2"); !store.IsLeaseLost(err) {
		t.Errorf("ExtendLease by wrong worker: got %v, want lease-lost error", err)
	}
}

// A worker claims a job, dies, the reclaim sweep recovers it, and a second
// worker finishes it. The dead worker's late completion is rejected.
func TestLeaseExpiryRecovery(t *testing.T) {
	s := testStore(t)
	clock := newFakeClock(s)
	enqueueGraphRefresh(t, s, "g1")

	job, _ := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if job == nil {
		t.Fatal("no job claimed")
	}

	// Lease not yet expired: the sweep leaves the job alone.
	n, err := s.ReclaimExpired(time.Minute)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d jobs with a live lease", n)
	}

	clock.advance(2 * time.Minute)
	n, err = s.ReclaimExpired(time.Minute)
	if err != nil {
		t.Fatalf("ReclaimExpired after expiry: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d jobs, want 1", n)
	}

	got, _ := s.GetJob(job.JobID)
	if got.Status != store.JobRetry {
		t.Fatalf("status = %q, want retry after reclaim", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 after lease expiry", got.AttemptCount)
	}

	// Promotion does not burn another attempt.
	clock.advance(time.Hour)
	if _, err := s.PromoteRetries(); err != nil {
		t.Fatalf("PromoteRetries: %v", err)
	}
	got, _ = s.GetJob(job.JobID)
	if got.Status != store.JobQueued {
		t.Fatalf("status = %q, want queued after promotion", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d after promotion, promotion must not increment", got.AttemptCount)
	}

	second, _ := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w2"})
	if second == nil || second.JobID != job.JobID {
		t.Fatalf("second worker could not claim the reclaimed job: %+v", second)
	}
	if err := s.Complete(second.JobID, "w2", json.RawMessage(`{"by":"w2"}`)); err != nil {
		t.Fatalf("Complete by w2: %v", err)
	}

	// The original worker wakes up and tries to report its stale result.
	err = s.Complete(job.JobID, "w1", json.RawMessage(`{"by":"w1"}`))
	if !store.IsLeaseLost(err) {
		t.Errorf("stale completion: got %v, want lease-lost error", err)
	}
	final, _ := s.GetJob(job.JobID)
	if string(final.Result) != `{"by":"w2"}` {
		t.Errorf("result = %s, the reclaiming worker's result must stand", final.Result)
	}
}

func TestReclaimExhaustedAttemptsFailsTerminally(t *testing.T) {
	s := testStore(t)
	clock := newFakeClock(s)

	if _, err := s.Enqueue(store.EnqueueRequest{
		JobType:     store.JobTypeGraphRefresh,
		Payload:     json.RawMessage(`{"graph_key":"g1"}`),
		MaxAttempts: 1,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, _ := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if job == nil {
		t.Fatal("no job claimed")
	}

	clock.advance(time.Hour)
	if _, err := s.ReclaimExpired(time.Minute); err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}

	got, _ := s.GetJob(job.JobID)
	if got.Status != store.JobFailed {
		t.Errorf("status = %q, want failed when the last attempt's lease expires", got.Status)
	}
}

func TestRetryDelayStrategies(t *testing.T) {
	tests := []struct {
		strategy string
		attempt  int
		base     int
		max      int
		want     time.Duration
	}{
		{store.BackoffFixed, 1, 10, 600, 10 * time.Second},
		{store.BackoffFixed, 5, 10, 600, 10 * time.Second},
		{store.BackoffLinear, 3, 10, 600, 30 * time.Second},
		{store.BackoffExponential, 1, 10, 600, 10 * time.Second},
		{store.BackoffExponential, 3, 10, 600, 40 * time.Second},
		{store.BackoffExponential, 10, 10, 60, 60 * time.Second},
	}
	for _, tt := range tests {
		got := store.RetryDelay(tt.strategy, tt.attempt, tt.base, tt.max)
		if got != tt.want {
			t.Errorf("RetryDelay(%s, attempt=%d) = %v, want %v", tt.strategy, tt.attempt, got, tt.want)
		}
	}
}

func TestListJobsFilters(t *testing.T) {
	s := testStore(t)
	enqueueGraphRefresh(t, s, "g1")
	if _, err := s.Enqueue(store.EnqueueRequest{
		QueueName: "bulk",
		JobType:   store.JobTypeGraphRefresh,
		Payload:   json.RawMessage(`{"graph_key":"g2"}`),
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	jobs, err := s.ListJobs(store.JobFilter{QueueName: "bulk"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].QueueName != "bulk" {
		t.Errorf("ListJobs(bulk) = %+v, want one bulk job", jobs)
	}

	jobs, err = s.ListJobs(store.JobFilter{Status: store.JobQueued})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("ListJobs(queued) = %d jobs, want 2", len(jobs))
	}
}
