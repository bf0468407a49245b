package scheduler_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/scheduler"
	"github.com/lecternhq/lectern/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := store.NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunOncePromotesAndReclaims(t *testing.T) {
	s := testStore(t)
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return clock })

	// One job stuck in retry with an elapsed available_at, one running with
	// an expired lease.
	retryJob, err := s.Enqueue(store.EnqueueRequest{
		JobType: store.JobTypeGraphRefresh,
		Payload: json.RawMessage(`{"graph_key":"g1"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w1"})
	if err != nil || claimed == nil {
		t.Fatalf("Claim: %v %v", claimed, err)
	}
	if _, err := s.Fail(claimed.JobID, "w1", "first failure"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	stuck, err := s.Enqueue(store.EnqueueRequest{
		JobType: store.JobTypeGraphRefresh,
		Payload: json.RawMessage(`{"graph_key":"g2"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue stuck: %v", err)
	}
	if _, err := s.Claim(store.ClaimRequest{Queues: []string{"default"}, WorkerID: "w-dead"}); err != nil {
		t.Fatalf("Claim stuck: %v", err)
	}

	clock = clock.Add(time.Hour)
	sched := scheduler.New(s, scheduler.Options{LeaseTimeout: time.Minute})
	sched.RunOnce()

	got, _ := s.GetJob(retryJob.JobID)
	if got.Status != store.JobQueued {
		t.Errorf("retry job status = %q, want queued after sweep", got.Status)
	}
	got, _ = s.GetJob(stuck.JobID)
	if got.Status != store.JobRetry && got.Status != store.JobQueued {
		t.Errorf("stuck job status = %q, want reclaimed", got.Status)
	}
}

func TestRunOnceEvictsCaches(t *testing.T) {
	s := testStore(t)
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return clock })

	if _, err := s.StoreAnswer(store.AnswerRequest{
		Tenant: "t", Query: "q", Model: "m", PaperFingerprint: "p",
	}, "old answer", "", false); err != nil {
		t.Fatalf("StoreAnswer: %v", err)
	}
	if _, err := s.PutGraph("idle", json.RawMessage(`{}`), time.Minute, time.Hour); err != nil {
		t.Fatalf("PutGraph: %v", err)
	}

	clock = clock.Add(60 * 24 * time.Hour)
	sched := scheduler.New(s, scheduler.Options{
		AnswerRetention: 30 * 24 * time.Hour,
		GraphIdle:       7 * 24 * time.Hour,
	})
	sched.RunOnce()

	entry, _, err := s.LookupAnswer(store.AnswerRequest{
		Tenant: "t", Query: "q", Model: "m", PaperFingerprint: "p",
	})
	if err != nil {
		t.Fatalf("LookupAnswer: %v", err)
	}
	if entry != nil {
		t.Error("expired answer survived the sweep")
	}

	res, err := s.ResolveGraph("idle", "default")
	if err != nil {
		t.Fatalf("ResolveGraph: %v", err)
	}
	if res.Entry != nil {
		t.Error("idle graph survived the sweep")
	}
}
