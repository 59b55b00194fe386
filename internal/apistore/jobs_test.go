package apistore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/domain"
)

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const jobs = 5
	for i := 0; i < jobs; i++ {
		submitTestJob(t, s)
	}

	const claimers = 8
	var mu sync.Mutex
	claimedBy := make(map[int64]string)

	var wg sync.WaitGroup
	for c := 0; c < claimers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			workerID := string(rune('a' + c))
			for {
				job, err := s.ClaimNext(ctx, workerID)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimedBy[job.JobID]; dup {
					t.Errorf("job %d claimed twice: %s and %s", job.JobID, prev, workerID)
				}
				claimedBy[job.JobID] = workerID
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if len(claimedBy) != jobs {
		t.Fatalf("expected %d claims, got %d", jobs, len(claimedBy))
	}
}

func TestClaimRecordsStableWorkerID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := submitTestJob(t, s)

	claimed, err := s.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := s.FinishJob(ctx, jobID, domain.JobStatusCompleted, &domain.JobResult{}, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.WorkerID != "w1" {
		t.Fatalf("worker_id must survive to the terminal state, got %q", job.WorkerID)
	}
}

func TestTerminalJobIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := submitTestJob(t, s)

	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FinishJob(ctx, jobID, domain.JobStatusCompleted, &domain.JobResult{RowsProcessed: 10}, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	before, _ := s.GetJob(ctx, jobID)

	// Every later mutation attempt must leave the row untouched.
	if err := s.FinishJob(ctx, jobID, domain.JobStatusFailed, nil, "late failure"); err != nil {
		t.Fatalf("second finish errored instead of no-op: %v", err)
	}
	if err := s.UpdateProgress(ctx, jobID, domain.JobProgress{ItemsDone: 999}); err != nil {
		t.Fatalf("progress after terminal: %v", err)
	}

	after, _ := s.GetJob(ctx, jobID)
	if after.Status != before.Status || after.ErrorMessage != before.ErrorMessage {
		t.Fatalf("terminal job mutated: %+v -> %+v", before, after)
	}
	if !after.FinishedAt.Equal(*before.FinishedAt) {
		t.Fatalf("finished_at changed on a terminal job")
	}
	if after.Progress.ItemsDone == 999 {
		t.Fatalf("progress mutated on a terminal job")
	}
}

func TestCancelQueuedBeforeClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := submitTestJob(t, s)

	if err := s.RequestCancel(ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job, _ := s.GetJob(ctx, jobID)
	if job.Status != domain.JobStatusCancelled {
		t.Fatalf("expected direct Queued->Cancelled, got %s", job.Status)
	}
	if claimed, _ := s.ClaimNext(ctx, "w1"); claimed != nil {
		t.Fatalf("cancelled job claimed: %+v", claimed)
	}
}

func TestRetryBackoffHidesJobFromClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := submitTestJob(t, s)

	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RetryJob(ctx, jobID, 3, coreerr.CodeTransportError, "pipe broke", 200*time.Millisecond); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if claimed, _ := s.ClaimNext(ctx, "w2"); claimed != nil {
		t.Fatalf("job visible before its backoff elapsed")
	}
	time.Sleep(250 * time.Millisecond)
	claimed, err := s.ClaimNext(ctx, "w2")
	if err != nil || claimed == nil {
		t.Fatalf("job must be claimable after backoff: %v %v", claimed, err)
	}
	if claimed.RetryCount != 1 {
		t.Fatalf("retry_count not incremented, got %d", claimed.RetryCount)
	}
}

func TestRetryExhaustionFailsPermanently(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := submitTestJob(t, s)

	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Non-retryable category goes terminal regardless of budget.
	if err := s.RetryJob(ctx, jobID, 3, coreerr.CodeSchemaViolation, "extra column", time.Millisecond); err != nil {
		t.Fatalf("retry: %v", err)
	}
	job, _ := s.GetJob(ctx, jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected Failed, got %s", job.Status)
	}
}
