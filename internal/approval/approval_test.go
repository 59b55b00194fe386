package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sl224/casparianflow/internal/apistore"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/storage"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := storage.Open(context.Background(), path, 5000)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(apistore.New(st, 5*time.Second), nil)
}

func TestCreateAndApprove(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t)

	id, err := g.Create(ctx, "submit_run", map[string]string{"plugin": "csv-parser"}, "run csv-parser over /data", time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	status, err := g.Decide(ctx, id, true, "reviewer1", "")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if status != domain.ApprovalApproved {
		t.Fatalf("expected Approved, got %s", status)
	}

	// A second decision attempt must not flip the outcome.
	if _, err := g.Decide(ctx, id, false, "reviewer2", "too late"); err != ErrNotPending {
		t.Fatalf("expected ErrNotPending on second decision, got %v", err)
	}
}

func TestDecideExpiredApprovalResolvesExpired(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t)

	id, err := g.Create(ctx, "submit_run", nil, "summary", time.Millisecond)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	status, err := g.Decide(ctx, id, true, "reviewer1", "")
	if err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if status != domain.ApprovalExpired {
		t.Fatalf("expected Expired status, got %s", status)
	}
}

func TestBindToJobRequiresApproved(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t)

	id, err := g.Create(ctx, "submit_run", nil, "summary", time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := g.BindToJob(ctx, id, 42); err == nil {
		t.Fatalf("expected error binding job to a Pending approval")
	}

	if _, err := g.Decide(ctx, id, true, "reviewer1", ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := g.BindToJob(ctx, id, 42); err != nil {
		t.Fatalf("bind to job: %v", err)
	}

	a, err := g.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.JobID == nil || *a.JobID != 42 {
		t.Fatalf("expected job_id 42 bound, got %v", a.JobID)
	}

	if err := g.BindToJob(ctx, id, 99); err == nil {
		t.Fatalf("expected error re-binding an already-bound approval")
	}
}

func TestRunSweepExpiresDuePendingApprovals(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t)

	if _, err := g.Create(ctx, "submit_run", nil, "summary", time.Millisecond); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := g.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept approval, got %d", n)
	}
}

func TestDecideAfterSweepReturnsExpired(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t)

	id, err := g.Create(ctx, "submit_run", nil, "summary", time.Millisecond)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// The sweep materializes the expiry first; the decide attempt then
	// finds a terminal Expired row, not a Pending one.
	if _, err := g.RunSweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	a, err := g.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != domain.ApprovalExpired {
		t.Fatalf("expected sweep to materialize Expired, got %s", a.Status)
	}

	status, err := g.Decide(ctx, id, true, "reviewer1", "")
	if err != ErrExpired {
		t.Fatalf("expected ErrExpired on an already-swept approval, got %v", err)
	}
	if status != domain.ApprovalExpired {
		t.Fatalf("expected Expired status, got %s", status)
	}
}
