package backtest

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/storage"
)

func newTestStore(t *testing.T) *Store {
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
	return NewStore(st, 5*time.Second)
}

// failSet builds a Tester that fails exactly the named files.
func failSet(failing ...string) Tester {
	bad := make(map[string]bool, len(failing))
	for _, f := range failing {
		bad[f] = true
	}
	return TesterFunc(func(_ context.Context, fileID string) error {
		if bad[fileID] {
			return coreerr.New(coreerr.CodeSchemaViolation, "bad row in "+fileID)
		}
		return nil
	})
}

func seedFailures(t *testing.T, s *Store, scopeID, fileID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := s.RecordFailure(ctx, fileID, scopeID, domain.HighFailureEntry{
			Iteration: i + 1, ParserVersion: "0.9.0", Category: "schema_violation",
		}); err != nil {
			t.Fatalf("seed failure: %v", err)
		}
	}
}

func TestHighFailureEarlyStop(t *testing.T) {
	s := newTestStore(t)
	seedFailures(t, s, "orders", "A", 2)

	var tested []string
	tester := TesterFunc(func(_ context.Context, fileID string) error {
		tested = append(tested, fileID)
		if fileID == "A" {
			return coreerr.New(coreerr.CodeSchemaViolation, "still broken")
		}
		return nil
	})

	engine := NewEngine(s, tester, Config{MaxIterations: 3, HighFailureBias: true})
	report, err := engine.Run(context.Background(), "orders", "1.0.0", []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Reason != ReasonHighFailureEarlyStop {
		t.Fatalf("expected HighFailureEarlyStop, got %s", report.Reason)
	}
	if !reflect.DeepEqual(tested, []string{"A"}) {
		t.Fatalf("expected only A tested before early stop, got %v", tested)
	}
	if len(report.Iterations) != 1 || report.Iterations[0].HighFailureTested != 1 || report.Iterations[0].HighFailurePassed != 0 {
		t.Fatalf("unexpected iteration metrics: %+v", report.Iterations)
	}
}

func TestOrderingHighFailureFirstThenDeterministic(t *testing.T) {
	s := newTestStore(t)
	// A has the longer streak, so it schedules ahead of C.
	seedFailures(t, s, "orders", "C", 1)
	seedFailures(t, s, "orders", "A", 3)

	engine := NewEngine(s, failSet(), Config{MaxIterations: 1, HighFailureBias: true})
	records, err := s.ListByScope(context.Background(), "orders")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ordered, hf := engine.orderFiles([]string{"D", "B", "A", "C"}, records, nil)

	want := []string{"A", "C", "B", "D"}
	if !reflect.DeepEqual(ordered, want) {
		t.Fatalf("expected order %v, got %v", want, ordered)
	}
	if !hf["A"] || !hf["C"] || hf["B"] {
		t.Fatalf("unexpected high-failure set: %v", hf)
	}

	// Same inputs, same order.
	again, _ := engine.orderFiles([]string{"D", "B", "A", "C"}, records, nil)
	if !reflect.DeepEqual(ordered, again) {
		t.Fatalf("ordering is not deterministic: %v vs %v", ordered, again)
	}
}

func TestConsecutiveFailuresResetOnPass(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedFailures(t, s, "orders", "A", 4)

	if err := s.RecordPass(ctx, "A", "orders", 5, "1.1.0"); err != nil {
		t.Fatalf("record pass: %v", err)
	}

	rec, err := s.Get(ctx, "A", "orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive_failures reset to 0, got %d", rec.ConsecutiveFailures)
	}
	if rec.FailureCount != 4 {
		t.Fatalf("failure_count must be preserved, got %d", rec.FailureCount)
	}

	resolved := false
	for _, h := range rec.History {
		if h.Resolved && h.ResolvedBy == "1.1.0" {
			resolved = true
		}
	}
	if !resolved {
		t.Fatalf("expected a resolved history entry, history: %+v", rec.History)
	}
}

func TestPassRateAchieved(t *testing.T) {
	s := newTestStore(t)
	engine := NewEngine(s, failSet(), Config{TargetPassRate: 1.0, MaxIterations: 10, HighFailureBias: true})

	report, err := engine.Run(context.Background(), "orders", "1.0.0", []string{"A", "B"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Reason != ReasonPassRateAchieved {
		t.Fatalf("expected PassRateAchieved, got %s", report.Reason)
	}
	if len(report.Iterations) != 1 {
		t.Fatalf("expected a single iteration, got %d", len(report.Iterations))
	}
}

func TestPlateauDetected(t *testing.T) {
	s := newTestStore(t)
	// Exactly one of four files fails each iteration, rotating so the
	// previous iteration's high-failure file always passes (keeping the
	// early-stop rule out of the way) while the pass rate stays pinned
	// at 0.75 with zero improvement.
	failPerIter := []string{"B", "C", "D", "B", "C"}
	calls := 0
	tester := TesterFunc(func(_ context.Context, fileID string) error {
		iter := calls / 4
		calls++
		if failPerIter[iter] == fileID {
			return coreerr.New(coreerr.CodeSchemaViolation, "flaky in "+fileID)
		}
		return nil
	})
	engine := NewEngine(s, tester, Config{
		TargetPassRate: 1.0, MaxIterations: 10,
		WindowSize: 3, MinImprovement: 0.01, HighFailureBias: true,
	})

	report, err := engine.Run(context.Background(), "orders", "1.0.0", []string{"A", "B", "C", "D"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Reason != ReasonPlateauDetected {
		t.Fatalf("expected PlateauDetected, got %s", report.Reason)
	}
	if len(report.Iterations) != 3 {
		t.Fatalf("expected exactly window-size iterations, got %d", len(report.Iterations))
	}
}

func TestUserStopped(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	n := 0
	tester := TesterFunc(func(_ context.Context, _ string) error {
		n++
		if n == 2 {
			cancel()
		}
		return nil
	})

	engine := NewEngine(s, tester, Config{MaxIterations: 5, HighFailureBias: true})
	report, err := engine.Run(ctx, "orders", "1.0.0", []string{"A", "B", "C", "D"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Reason != ReasonUserStopped {
		t.Fatalf("expected UserStopped, got %s", report.Reason)
	}
	if got := report.Iterations[0].Total; got != 2 {
		t.Fatalf("expected partial iteration with 2 files recorded, got %d", got)
	}
}

func TestRerunSameInputsSameClassification(t *testing.T) {
	s := newTestStore(t)
	files := []string{"A", "B", "C"}

	run := func() []FileResult {
		engine := NewEngine(s, failSet("B"), Config{MaxIterations: 1, HighFailureBias: true})
		report, err := engine.Run(context.Background(), "orders", "1.0.0", files)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return report.Iterations[0].Results
	}

	classify := func(results []FileResult) map[string]bool {
		out := make(map[string]bool, len(results))
		for _, r := range results {
			out[r.FileID] = r.Passed
		}
		return out
	}

	// The second run schedules B first (it now has a failure record), but
	// every file's pass/fail classification must be identical.
	first := classify(run())
	second := classify(run())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("classification differs: %v vs %v", first, second)
	}
}

func TestRecordPassWithoutRecordIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RecordPass(ctx, "never-failed", "orders", 1, "1.0.0"); err != nil {
		t.Fatalf("record pass: %v", err)
	}
	if _, err := s.Get(ctx, "never-failed", "orders"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no ledger row for a never-failing file, got %v", err)
	}
}
