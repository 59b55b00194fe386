package apistore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

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
	return New(st, 5*time.Second)
}

func submitTestJob(t *testing.T, s *Store) int64 {
	t.Helper()
	jobID, err := s.SubmitJob(context.Background(), domain.Job{
		Type: domain.JobTypeRun, PluginName: "csv-parser", InputDir: "/data",
	})
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}
	return jobID
}

func TestEventIDsMonotonicUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := submitTestJob(t, s)

	const producers = 2
	const perProducer = 100

	var wg sync.WaitGroup
	errs := make(chan error, producers*perProducer)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := s.InsertEvent(ctx, jobID, domain.EventProgress, map[string]any{"producer": p, "i": i}); err != nil {
					errs <- err
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("insert event: %v", err)
	}

	events, err := s.ListEvents(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != producers*perProducer {
		t.Fatalf("expected %d events, got %d", producers*perProducer, len(events))
	}
	for i, e := range events {
		if e.EventID != int64(i+1) {
			t.Fatalf("gap or duplicate at position %d: event_id=%d", i, e.EventID)
		}
	}
}

func TestEventIDsIndependentPerJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobA := submitTestJob(t, s)
	jobB := submitTestJob(t, s)

	for i := 0; i < 3; i++ {
		if _, err := s.InsertEvent(ctx, jobA, domain.EventProgress, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	id, err := s.InsertEvent(ctx, jobB, domain.EventJobStarted, nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 1 {
		t.Fatalf("second job's sequence must start at 1, got %d", id)
	}
}

func TestListEventsAfterCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := submitTestJob(t, s)

	for i := 0; i < 5; i++ {
		if _, err := s.InsertEvent(ctx, jobID, domain.EventProgress, map[string]int{"i": i}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	events, err := s.ListEvents(ctx, jobID, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].EventID != 4 || events[1].EventID != 5 {
		t.Fatalf("cursor read wrong, got %+v", events)
	}
}
