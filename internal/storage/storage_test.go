package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sl224/casparianflow/internal/db"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(context.Background(), path, 5000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitSchemaIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("second init must be a no-op: %v", err)
	}

	var n int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM jobs").Scan(&n); err != nil {
		t.Fatalf("jobs table missing after double init: %v", err)
	}
}

func TestWithImmediateRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithImmediate(ctx, time.Second, func(ctx context.Context, tx db.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO plugins (name, version, source_hash, env_hash, created_at)
			VALUES ('p', '1.0.0', 'sh', 'eh', '2026-01-01T00:00:00Z')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the inner error, got %v", err)
	}

	var n int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM plugins").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("partial effects visible after rollback: %d rows", n)
	}
}

func TestBulkUpsertChunksAndConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	// 400 rows x 5 columns exceeds one chunk's bind budget, forcing the
	// chunked path.
	rows := make([][]any, 0, 400)
	for i := 0; i < 400; i++ {
		rows = append(rows, []any{"src", "", fmt.Sprintf("f%03d", i), int64(1), 1})
	}
	if _, err := BulkUpsert(ctx, s, "scan_folders",
		[]string{"source_id", "prefix", "name", "file_count", "is_folder"},
		rows,
		"ON CONFLICT (source_id, prefix, name) DO UPDATE SET file_count = file_count + excluded.file_count"); err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}

	// Conflicting re-run adds the delta instead of duplicating rows.
	if _, err := BulkUpsert(ctx, s, "scan_folders",
		[]string{"source_id", "prefix", "name", "file_count", "is_folder"},
		rows[:10],
		"ON CONFLICT (source_id, prefix, name) DO UPDATE SET file_count = file_count + excluded.file_count"); err != nil {
		t.Fatalf("bulk upsert conflict: %v", err)
	}

	var distinct, total int
	if err := s.QueryRow(ctx, "SELECT COUNT(*), COALESCE(SUM(file_count), 0) FROM scan_folders").Scan(&distinct, &total); err != nil {
		t.Fatalf("count: %v", err)
	}
	if distinct != 400 {
		t.Fatalf("expected 400 distinct folders, got %d", distinct)
	}
	if total != 400+10 {
		t.Fatalf("conflict deltas not applied, sum=%d", total)
	}
}

func TestBeginImmediateSerializesWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			done <- s.WithImmediate(ctx, 5*time.Second, func(ctx context.Context, tx db.Tx) error {
				_, err := tx.Exec(ctx, `
					INSERT INTO plugins (name, version, source_hash, env_hash, created_at)
					VALUES ('p', ?, 'sh', 'eh', '2026-01-01T00:00:00Z')`,
					"1.0."+string(rune('0'+i)))
				if err != nil {
					return err
				}
				time.Sleep(20 * time.Millisecond)
				return nil
			})
		}(i)
	}
	if err := <-done; err != nil {
		t.Fatalf("first writer: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("second writer: %v", err)
	}

	var n int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM plugins").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both serialized writes to land, got %d", n)
	}
}
