package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sl224/casparianflow/internal/storage"
)

func newTestScanner(t *testing.T, cfg Config, onProgress ProgressFunc) (*Scanner, *storage.Store) {
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
	return New(st, 5*time.Second, cfg, onProgress), st
}

// writeTree creates the fixture layout: two files under a/, one nested
// under a/b/, one under c/, one at the root.
func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range []string{"a/1.txt", "a/2.txt", "a/b/3.txt", "c/4.txt", "root.txt"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("data"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func folderCount(t *testing.T, st *storage.Store, sourceID, prefix, name string) int64 {
	t.Helper()
	var n int64
	err := st.QueryRow(context.Background(),
		"SELECT file_count FROM scan_folders WHERE source_id = ? AND prefix = ? AND name = ?",
		sourceID, prefix, name).Scan(&n)
	if err != nil {
		t.Fatalf("folder (%q, %q): %v", prefix, name, err)
	}
	return n
}

func filesUnder(t *testing.T, st *storage.Store, sourceID, prefix, name string) int64 {
	t.Helper()
	var n int64
	err := st.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM scan_files WHERE source_id = ? AND rel_path LIKE ?",
		sourceID, strings.TrimPrefix(prefix+"/"+name, "/")+"/%").Scan(&n)
	if err != nil {
		t.Fatalf("count files: %v", err)
	}
	return n
}

func TestScanFolderCountsMatchFiles(t *testing.T) {
	root := writeTree(t)
	// BatchSize 2 forces the counts to accumulate across several batches.
	s, st := newTestScanner(t, Config{BatchSize: 2}, nil)

	sum, err := s.Scan(context.Background(), "src1", root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !sum.Completed || sum.FilesSeen != 5 || sum.NewFiles != 5 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	for _, tc := range []struct {
		prefix, name string
		want         int64
	}{
		{"", "a", 3},
		{"a", "b", 1},
		{"", "c", 1},
	} {
		got := folderCount(t, st, "src1", tc.prefix, tc.name)
		if got != tc.want {
			t.Fatalf("folder (%q, %q): file_count=%d, want %d", tc.prefix, tc.name, got, tc.want)
		}
		if under := filesUnder(t, st, "src1", tc.prefix, tc.name); got != under {
			t.Fatalf("folder (%q, %q): file_count=%d but %d files under it", tc.prefix, tc.name, got, under)
		}
	}
}

func TestRescanDoesNotInflateCounts(t *testing.T) {
	root := writeTree(t)
	s, st := newTestScanner(t, Config{BatchSize: 3}, nil)
	ctx := context.Background()

	if _, err := s.Scan(ctx, "src1", root); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	sum, err := s.Scan(ctx, "src1", root)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if sum.NewFiles != 0 {
		t.Fatalf("rescan found %d new files, want 0", sum.NewFiles)
	}
	if got := folderCount(t, st, "src1", "", "a"); got != 3 {
		t.Fatalf("rescan inflated folder a count to %d", got)
	}
}

func TestScanOKSetOnlyOnCompletion(t *testing.T) {
	root := writeTree(t)
	s, st := newTestScanner(t, Config{BatchSize: 1}, nil)
	ctx := context.Background()

	if _, err := s.Scan(ctx, "src1", root); err != nil {
		t.Fatalf("scan: %v", err)
	}
	var notOK int
	if err := st.QueryRow(ctx, "SELECT COUNT(*) FROM scan_files WHERE source_id = ? AND scan_ok = 0", "src1").Scan(&notOK); err != nil {
		t.Fatalf("query: %v", err)
	}
	if notOK != 0 {
		t.Fatalf("%d rows missing scan_ok after a completed scan", notOK)
	}
}

func TestCancelledScanLeavesCommittedBatches(t *testing.T) {
	root := writeTree(t)

	ctx, cancel := context.WithCancel(context.Background())
	var progressed int
	s, st := newTestScanner(t, Config{BatchSize: 1, ChannelCap: 1}, func(Progress) {
		progressed++
		if progressed == 2 {
			cancel()
		}
	})

	sum, err := s.Scan(ctx, "src1", root)
	if err == nil {
		t.Fatalf("expected cancellation error, got summary %+v", sum)
	}
	if sum.Completed {
		t.Fatalf("cancelled scan must not report completion")
	}

	// Committed batches stay; the incomplete scan never sets scan_ok.
	var total, ok int
	if err := st.QueryRow(context.Background(), "SELECT COUNT(*), COALESCE(SUM(scan_ok), 0) FROM scan_files WHERE source_id = ?", "src1").Scan(&total, &ok); err != nil {
		t.Fatalf("query: %v", err)
	}
	if total == 0 {
		t.Fatalf("expected committed rows from batches persisted before cancel")
	}
	if ok != 0 {
		t.Fatalf("partial scan must not mark scan_ok, %d rows marked", ok)
	}
}

func TestRescanClearsErrorAndJobBinding(t *testing.T) {
	root := writeTree(t)
	s, st := newTestScanner(t, Config{}, nil)
	ctx := context.Background()

	if _, err := s.Scan(ctx, "src1", root); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := st.Exec(ctx,
		"UPDATE scan_files SET error = 'boom', sentinel_job_id = 7 WHERE source_id = ? AND rel_path = ?",
		"src1", "a/1.txt"); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	if _, err := s.Scan(ctx, "src1", root); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	var errMsg *string
	var jobID *int64
	if err := st.QueryRow(ctx,
		"SELECT error, sentinel_job_id FROM scan_files WHERE source_id = ? AND rel_path = ?",
		"src1", "a/1.txt").Scan(&errMsg, &jobID); err != nil {
		t.Fatalf("query: %v", err)
	}
	if errMsg != nil || jobID != nil {
		t.Fatalf("rescan must clear error and sentinel_job_id, got error=%v job=%v", errMsg, jobID)
	}
}
