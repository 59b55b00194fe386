package sinks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveQuarantineOverridesScheme(t *testing.T) {
	dir := t.TempDir()
	s, err := Resolve("file-columnar:///ignored.parquet", true, Opts{
		Lineage:       Lineage{JobID: 7, SourceHash: "abc", ParserVersion: "1.0.0"},
		QuarantineDir: dir,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Kind() != KindQuarantine {
		t.Fatalf("expected KindQuarantine, got %s", s.Kind())
	}
	if err := s.WriteBatch(context.Background(), []Row{{"a": "1"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "job-7.jsonl")); err != nil {
		t.Fatalf("expected quarantine file: %v", err)
	}
}

func TestColumnarFileSinkAtomicRename(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "batch.parquet")
	s, err := Resolve("file-columnar://"+out, false, Opts{
		Lineage: Lineage{JobID: 1, SourceHash: "h", ParserVersion: "v1"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := s.WriteBatch(context.Background(), []Row{{"col1": "x", "col2": int64(1)}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if _, err := os.Stat(out); err == nil {
		t.Fatalf("final file must not exist before Close")
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected final file after Close: %v", err)
	}
	if _, err := os.Stat(out + ".tmp-inflight"); !os.IsNotExist(err) {
		t.Fatalf("temp file should be gone after rename")
	}
}

func TestEmbeddedDbSinkCreatesTableAndRows(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "out.db")
	s, err := Resolve("embedded-db://"+dbPath+"?table=records", false, Opts{
		Lineage: Lineage{JobID: 3, SourceHash: "hh", ParserVersion: "v2"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := s.WriteBatch(context.Background(), []Row{{"name": "alice"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	if _, err := Resolve("ftp://nope", false, Opts{}); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestColumnarZeroRowsStillWritesSchemaHeader(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "empty.parquet")
	s, err := Resolve("file-columnar://"+out, false, Opts{
		Lineage: Lineage{JobID: 9, SourceHash: "h", ParserVersion: "v1"},
		Columns: []string{"id", "amount", "ts"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// No WriteBatch at all: the guest sent a schema frame and zero
	// record batches. Close must still finalize a valid file whose
	// schema header is present.
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("expected finalized empty file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("empty sink must carry a schema header, got a zero-byte file")
	}
	if got := s.BytesWritten(); got != info.Size() {
		t.Fatalf("BytesWritten=%d, file size=%d", got, info.Size())
	}
}

func TestColumnarBytesWrittenAfterClose(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "batch.parquet")
	s, err := Resolve("file-columnar://"+out, false, Opts{
		Lineage: Lineage{JobID: 1, SourceHash: "h", ParserVersion: "v1"},
		Columns: []string{"col1"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := s.WriteBatch(context.Background(), []Row{{"col1": "x"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if s.BytesWritten() != 0 {
		t.Fatalf("BytesWritten must be zero before Close")
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if s.BytesWritten() != info.Size() {
		t.Fatalf("BytesWritten=%d, file size=%d", s.BytesWritten(), info.Size())
	}
}
