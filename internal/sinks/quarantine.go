package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// quarantineSink appends rejected rows as newline-delimited JSON under
// QuarantineDir/job-<job_id>.jsonl, one line per row, each carrying the
// lineage columns the same as any other sink so a reviewer can trace a
// quarantined row back to its source file and parser version.
type quarantineSink struct {
	path string

	mu     sync.Mutex
	f      *os.File
	lin    Lineage
	bytes  int64
	closed bool
}

func newQuarantineSink(opts Opts) (Sink, error) {
	dir := opts.QuarantineDir
	if dir == "" {
		dir = "./state/quarantine"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sinks: create quarantine dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("job-%d.jsonl", opts.Lineage.JobID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sinks: open quarantine file: %w", err)
	}
	return &quarantineSink{path: path, f: f, lin: opts.Lineage}, nil
}

func (s *quarantineSink) Kind() Kind { return KindQuarantine }

func (s *quarantineSink) WriteBatch(ctx context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sinks: write to closed quarantine sink %s", s.path)
	}
	now := time.Now()
	for _, r := range rows {
		stamped := stampLineage(r, s.lin, now)
		b, err := json.Marshal(stamped)
		if err != nil {
			return fmt.Errorf("sinks: marshal quarantined row: %w", err)
		}
		n, err := s.f.Write(append(b, '\n'))
		if err != nil {
			return fmt.Errorf("sinks: write quarantined row: %w", err)
		}
		s.bytes += int64(n)
	}
	return nil
}

func (s *quarantineSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// BytesWritten reports the bytes appended to the quarantine file.
func (s *quarantineSink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
