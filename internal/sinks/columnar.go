package sinks

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

// columnarFileSink writes rows as Parquet via parquet-go. The schema is
// fixed up front from the locked columns declared in Opts (falling back
// to the first batch's key set when none were declared), so even a
// zero-row job finalizes a valid file with a schema header. Close is an
// atomic temp+rename so a reader never observes a partially written file.
type columnarFileSink struct {
	finalPath string
	tmpPath   string

	mu       sync.Mutex
	lin      Lineage
	fw       *local.LocalFileWriter
	pw       *writer.JSONWriter
	columns  []string
	bytes    int64
	closed   bool
}

func newColumnarFileSink(u *url.URL, opts Opts) (Sink, error) {
	rel := pathFromURI(u)
	if rel == "" {
		return nil, fmt.Errorf("sinks: file-columnar:// uri has no path")
	}
	finalPath := rel
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("sinks: create output dir: %w", err)
	}
	tmpPath := finalPath + ".tmp-inflight"

	fw, err := local.NewLocalFileWriter(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("sinks: open parquet temp file: %w", err)
	}

	s := &columnarFileSink{
		finalPath: finalPath,
		tmpPath:   tmpPath,
		fw:        fw,
		lin:       opts.Lineage,
	}
	if len(opts.Columns) > 0 {
		if err := s.initWriter(opts.Columns); err != nil {
			fw.Close()
			os.Remove(tmpPath)
			return nil, err
		}
	}
	return s, nil
}

// initWriter fixes the column set (data columns plus the four lineage
// columns, sorted for determinism) and opens the Parquet writer against
// it. Must be called with mu held, or before the sink is shared.
func (s *columnarFileSink) initWriter(dataColumns []string) error {
	cols := make(map[string]struct{}, len(dataColumns)+4)
	for _, c := range dataColumns {
		cols[c] = struct{}{}
	}
	cols[ColJobID] = struct{}{}
	cols[ColSourceHash] = struct{}{}
	cols[ColParserVersion] = struct{}{}
	cols[ColProcessedAt] = struct{}{}
	s.columns = s.columns[:0]
	for k := range cols {
		s.columns = append(s.columns, k)
	}
	sort.Strings(s.columns)

	pw, err := writer.NewJSONWriter(jsonSchemaFor(s.columns), s.fw, 4)
	if err != nil {
		return fmt.Errorf("sinks: create parquet writer: %w", err)
	}
	s.pw = pw
	return nil
}

func (s *columnarFileSink) Kind() Kind { return KindColumnarFile }

// jsonSchemaFor builds the parquet-go JSON schema string for a row's key
// set, treating every lineage-stamped row as string-typed at the Parquet
// layer; the contract-level type enforcement has already happened before
// rows reach the sink, so the columnar file's job is durable storage, not
// re-validation.
func jsonSchemaFor(columns []string) string {
	schema := `{"Tag":"name=root, repetitiontype=REQUIRED","Fields":[`
	for i, c := range columns {
		if i > 0 {
			schema += ","
		}
		schema += fmt.Sprintf(`{"Tag":"name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"}`, c)
	}
	schema += `]}`
	return schema
}

func (s *columnarFileSink) WriteBatch(ctx context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sinks: write to closed columnar sink %s", s.finalPath)
	}
	if len(rows) == 0 {
		return nil
	}

	if s.pw == nil {
		// No columns were declared at construction; derive them from
		// the first batch's key set.
		derived := make([]string, 0, len(rows[0]))
		for k := range rows[0] {
			derived = append(derived, k)
		}
		if err := s.initWriter(derived); err != nil {
			return err
		}
	}

	now := time.Now()
	for _, r := range rows {
		stamped := stampLineage(r, s.lin, now)
		rec := make(map[string]string, len(s.columns))
		for _, c := range s.columns {
			if v, ok := stamped[c]; ok {
				rec[c] = fmt.Sprintf("%v", v)
			}
		}
		b, err := marshalRecord(rec, s.columns)
		if err != nil {
			return err
		}
		if err := s.pw.Write(string(b)); err != nil {
			return fmt.Errorf("sinks: write parquet row: %w", err)
		}
	}
	return nil
}

func (s *columnarFileSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.pw == nil {
		// Zero rows and no declared columns: still finalize a valid
		// empty file whose schema header carries the lineage columns.
		if err := s.initWriter(nil); err != nil {
			s.fw.Close()
			os.Remove(s.tmpPath)
			return err
		}
	}
	if err := s.pw.WriteStop(); err != nil {
		s.fw.Close()
		os.Remove(s.tmpPath)
		return fmt.Errorf("sinks: finalize parquet footer: %w", err)
	}
	if err := s.fw.Close(); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("sinks: close parquet file: %w", err)
	}
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		return fmt.Errorf("sinks: rename into place: %w", err)
	}
	if info, err := os.Stat(s.finalPath); err == nil {
		s.bytes = info.Size()
	}
	return nil
}

// BytesWritten reports the finalized file's size; zero before Close.
func (s *columnarFileSink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func marshalRecord(rec map[string]string, columns []string) ([]byte, error) {
	out := []byte{'{'}
	for i, c := range columns {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, fmt.Sprintf("%q:%q", c, rec[c])...)
	}
	out = append(out, '}')
	return out, nil
}
