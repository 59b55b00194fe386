package sinks

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sl224/casparianflow/internal/storage"
)

// embeddedDbSink writes rows into a table of an embedded SQLite database
// distinct from the orchestration state store, one table per job's
// output schema, created on first batch from the row's own column set.
type embeddedDbSink struct {
	store *storage.Store
	table string
	lin   Lineage

	mu        sync.Mutex
	columns   []string
	tableReady bool
	bytes     int64
	closed    bool
}

func newEmbeddedDbSink(u *url.URL, opts Opts) (Sink, error) {
	path := pathFromURI(u)
	if path == "" {
		path = opts.EmbeddedDBPath
	}
	if path == "" {
		return nil, fmt.Errorf("sinks: embedded-db:// uri has no path and no default configured")
	}
	table := u.Query().Get("table")
	if table == "" {
		table = "output"
	}
	if !isSafeIdentifier(table) {
		return nil, fmt.Errorf("sinks: invalid table name %q", table)
	}

	store, err := storage.Open(context.Background(), path, 5000)
	if err != nil {
		return nil, fmt.Errorf("sinks: open embedded db %s: %w", path, err)
	}

	return &embeddedDbSink{store: store, table: table, lin: opts.Lineage}, nil
}

func (s *embeddedDbSink) Kind() Kind { return KindEmbeddedDb }

func (s *embeddedDbSink) WriteBatch(ctx context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sinks: write to closed embedded-db sink")
	}
	if len(rows) == 0 {
		return nil
	}

	if !s.tableReady {
		cols := make(map[string]struct{})
		for k := range rows[0] {
			cols[k] = struct{}{}
		}
		cols[ColJobID] = struct{}{}
		cols[ColSourceHash] = struct{}{}
		cols[ColParserVersion] = struct{}{}
		cols[ColProcessedAt] = struct{}{}
		for k := range cols {
			if !isSafeIdentifier(k) {
				return fmt.Errorf("sinks: unsafe column name %q", k)
			}
			s.columns = append(s.columns, k)
		}
		sort.Strings(s.columns)

		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", s.table)
		for i, c := range s.columns {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%s TEXT", c)
		}
		b.WriteByte(')')
		if _, err := s.store.Exec(ctx, b.String()); err != nil {
			return fmt.Errorf("sinks: create table %s: %w", s.table, err)
		}
		s.tableReady = true
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(s.columns)), ",")
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, strings.Join(s.columns, ","), placeholders)

	now := time.Now()
	for _, r := range rows {
		stamped := stampLineage(r, s.lin, now)
		args := make([]any, len(s.columns))
		for i, c := range s.columns {
			if v, ok := stamped[c]; ok {
				str := fmt.Sprintf("%v", v)
				args[i] = str
				s.bytes += int64(len(str))
			}
		}
		if _, err := s.store.Exec(ctx, insertSQL, args...); err != nil {
			return fmt.Errorf("sinks: insert row: %w", err)
		}
	}
	return nil
}

func (s *embeddedDbSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}

// BytesWritten reports the serialized size of the values inserted; the
// on-disk database file carries its own overhead on top of this.
func (s *embeddedDbSink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func isSafeIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}
