// Package sinks implements the worker's row sink: a closed set of
// variants (ColumnarFile, EmbeddedDb, Quarantine), each tagged with its
// Kind and constructed only by Resolve behind the one Sink interface, so
// output destinations are a fixed, small set of shapes rather than an
// open plugin surface. Every row written through a Sink gets the four lineage
// columns injected before it reaches the variant's writer.
package sinks

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Kind is the closed set of sink variants a URI can resolve to.
type Kind string

const (
	KindColumnarFile Kind = "ColumnarFile"
	KindEmbeddedDb   Kind = "EmbeddedDb"
	KindQuarantine   Kind = "Quarantine"
)

// Lineage carries the four columns the host stamps onto every row it
// emits, regardless of sink variant.
type Lineage struct {
	JobID         int64
	SourceHash    string
	ParserVersion string
}

const (
	ColJobID         = "_cf_job_id"
	ColSourceHash    = "_cf_source_hash"
	ColParserVersion = "_cf_parser_version"
	ColProcessedAt   = "_cf_processed_at"
)

// Row is one record ready to write: column name -> Go-native value,
// decoded from an Arrow record batch.
type Row map[string]any

// Sink accepts rows for one job's output destination. WriteBatch may be
// called many times; Close finalizes the destination exactly once.
// BytesWritten is valid after Close and feeds the job's Output event and
// result record.
type Sink interface {
	Kind() Kind
	WriteBatch(ctx context.Context, rows []Row) error
	Close(ctx context.Context) error
	BytesWritten() int64
}

// Opts configures sink construction.
type Opts struct {
	Lineage      Lineage
	QuarantineDir string // base directory for Quarantine sinks
	EmbeddedDBPath string // database path used when an embedded-db:// URI has no explicit path

	// Columns is the locked schema's column set, declared up front so a
	// columnar sink can write its schema header before (or without) any
	// rows arriving. Lineage columns are appended internally.
	Columns []string
}

// Resolve parses a sink URI (file-columnar://..., embedded-db://...) and
// a quarantine=true flag and constructs the matching Sink variant. A URI
// with quarantine=true always resolves to a Quarantine sink regardless of
// scheme, per the sink selection rule in the row-routing design.
func Resolve(rawURI string, quarantine bool, opts Opts) (Sink, error) {
	if quarantine {
		return newQuarantineSink(opts)
	}

	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("sinks: parse uri %q: %w", rawURI, err)
	}

	switch u.Scheme {
	case "file-columnar":
		return newColumnarFileSink(u, opts)
	case "embedded-db":
		return newEmbeddedDbSink(u, opts)
	default:
		return nil, fmt.Errorf("sinks: unknown scheme %q (want file-columnar:// or embedded-db://)", u.Scheme)
	}
}

// stampLineage returns a copy of row with the four lineage columns set,
// leaving the caller's row slice untouched.
func stampLineage(row Row, lin Lineage, processedAt time.Time) Row {
	out := make(Row, len(row)+4)
	for k, v := range row {
		out[k] = v
	}
	out[ColJobID] = lin.JobID
	out[ColSourceHash] = lin.SourceHash
	out[ColParserVersion] = lin.ParserVersion
	out[ColProcessedAt] = processedAt.UTC().Format(time.RFC3339Nano)
	return out
}

func boolQueryParam(u *url.URL, key string) bool {
	v := u.Query().Get(key)
	if v == "" {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// pathFromURI recovers a filesystem path from a sink URI. A URI written
// with two slashes (scheme://relative/path) parses its first path segment
// as Host, so Host+Path is rejoined as one relative path; a URI written
// with three slashes (scheme:///absolute/path) parses with an empty Host
// and keeps the leading slash as Path, which must be preserved, not
// trimmed, so an absolute path stays absolute.
func pathFromURI(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	if u.Host != "" {
		return u.Host + u.Path
	}
	return u.Path
}
