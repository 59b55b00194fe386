package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sl224/casparianflow/internal/db"
)

// maxBindParams is conservative relative to SQLite's SQLITE_MAX_VARIABLE_NUMBER
// (default 32766 in modern builds), leaving headroom for the statement's own
// fixed parameters.
const maxBindParams = 900

// BulkUpsert inserts rows into table in chunks sized to stay under the bind
// parameter limit, applying onConflict (an "ON CONFLICT (...) DO UPDATE
// SET ..." clause, or "ON CONFLICT DO NOTHING") to every chunk. Used by the
// scanner for scan_files/scan_folders.
func BulkUpsert(ctx context.Context, ex db.Executor, table string, columns []string, rows [][]any, onConflict string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for _, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("bulk_upsert %s: row has %d values, want %d columns", table, len(row), len(columns))
		}
	}

	rowsPerChunk := maxBindParams / len(columns)
	if rowsPerChunk < 1 {
		rowsPerChunk = 1
	}

	var total int64
	for start := 0; start < len(rows); start += rowsPerChunk {
		end := start + rowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		query, args := buildInsertChunk(table, columns, chunk, onConflict)
		res, err := ex.Exec(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("bulk_upsert %s rows [%d:%d]: %w", table, start, end, err)
		}
		total += res.RowsAffected()
	}
	return total, nil
}

func buildInsertChunk(table string, columns []string, rows [][]any, onConflict string) (string, []any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('?')
		}
		sb.WriteByte(')')
		args = append(args, row...)
	}

	if onConflict != "" {
		sb.WriteByte(' ')
		sb.WriteString(onConflict)
	}

	return sb.String(), args
}
