// Package backtest drives parser validation against a scope's historical
// file set: high-failure files are tested first, per-file results feed the
// persistent failure ledger, and the engine stops early on any of the
// termination conditions (pass rate reached, plateau, timeout, all
// high-failure files still failing).
package backtest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sl224/casparianflow/internal/db"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/storage"
)

// Store persists HighFailureRecord rows. Records are keyed by
// (file_id, scope_id); a record exists only for files that have failed at
// least once.
type Store struct {
	db       *storage.Store
	retryCap time.Duration
}

func NewStore(s *storage.Store, retryCap time.Duration) *Store {
	return &Store{db: s, retryCap: retryCap}
}

// RecordFailure bumps the failure counters for (fileID, scopeID) and
// appends a history entry, creating the record on first failure.
func (s *Store) RecordFailure(ctx context.Context, fileID, scopeID string, entry domain.HighFailureEntry) error {
	return s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		now := time.Now()
		entry.Resolved = false
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = now
		}

		rec, err := s.getLocked(ctx, tx, fileID, scopeID)
		if err != nil && err != storage.ErrNotFound {
			return err
		}

		if rec == nil {
			history, merr := json.Marshal([]domain.HighFailureEntry{entry})
			if merr != nil {
				return merr
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO high_failure_records
					(file_id, scope_id, failure_count, consecutive_failures, first_failure_at, last_failure_at, last_tested_at, history_json)
				VALUES (?, ?, 1, 1, ?, ?, ?, ?)`,
				fileID, scopeID, timeToStr(now), timeToStr(now), timeToStr(now), string(history))
			return err
		}

		rec.History = append(rec.History, entry)
		history, merr := json.Marshal(rec.History)
		if merr != nil {
			return merr
		}
		_, err = tx.Exec(ctx, `
			UPDATE high_failure_records
			SET failure_count = failure_count + 1,
			    consecutive_failures = consecutive_failures + 1,
			    last_failure_at = ?, last_tested_at = ?, history_json = ?
			WHERE file_id = ? AND scope_id = ?`,
			timeToStr(now), timeToStr(now), string(history), fileID, scopeID)
		return err
	})
}

// RecordPass resets consecutive_failures for (fileID, scopeID) and marks
// the latest unresolved failure entry resolved. Files with no existing
// record (never failed) are a no-op: passing files only get a ledger row
// once they have failed at least once.
func (s *Store) RecordPass(ctx context.Context, fileID, scopeID string, iteration int, parserVersion string) error {
	return s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		rec, err := s.getLocked(ctx, tx, fileID, scopeID)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now()
		for i := len(rec.History) - 1; i >= 0; i-- {
			if !rec.History[i].Resolved {
				rec.History[i].Resolved = true
				rec.History[i].ResolvedBy = parserVersion
				break
			}
		}
		rec.History = append(rec.History, domain.HighFailureEntry{
			Iteration:     iteration,
			ParserVersion: parserVersion,
			Resolved:      true,
			ResolvedBy:    parserVersion,
			OccurredAt:    now,
		})
		history, merr := json.Marshal(rec.History)
		if merr != nil {
			return merr
		}
		_, err = tx.Exec(ctx, `
			UPDATE high_failure_records
			SET consecutive_failures = 0, last_tested_at = ?, history_json = ?
			WHERE file_id = ? AND scope_id = ?`,
			timeToStr(now), string(history), fileID, scopeID)
		return err
	})
}

// Get reads one record, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, fileID, scopeID string) (*domain.HighFailureRecord, error) {
	return scanRecord(s.db.QueryRow(ctx, selectRecord+" WHERE file_id = ? AND scope_id = ?", fileID, scopeID))
}

func (s *Store) getLocked(ctx context.Context, tx db.Tx, fileID, scopeID string) (*domain.HighFailureRecord, error) {
	return scanRecord(tx.QueryRow(ctx, selectRecord+" WHERE file_id = ? AND scope_id = ?", fileID, scopeID))
}

// ListByScope returns every record for scopeID ordered by
// consecutive_failures DESC, last_failure_at DESC, file_id ASC — the
// high-failure-first scheduling order. The trailing file_id tiebreak keeps
// the order deterministic across runs.
func (s *Store) ListByScope(ctx context.Context, scopeID string) ([]*domain.HighFailureRecord, error) {
	rows, err := s.db.Query(ctx,
		selectRecord+` WHERE scope_id = ?
		ORDER BY consecutive_failures DESC, last_failure_at DESC, file_id ASC`, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.HighFailureRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneResolved deletes records whose streak is fully resolved
// (consecutive_failures == 0) and untouched since cutoff.
func (s *Store) PruneResolved(ctx context.Context, scopeID string, staleAfter time.Duration) (int64, error) {
	cutoff := timeToStr(time.Now().Add(-staleAfter))
	res, err := s.db.Exec(ctx, `
		DELETE FROM high_failure_records
		WHERE scope_id = ? AND consecutive_failures = 0 AND last_tested_at <= ?`,
		scopeID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

const selectRecord = `
	SELECT file_id, scope_id, failure_count, consecutive_failures,
	       first_failure_at, last_failure_at, last_tested_at, history_json
	FROM high_failure_records`

func scanRecord(row db.Row) (*domain.HighFailureRecord, error) {
	var rec domain.HighFailureRecord
	var first, last, tested *string
	var history string
	if err := row.Scan(&rec.FileID, &rec.ScopeID, &rec.FailureCount, &rec.ConsecutiveFailures,
		&first, &last, &tested, &history); err != nil {
		return nil, storage.ErrNotFound
	}
	rec.FirstFailureAt = strToTime(first)
	rec.LastFailureAt = strToTime(last)
	rec.LastTestedAt = strToTime(tested)
	if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
		return nil, err
	}
	return &rec, nil
}

func timeToStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func strToTime(s *string) time.Time {
	if s == nil {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, *s)
	return t
}
