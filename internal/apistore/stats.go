package apistore

import (
	"context"
	"time"

	"github.com/sl224/casparianflow/internal/domain"
)

// CountJobsByState returns the number of jobs currently in each status,
// used by the Sentinel's metrics refresh loop.
func (s *Store) CountJobsByState(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.Query(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// QueueDepth returns the number of Queued jobs currently visible to a
// claim (retry backoff windows excluded).
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = ? AND (next_visible_at IS NULL OR next_visible_at <= ?)`,
		string(domain.JobStatusQueued), timeToStr(time.Now())).Scan(&n)
	return n, err
}

// ListRunning returns every Running job, for the worker-lost watchdog.
func (s *Store) ListRunning(ctx context.Context) ([]*domain.Job, error) {
	return s.ListJobs(ctx, domain.JobStatusRunning, 1000)
}
