package apistore

import (
	"context"
	"time"

	"github.com/sl224/casparianflow/internal/db"
	"github.com/sl224/casparianflow/internal/domain"
)

// CleanupOldData deletes terminal jobs (and their events) and terminal
// approvals whose finished_at/decided_at predates now-maxAge. Running or
// Queued jobs, and Pending approvals, are never touched regardless of age.
func (s *Store) CleanupOldData(ctx context.Context, maxAge time.Duration) (jobsDeleted, approvalsDeleted int64, err error) {
	cutoff := timeToStr(time.Now().Add(-maxAge))

	err = s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT job_id FROM jobs
			WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at <= ?`,
			string(domain.JobStatusCompleted), string(domain.JobStatusFailed), string(domain.JobStatusCancelled), cutoff)
		if err != nil {
			return err
		}
		var jobIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			jobIDs = append(jobIDs, id)
		}
		rows.Close()

		for _, id := range jobIDs {
			if _, err := tx.Exec(ctx, "DELETE FROM events WHERE job_id = ?", id); err != nil {
				return err
			}
			res, err := tx.Exec(ctx, "DELETE FROM jobs WHERE job_id = ?", id)
			if err != nil {
				return err
			}
			jobsDeleted += res.RowsAffected()
		}

		res, err := tx.Exec(ctx, `
			DELETE FROM approvals
			WHERE status IN (?, ?, ?) AND decided_at IS NOT NULL AND decided_at <= ?`,
			string(domain.ApprovalApproved), string(domain.ApprovalRejected), string(domain.ApprovalExpired), cutoff)
		if err != nil {
			return err
		}
		approvalsDeleted = res.RowsAffected()
		return nil
	})
	return jobsDeleted, approvalsDeleted, err
}
