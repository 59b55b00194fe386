// Package apistore implements the jobs/events/approvals API storage layer
// on top of the embedded storage.Store: monotonic per-job event insertion,
// claim semantics, terminal-state discipline, and TTL cleanup.
package apistore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/db"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/storage"
)

// Store is the jobs/events/approvals facade the Sentinel and worker use;
// it never exposes raw SQL to callers outside this package.
type Store struct {
	db       *storage.Store
	retryCap time.Duration
}

func New(s *storage.Store, retryCap time.Duration) *Store {
	return &Store{db: s, retryCap: retryCap}
}

// SubmitJob inserts a new Queued job and returns its monotonic job_id.
func (s *Store) SubmitJob(ctx context.Context, job domain.Job) (int64, error) {
	var jobID int64
	err := s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		progressJSON, err := json.Marshal(job.Progress)
		if err != nil {
			return err
		}
		res, err := tx.Exec(ctx, `
			INSERT INTO jobs (type, status, plugin_name, plugin_version, input_dir, output_sink, approval_id, created_at, progress_json, retry_count, cancel_asked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			string(job.Type), string(domain.JobStatusQueued), job.PluginName, job.PluginVersion,
			job.InputDir, job.OutputSink, nullableString(job.ApprovalID), timeToStr(time.Now()), string(progressJSON))
		if err != nil {
			return err
		}
		_ = res
		id, err := lastInsertID(ctx, tx)
		if err != nil {
			return err
		}
		jobID = id
		return nil
	})
	return jobID, err
}

// lastInsertID works around db.Result not exposing LastInsertId by
// re-querying sqlite's last_insert_rowid() within the same connection/tx.
func lastInsertID(ctx context.Context, tx db.Tx) (int64, error) {
	var id int64
	if err := tx.QueryRow(ctx, "SELECT last_insert_rowid()").Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimNext atomically claims the oldest Queued job whose retry backoff
// (next_visible_at), if any, has elapsed, for workerID, or returns (nil, nil) if none is available — the
// sentinel responds NoWork to the caller's claim_next request in that case.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	var claimed *domain.Job
	err := s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		now := time.Now()
		row := tx.QueryRow(ctx, `
			SELECT job_id FROM jobs
			WHERE status = ? AND (next_visible_at IS NULL OR next_visible_at <= ?)
			ORDER BY job_id ASC LIMIT 1`,
			string(domain.JobStatusQueued), timeToStr(now))

		var jobID int64
		if err := row.Scan(&jobID); err != nil {
			claimed = nil
			return nil // no rows: NoWork, not an error
		}

		res, err := tx.Exec(ctx, `
			UPDATE jobs SET status = ?, claim_time = ?, worker_id = ?, started_at = ?
			WHERE job_id = ? AND status = ?`,
			string(domain.JobStatusRunning), timeToStr(now), workerID, timeToStr(now),
			jobID, string(domain.JobStatusQueued))
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			// Raced with another claimer; this attempt simply finds nothing.
			claimed = nil
			return nil
		}

		j, err := s.scanJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	return claimed, err
}

// GetJob reads a single job by id.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*domain.Job, error) {
	return s.scanJob(ctx, s.db, jobID)
}

func (s *Store) scanJob(ctx context.Context, ex db.Executor, jobID int64) (*domain.Job, error) {
	row := ex.QueryRow(ctx, `
		SELECT job_id, type, status, plugin_name, plugin_version, input_dir, output_sink,
		       approval_id, created_at, started_at, finished_at, progress_json, result_json,
		       error_message, worker_id, claim_time, retry_count, cancel_asked, next_visible_at
		FROM jobs WHERE job_id = ?`, jobID)

	var (
		j                                                    domain.Job
		jobType, status, pluginVersion, outputSink            string
		approvalID, startedAt, finishedAt, progressJSON       *string
		resultJSON, errorMessage, workerID, claimTime         *string
		nextVisibleAt                                         *string
		createdAt                                             string
	)
	if err := row.Scan(&j.JobID, &jobType, &status, &j.PluginName, &pluginVersion, &j.InputDir, &outputSink,
		&approvalID, &createdAt, &startedAt, &finishedAt, &progressJSON, &resultJSON,
		&errorMessage, &workerID, &claimTime, &j.RetryCount, &j.CancelAsked, &nextVisibleAt); err != nil {
		return nil, fmt.Errorf("%w: job %d", storage.ErrNotFound, jobID)
	}

	j.Type = domain.JobType(jobType)
	j.Status = domain.JobStatus(status)
	j.PluginVersion = pluginVersion
	j.OutputSink = outputSink
	if approvalID != nil {
		j.ApprovalID = *approvalID
	}
	j.CreatedAt = strToTime(createdAt)
	j.StartedAt = strPtrToTimePtr(startedAt)
	j.FinishedAt = strPtrToTimePtr(finishedAt)
	j.ClaimTime = strPtrToTimePtr(claimTime)
	j.NextVisibleAt = strPtrToTimePtr(nextVisibleAt)
	if workerID != nil {
		j.WorkerID = *workerID
	}
	if errorMessage != nil {
		j.ErrorMessage = *errorMessage
	}
	if progressJSON != nil {
		json.Unmarshal([]byte(*progressJSON), &j.Progress)
	}
	if resultJSON != nil {
		var res domain.JobResult
		if err := json.Unmarshal([]byte(*resultJSON), &res); err == nil {
			j.Result = &res
		}
	}
	return &j, nil
}

// UpdateProgress records the latest progress snapshot on a Running job.
// Terminal-state discipline: mutating a terminal job's progress is a no-op.
func (s *Store) UpdateProgress(ctx context.Context, jobID int64, progress domain.JobProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE jobs SET progress_json = ? WHERE job_id = ? AND status = ?`,
		string(data), jobID, string(domain.JobStatusRunning))
	return err
}

// RequestCancel sets the pending-cancel flag, or directly cancels a job
// that hasn't been claimed yet.
func (s *Store) RequestCancel(ctx context.Context, jobID int64) error {
	return s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE jobs SET status = ?, finished_at = ? WHERE job_id = ? AND status = ?`,
			string(domain.JobStatusCancelled), timeToStr(time.Now()), jobID, string(domain.JobStatusQueued))
		if err != nil {
			return err
		}
		if res.RowsAffected() > 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET cancel_asked = 1 WHERE job_id = ? AND status = ?`,
			jobID, string(domain.JobStatusRunning))
		return err
	})
}

// FinishJob transitions a Running job to a terminal status exactly once.
// Terminal-state discipline: the conditional WHERE status='Running' makes
// a second FinishJob call for the same job a no-op rather than an
// overwrite of status/finished_at/error_message.
func (s *Store) FinishJob(ctx context.Context, jobID int64, status domain.JobStatus, result *domain.JobResult, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("FinishJob: status %s is not terminal", status)
	}
	var resultJSON []byte
	var err error
	if result != nil {
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return err
		}
	}
	_, err = s.db.Exec(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?, result_json = ?, error_message = ?
		WHERE job_id = ? AND status = ?`,
		string(status), timeToStr(time.Now()), string(resultJSON), errMsg,
		jobID, string(domain.JobStatusRunning))
	return err
}

// RetryJob re-enqueues a failed job with retry_count+1 and a computed
// backoff-visible timestamp, or marks it permanently Failed if max_retries
// is exceeded or the category isn't retryable.
func (s *Store) RetryJob(ctx context.Context, jobID int64, maxRetries int, category coreerr.Code, errMsg string, backoffDelay time.Duration) error {
	return s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		var retryCount int
		if err := tx.QueryRow(ctx, "SELECT retry_count FROM jobs WHERE job_id = ?", jobID).Scan(&retryCount); err != nil {
			return err
		}

		if !coreerr.IsRetryableCode(category) || retryCount >= maxRetries {
			_, err := tx.Exec(ctx, `
				UPDATE jobs SET status = ?, finished_at = ?, error_message = ?
				WHERE job_id = ? AND status = ?`,
				string(domain.JobStatusFailed), timeToStr(time.Now()), errMsg,
				jobID, string(domain.JobStatusRunning))
			return err
		}

		nextVisible := time.Now().Add(backoffDelay)
		_, err := tx.Exec(ctx, `
			UPDATE jobs SET status = ?, retry_count = retry_count + 1, next_visible_at = ?,
			       worker_id = NULL, claim_time = NULL, error_message = ?
			WHERE job_id = ? AND status = ?`,
			string(domain.JobStatusQueued), timeToStr(nextVisible), errMsg,
			jobID, string(domain.JobStatusRunning))
		return err
	})
}

// ListJobs returns jobs matching an optional status filter, most recent first.
func (s *Store) ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows db.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(ctx, `SELECT job_id FROM jobs WHERE status = ? ORDER BY job_id DESC LIMIT ?`, string(status), limit)
	} else {
		rows, err = s.db.Query(ctx, `SELECT job_id FROM jobs ORDER BY job_id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeToStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func strToTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func strPtrToTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := strToTime(*s)
	return &t
}
