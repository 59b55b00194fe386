package apistore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sl224/casparianflow/internal/db"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/storage"
)

// CreateApproval inserts a Pending approval gate with the given TTL.
func (s *Store) CreateApproval(ctx context.Context, approvalID string, opType string, payload any, summary string, ttl time.Duration) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.Exec(ctx, `
		INSERT INTO approvals (approval_id, status, operation_type, operation_payload, summary, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		approvalID, string(domain.ApprovalPending), opType, string(payloadJSON), summary,
		timeToStr(now), timeToStr(now.Add(ttl)))
	return err
}

// GetApproval reads a single approval by id.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error) {
	return s.scanApproval(ctx, s.db, approvalID)
}

func (s *Store) scanApproval(ctx context.Context, ex db.Executor, approvalID string) (*domain.Approval, error) {
	row := ex.QueryRow(ctx, `
		SELECT approval_id, status, operation_type, operation_payload, summary, created_at,
		       expires_at, decided_at, decided_by, rejection_reason, job_id
		FROM approvals WHERE approval_id = ?`, approvalID)

	var (
		a                                         domain.Approval
		status, opType, payloadJSON, createdAt    string
		expiresAt                                 string
		decidedAt, decidedBy, rejectionReason     *string
		jobID                                     *int64
	)
	if err := row.Scan(&a.ApprovalID, &status, &opType, &payloadJSON, &a.Summary, &createdAt,
		&expiresAt, &decidedAt, &decidedBy, &rejectionReason, &jobID); err != nil {
		return nil, fmt.Errorf("%w: approval %s", storage.ErrNotFound, approvalID)
	}

	a.Status = domain.ApprovalStatus(status)
	a.OperationType = opType
	a.OperationPayload = json.RawMessage(payloadJSON)
	a.CreatedAt = strToTime(createdAt)
	a.ExpiresAt = strToTime(expiresAt)
	a.DecidedAt = strPtrToTimePtr(decidedAt)
	a.JobID = jobID
	if decidedBy != nil {
		a.DecidedBy = *decidedBy
	}
	if rejectionReason != nil {
		a.RejectionReason = *rejectionReason
	}
	return &a, nil
}

// DecideApproval transitions a Pending approval to Approved or Rejected
// exactly once. A Pending approval whose expires_at has already passed is
// decided as Expired instead, regardless of the requested outcome — an
// expired gate cannot be approved after the fact.
func (s *Store) DecideApproval(ctx context.Context, approvalID string, approve bool, decidedBy, rejectionReason string) (domain.ApprovalStatus, error) {
	var final domain.ApprovalStatus
	err := s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		var status, expiresAt string
		if err := tx.QueryRow(ctx, "SELECT status, expires_at FROM approvals WHERE approval_id = ?", approvalID).
			Scan(&status, &expiresAt); err != nil {
			return fmt.Errorf("approval %s not found: %w", approvalID, err)
		}
		if domain.ApprovalStatus(status) != domain.ApprovalPending {
			final = domain.ApprovalStatus(status)
			return nil
		}

		now := time.Now()
		if strToTime(expiresAt).Before(now) {
			final = domain.ApprovalExpired
			_, err := tx.Exec(ctx, `
				UPDATE approvals SET status = ?, decided_at = ? WHERE approval_id = ? AND status = ?`,
				string(domain.ApprovalExpired), timeToStr(now), approvalID, string(domain.ApprovalPending))
			return err
		}

		final = domain.ApprovalRejected
		if approve {
			final = domain.ApprovalApproved
		}
		_, err := tx.Exec(ctx, `
			UPDATE approvals SET status = ?, decided_at = ?, decided_by = ?, rejection_reason = ?
			WHERE approval_id = ? AND status = ?`,
			string(final), timeToStr(now), decidedBy, rejectionReason,
			approvalID, string(domain.ApprovalPending))
		return err
	})
	return final, err
}

// BindToJob records the job an approval ultimately authorized, once the
// submitted run/backtest is admitted to the queue.
func (s *Store) BindToJob(ctx context.Context, approvalID string, jobID int64) error {
	_, err := s.db.Exec(ctx, `UPDATE approvals SET job_id = ? WHERE approval_id = ?`, jobID, approvalID)
	return err
}

// ExpireDue transitions every still-Pending approval whose expires_at has
// passed to Expired, and returns how many were swept. Intended to run on
// the Sentinel's periodic sweep (ApprovalConfig.SweepInterval).
func (s *Store) ExpireDue(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE approvals SET status = ?, decided_at = ?
			WHERE status = ? AND expires_at <= ?`,
			string(domain.ApprovalExpired), timeToStr(time.Now()),
			string(domain.ApprovalPending), timeToStr(time.Now()))
		if err != nil {
			return err
		}
		count = res.RowsAffected()
		return nil
	})
	return count, err
}

// ListApprovals returns approvals matching an optional status filter, most
// recently created first.
func (s *Store) ListApprovals(ctx context.Context, status domain.ApprovalStatus, limit int) ([]*domain.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows db.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(ctx, `SELECT approval_id FROM approvals WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
	} else {
		rows, err = s.db.Query(ctx, `SELECT approval_id FROM approvals ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]*domain.Approval, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetApproval(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
