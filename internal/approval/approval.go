// Package approval implements the Approval Gate state machine: creating
// pending approvals for a sensitive operation, one-shot reviewer
// decisions, TTL-derived expiry, and binding a decided approval to the
// job it ultimately authorized.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sl224/casparianflow/internal/apistore"
	"github.com/sl224/casparianflow/internal/domain"
)

// ErrExpired is returned by Decide when the approval's TTL has already
// elapsed; the gate is resolved Expired regardless of the caller's intent.
var ErrExpired = errors.New("approval: expired")

// ErrNotPending is returned by Decide when the approval was already
// terminal before this call — it is not re-decided.
var ErrNotPending = errors.New("approval: not pending")

// Gate wraps apistore's approval operations with the higher-level
// create/decide/expire workflow and a background sweep loop.
type Gate struct {
	store *apistore.Store
	log   *slog.Logger
}

func New(store *apistore.Store, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{store: store, log: log}
}

// Create opens a new Pending approval with an unguessable id and returns
// it for the caller to surface to a reviewer.
func (g *Gate) Create(ctx context.Context, opType string, payload any, summary string, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	if err := g.store.CreateApproval(ctx, id, opType, payload, summary, ttl); err != nil {
		return "", err
	}
	return id, nil
}

// Decide resolves a Pending approval to Approved or Rejected, unless its
// TTL has already passed, in which case it resolves (and is recorded) as
// Expired and ErrExpired is returned.
func (g *Gate) Decide(ctx context.Context, approvalID string, approve bool, actor, rejectionReason string) (domain.ApprovalStatus, error) {
	before, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return "", err
	}
	if before.Status != domain.ApprovalPending {
		// The background sweep may have materialized the expiry before
		// this decision arrived; that is still an expiry to the caller,
		// not a generic already-decided.
		if before.Status == domain.ApprovalExpired {
			return before.Status, ErrExpired
		}
		return before.Status, ErrNotPending
	}

	final, err := g.store.DecideApproval(ctx, approvalID, approve, actor, rejectionReason)
	if err != nil {
		return "", err
	}
	if final == domain.ApprovalExpired {
		return final, ErrExpired
	}
	return final, nil
}

// BindToJob attaches job_id to an Approved approval, valid only once.
func (g *Gate) BindToJob(ctx context.Context, approvalID string, jobID int64) error {
	a, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if a.Status != domain.ApprovalApproved {
		return errors.New("approval: cannot bind job to a non-approved approval")
	}
	if a.JobID != nil {
		return errors.New("approval: already bound to a job")
	}
	return g.store.BindToJob(ctx, approvalID, jobID)
}

// Get returns the current state of approvalID. The returned status is
// exactly what is persisted; callers wanting "derived" expiry without
// waiting for the sweep should compare ExpiresAt to time.Now() themselves.
func (g *Gate) Get(ctx context.Context, approvalID string) (*domain.Approval, error) {
	return g.store.GetApproval(ctx, approvalID)
}

// RunSweep runs ExpireDue once and logs how many approvals it resolved.
func (g *Gate) RunSweep(ctx context.Context) (int64, error) {
	n, err := g.store.ExpireDue(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.log.Info("expired due approvals", "count", n)
	}
	return n, nil
}

// RunSweepLoop runs RunSweep on interval until ctx is cancelled. Intended
// to be launched as its own goroutine from the Sentinel's startup path.
func (g *Gate) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.RunSweep(ctx); err != nil {
				g.log.Error("approval sweep failed", "error", err)
			}
		}
	}
}
