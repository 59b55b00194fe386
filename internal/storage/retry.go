package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sl224/casparianflow/internal/db"
)

// WithImmediate runs fn inside a BEGIN IMMEDIATE transaction, retrying the
// whole attempt with bounded exponential backoff (cap ~5s, per the storage
// layer's failure semantics) when SQLite reports the database busy or
// locked. fn must not retain the Tx beyond its own return.
func (s *Store) WithImmediate(ctx context.Context, retryCap time.Duration, fn func(ctx context.Context, tx db.Tx) error) error {
	op := func() (struct{}, error) {
		tx, err := s.BeginImmediate(ctx)
		if err != nil {
			if IsBusyOrLocked(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}

		if err := fn(ctx, tx); err != nil {
			tx.Rollback(ctx)
			if IsBusyOrLocked(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}

		if err := tx.Commit(ctx); err != nil {
			if IsBusyOrLocked(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = retryCap
	if b.MaxInterval <= 0 {
		b.MaxInterval = 5 * time.Second
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(retryCap*4),
	)
	return err
}
