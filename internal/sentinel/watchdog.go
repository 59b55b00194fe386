package sentinel

import (
	"context"
	"time"

	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/metrics"
)

// RunWatchdog fails Running jobs whose worker has gone silent for longer
// than WorkerTimeout. A job with no progress ack at all is measured from
// its claim time. Lost jobs go back through the retry path with a
// transient category, so they re-enqueue while retries remain.
func (s *Service) RunWatchdog(ctx context.Context) {
	interval := s.cfg.WorkerTimeout / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLostWorkers(ctx)
		}
	}
}

func (s *Service) sweepLostWorkers(ctx context.Context) {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		logging.Op().Error("watchdog: list running jobs", "error", err)
		return
	}

	now := time.Now()
	for _, job := range running {
		last, ok := s.lastProgress(job.JobID)
		if !ok {
			if job.ClaimTime == nil {
				continue
			}
			last = *job.ClaimTime
		}
		if now.Sub(last) < s.cfg.WorkerTimeout {
			continue
		}

		logging.Op().Warn("worker lost, failing job",
			"job_id", job.JobID, "worker_id", job.WorkerID, "last_progress", last)
		if err := s.Fail(ctx, FailRequest{
			JobID:   job.JobID,
			Code:    string(coreerr.CodeTransient),
			Message: "worker_lost: no progress within worker_timeout",
		}); err != nil {
			logging.Op().Error("watchdog: fail lost job", "job_id", job.JobID, "error", err)
		}
	}
}

// RunMetricsRefresh keeps the job-state and queue-depth gauges current.
// The server's connection count is sampled through workersConnected.
func (s *Service) RunMetricsRefresh(ctx context.Context, interval time.Duration, workersConnected func() int) {
	if s.metrics == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := s.store.CountJobsByState(ctx)
			if err == nil {
				s.metrics.SetJobCounts(map[metrics.JobState]int{
					metrics.JobStateQueued:    counts[domain.JobStatusQueued],
					metrics.JobStateRunning:   counts[domain.JobStatusRunning],
					metrics.JobStateCompleted: counts[domain.JobStatusCompleted],
					metrics.JobStateFailed:    counts[domain.JobStatusFailed],
					metrics.JobStateCancelled: counts[domain.JobStatusCancelled],
				})
			}
			if depth, err := s.store.QueueDepth(ctx); err == nil {
				s.metrics.SetQueueDepth(depth)
			}
			if workersConnected != nil {
				s.metrics.SetWorkersConnected(workersConnected())
			}
		}
	}
}

// RunCleanup applies the TTL policy on an interval: terminal jobs, their
// events, and terminal approvals older than maxAge are deleted.
func (s *Service) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, approvals, err := s.store.CleanupOldData(ctx, maxAge)
			if err != nil {
				logging.Op().Error("cleanup_old_data failed", "error", err)
				continue
			}
			if jobs > 0 || approvals > 0 {
				logging.Op().Info("cleaned up old data", "jobs", jobs, "approvals", approvals)
			}
		}
	}
}
