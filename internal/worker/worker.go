// Package worker runs the host daemon's claim loop: it connects to the
// Sentinel over the wire protocol, claims jobs, drives the executor for
// each claimed job, and relays progress acks — the channel through which
// pending cancellation reaches a running job.
package worker

import (
	"context"
	"time"

	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/executor"
	"github.com/sl224/casparianflow/internal/jobtracker"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/observability"
	"github.com/sl224/casparianflow/internal/sentinel"
)

// Config bounds the claim loop.
type Config struct {
	WorkerID      string
	ProgressEvery time.Duration // progress ack cadence while a job runs
	CancelDrain   time.Duration // grace the executor gets to drain after a cancel ack
	MaxRetries    int
	Retry         executor.RetryConfig

	// Adaptive idle polling: the gap between NoWork claims widens from
	// IdleMin toward IdleMax while the queue stays empty and snaps back
	// to IdleMin as soon as work appears.
	IdleMin time.Duration
	IdleMax time.Duration
}

// Worker ties one Sentinel connection to one executor.
type Worker struct {
	client  *sentinel.Client
	exec    *executor.Executor
	tracker *jobtracker.Tracker
	cfg     Config
}

func New(client *sentinel.Client, exec *executor.Executor, tracker *jobtracker.Tracker, cfg Config) *Worker {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = time.Second
	}
	if cfg.CancelDrain <= 0 {
		cfg.CancelDrain = 2 * time.Second
	}
	if cfg.IdleMin <= 0 {
		cfg.IdleMin = 50 * time.Millisecond
	}
	if cfg.IdleMax <= 0 {
		cfg.IdleMax = 2 * time.Second
	}
	return &Worker{client: client, exec: exec, tracker: tracker, cfg: cfg}
}

// Run claims and executes jobs until ctx is cancelled. Claim requests
// already park on the Sentinel for its idle window, so the loop's own
// idle sleep only pads the gap between parked polls.
func (w *Worker) Run(ctx context.Context) error {
	idle := w.cfg.IdleMin
	for {
		select {
		case <-ctx.Done():
			return w.exec.Shutdown(context.Background())
		default:
		}

		resp, err := w.client.ClaimNext(w.cfg.WorkerID)
		if err != nil {
			logging.Op().Error("claim_next failed", "worker_id", w.cfg.WorkerID, "error", err)
			select {
			case <-ctx.Done():
				return w.exec.Shutdown(context.Background())
			case <-time.After(w.cfg.IdleMax):
			}
			continue
		}

		if resp.NoWork {
			select {
			case <-ctx.Done():
				return w.exec.Shutdown(context.Background())
			case <-time.After(idle):
			}
			if idle *= 2; idle > w.cfg.IdleMax {
				idle = w.cfg.IdleMax
			}
			continue
		}

		idle = w.cfg.IdleMin
		w.runJob(resp.Trace.Apply(ctx), resp.Job)
	}
}

// runJob executes one claimed job while acking progress to the Sentinel
// on a fixed cadence. A positive cancel ack gives the executor the drain
// window before its context is cut.
func (w *Worker) runJob(ctx context.Context, job *domain.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logging.OpWithTrace(observability.TraceID(ctx), observability.SpanID(ctx)).
		Info("executing claimed job", "job_id", job.JobID, "type", job.Type, "plugin", job.PluginName)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.exec.ExecuteJob(jobCtx, job, w.cfg.MaxRetries, w.cfg.Retry); err != nil {
			logging.Op().Error("execute job", "job_id", job.JobID, "error", err)
		}
	}()

	ticker := time.NewTicker(w.cfg.ProgressEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			// Daemon shutdown: jobCtx derives from ctx and is already
			// cancelled, so no drain window applies; wait for the executor
			// to record the job's outcome.
			cancel()
			<-done
			return
		case <-ticker.C:
			ack, err := w.client.Progress(sentinel.ProgressRequest{
				JobID:    job.JobID,
				WorkerID: w.cfg.WorkerID,
				Progress: w.snapshot(job.JobID),
			})
			if err != nil {
				// The job may have just finished on the executor side;
				// the terminal row makes progress acks invalid.
				select {
				case <-done:
					return
				default:
				}
				logging.Op().Warn("progress ack failed", "job_id", job.JobID, "error", err)
				continue
			}
			if ack.CancelRequested {
				logging.Op().Info("cancel ack received, draining", "job_id", job.JobID, "drain", w.cfg.CancelDrain)
				select {
				case <-done:
				case <-time.After(w.cfg.CancelDrain):
					cancel()
					<-done
				}
				return
			}
		}
	}
}

func (w *Worker) snapshot(jobID int64) domain.JobProgress {
	if w.tracker == nil {
		return domain.JobProgress{}
	}
	p := w.tracker.Get(jobID)
	if p == nil {
		return domain.JobProgress{}
	}
	return domain.JobProgress{Phase: p.Phase, ItemsDone: p.ItemsDone, Message: p.Message}
}
