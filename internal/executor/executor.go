// Package executor runs the worker's host side of a single job: it
// resolves the job's plugin environment and locked schema contract in
// parallel, spawns the plugin's guest subprocess, streams its Arrow IPC
// output frame by frame, validates every row against the contract,
// routes valid rows to the configured sink and invalid ones to
// quarantine, and reports progress/terminal events back through the
// embedded store.
//
// # Pipeline
//
//  1. Drain-check: reject if the executor is shutting down.
//  2. Parallel pre-fetch: plugin row and schema contract are
//     resolved concurrently via errgroup, mirroring a FaaS control
//     plane's pre-execution fan-out.
//  3. Environment resolution: envcache.Ensure materializes the plugin's
//     dependency set before any guest process is spawned.
//  4. Guest spawn: the plugin entrypoint is exec'd with its IPC socket
//     path (or vsock address) passed via environment variable.
//  5. Schema frame: the guest's first Arrow IPC message is checked
//     against the locked schema; a structural mismatch fails the job
//     before any row is processed.
//  6. Record batches: each row is validated against the contract;
//     non-structural violations are quarantined, structural ones fail
//     the job outright and the guest is killed.
//  7. Side effects: every significant transition emits a domain.Event,
//     updates jobtracker liveness, and records Prometheus metrics.
//
// # Concurrency
//
// Executor is safe for concurrent use by multiple worker goroutines, one
// per claimed job. ExecuteJob increments an inflight counter so
// Shutdown can drain in-flight executions before the process exits.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sl224/casparianflow/internal/apistore"
	"github.com/sl224/casparianflow/internal/backtest"
	"github.com/sl224/casparianflow/internal/config"
	"github.com/sl224/casparianflow/internal/contract"
	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/envcache"
	"github.com/sl224/casparianflow/internal/jobtracker"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/metrics"
	"github.com/sl224/casparianflow/internal/observability"
	"github.com/sl224/casparianflow/internal/sinks"
)

// Executor runs claimed jobs to completion on one worker process. The
// zero value is not usable; always construct via New.
type Executor struct {
	jobs     *apistore.Store
	envs     *envcache.Cache
	contracts *contract.Store
	tracker  *jobtracker.Tracker
	metrics  *metrics.Sentinel
	logger   *logging.Logger
	workerID string
	transport config.GuestTransportConfig
	progressEvery time.Duration

	backtests   *backtest.Store
	backtestCfg config.BacktestConfig

	// installSource stages the plugin entrypoint into a freshly resolved
	// environment; nil means the environment is expected to already
	// carry one.
	installSource func(ctx context.Context, plugin *domain.Plugin, envDir string) error

	inflight sync.WaitGroup
	closing  atomic.Bool
}

// New creates a ready-to-use Executor.
func New(jobs *apistore.Store, envs *envcache.Cache, contracts *contract.Store, opts ...Option) *Executor {
	e := &Executor{
		jobs:      jobs,
		envs:      envs,
		contracts: contracts,
		logger:    logging.Default(),
		tracker:   jobtracker.New(30 * time.Second),
		progressEvery: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Shutdown marks the executor as draining and blocks until every
// in-flight ExecuteJob call returns.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closing.Store(true)
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteJob runs job to a terminal state: Completed, Failed, or
// Cancelled. It never returns an error for a job-level failure — those
// are recorded on the job row itself via FinishJob/RetryJob — only when
// the executor cannot attempt the job at all (shutdown in progress) or
// when recording the job's outcome on its row fails.
func (e *Executor) ExecuteJob(ctx context.Context, job *domain.Job, maxRetries int, cfg RetryConfig) error {
	if e.closing.Load() {
		return fmt.Errorf("executor: shutting down, refusing job %d", job.JobID)
	}
	e.inflight.Add(1)
	defer e.inflight.Done()

	ctx, span := observability.StartSpan(ctx, "worker.execute_job",
		observability.AttrJobID.Int64(job.JobID),
		observability.AttrJobType.String(string(job.Type)),
		observability.AttrPlugin.String(job.PluginName),
		observability.AttrWorkerID.String(e.workerID),
	)
	defer span.End()

	start := time.Now()
	e.tracker.Update(job.JobID, "starting", 0, "resolving environment and contract")

	plugin, scopeContract, err := e.prefetch(ctx, job)
	if err != nil {
		return e.finishWithFailure(ctx, job, maxRetries, cfg, coreerr.Wrap(coreerr.CodePluginValidation, "pre-fetch failed", err))
	}

	envDir, err := e.resolveEnvironment(ctx, job, plugin)
	if err != nil {
		return e.finishWithFailure(ctx, job, maxRetries, cfg, coreerr.Wrap(coreerr.CodePluginValidation, "environment resolution failed", err))
	}

	var result *domain.JobResult
	if job.Type == domain.JobTypeBacktest && e.backtests != nil {
		result, err = e.runBacktest(ctx, job, envDir, scopeContract)
	} else {
		result, err = e.runGuest(ctx, job, envDir, scopeContract, false)
	}
	durationMs := time.Since(start).Milliseconds()
	observability.SpanFromContext(ctx).SetAttributes(observability.AttrDurationMs.Int64(durationMs))

	if err != nil {
		cerr := classify(err)
		observability.SetSpanError(observability.SpanFromContext(ctx), err)
		return e.finishWithFailure(ctx, job, maxRetries, cfg, cerr)
	}

	if err := e.jobs.FinishJob(ctx, job.JobID, domain.JobStatusCompleted, result, ""); err != nil {
		return fmt.Errorf("executor: finish job %d: %w", job.JobID, err)
	}
	e.tracker.Remove(job.JobID)
	e.emitEvent(ctx, job.JobID, domain.EventJobFinished, map[string]any{"status": "Completed", "rows": result.RowsProcessed})
	if e.metrics != nil {
		e.metrics.RecordJobFinished(metrics.JobStateCompleted)
	}
	e.logger.Log(&logging.JobEventLog{
		JobID: job.JobID, EventType: "JobFinished", Plugin: job.PluginName,
		DurationMs: durationMs, Success: true, RowsDone: result.RowsProcessed,
	})
	observability.SetSpanOK(observability.SpanFromContext(ctx))
	return nil
}

// prefetch resolves the job's plugin artifact and schema contract
// concurrently, the same pre-execution fan-out shape a control plane
// uses to minimize round-trip latency before committing to a guest spawn.
func (e *Executor) prefetch(ctx context.Context, job *domain.Job) (*domain.Plugin, *domain.SchemaContract, error) {
	var (
		plugin   *domain.Plugin
		scopeCtr *domain.SchemaContract
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if job.PluginVersion != "" {
			plugin, err = e.jobs.GetPlugin(gctx, job.PluginName, job.PluginVersion)
		} else {
			plugin, err = e.jobs.GetLatestPlugin(gctx, job.PluginName)
		}
		if err != nil {
			return fmt.Errorf("resolve plugin %s: %w", job.PluginName, err)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		scopeCtr, err = e.contracts.GetLatest(gctx, job.PluginName)
		if err != nil {
			return fmt.Errorf("resolve contract for scope %s: %w", job.PluginName, err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return plugin, scopeCtr, nil
}

func (e *Executor) resolveEnvironment(ctx context.Context, job *domain.Job, plugin *domain.Plugin) (string, error) {
	// The worker resolves environments by env_hash alone; the lockfile
	// bytes are fetched by the cache's Resolver (wired at construction)
	// on miss, so nil is passed here and content-addressing is enforced
	// where the bytes actually exist.
	dir, err := e.envs.Ensure(ctx, plugin.EnvHash, nil)
	if err != nil {
		return "", err
	}
	e.envs.Touch(plugin.EnvHash)

	if e.installSource != nil {
		if err := e.installSource(ctx, plugin, dir); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (e *Executor) finishWithFailure(ctx context.Context, job *domain.Job, maxRetries int, cfg RetryConfig, cerr *coreerr.Error) error {
	// Terminal recording must survive the job context being cancelled.
	ctx = context.WithoutCancel(ctx)

	if cerr.Code == coreerr.CodeCancelled {
		if err := e.jobs.FinishJob(ctx, job.JobID, domain.JobStatusCancelled, nil, cerr.Error()); err != nil {
			return fmt.Errorf("executor: cancel job %d: %w", job.JobID, err)
		}
		e.tracker.Remove(job.JobID)
		e.emitEvent(ctx, job.JobID, domain.EventJobFinished, map[string]any{"status": "Cancelled"})
		if e.metrics != nil {
			e.metrics.RecordJobFinished(metrics.JobStateCancelled)
		}
		e.logger.Log(&logging.JobEventLog{
			JobID: job.JobID, EventType: "JobFinished", Plugin: job.PluginName, Success: false, Error: "cancelled",
		})
		return nil
	}

	e.emitEvent(ctx, job.JobID, domain.EventViolation, map[string]any{"code": cerr.Code, "message": cerr.Message})

	if cerr.Retryable() {
		delay := backoffDelay(job.RetryCount, cfg)
		if err := e.jobs.RetryJob(ctx, job.JobID, maxRetries, cerr.Code, cerr.Error(), delay); err != nil {
			return fmt.Errorf("executor: retry job %d: %w", job.JobID, err)
		}
		if e.metrics != nil {
			e.metrics.RecordRetry(string(cerr.Code))
		}
		e.logger.Log(&logging.JobEventLog{
			JobID: job.JobID, EventType: "Retry", Plugin: job.PluginName,
			Success: false, Error: cerr.Error(), Retries: job.RetryCount + 1,
		})
		return nil
	}

	if err := e.jobs.FinishJob(ctx, job.JobID, domain.JobStatusFailed, nil, cerr.Error()); err != nil {
		return fmt.Errorf("executor: fail job %d: %w", job.JobID, err)
	}
	e.tracker.Remove(job.JobID)
	e.emitEvent(ctx, job.JobID, domain.EventJobFinished, map[string]any{"status": "Failed", "error": cerr.Error()})
	if e.metrics != nil {
		e.metrics.RecordJobFinished(metrics.JobStateFailed)
	}
	e.logger.Log(&logging.JobEventLog{
		JobID: job.JobID, EventType: "JobFinished", Plugin: job.PluginName,
		Success: false, Error: cerr.Error(),
	})
	return nil
}

func (e *Executor) emitEvent(ctx context.Context, jobID int64, evtType domain.EventType, payload any) {
	if _, err := e.jobs.InsertEvent(ctx, jobID, evtType, payload); err != nil {
		logging.Op().Warn("failed to record job event", "job_id", jobID, "event_type", evtType, "error", err)
	}
}

func classify(err error) *coreerr.Error {
	if cerr, ok := coreerr.As(err); ok {
		return cerr
	}
	return coreerr.Wrap(coreerr.CodeGuestCrash, "guest execution failed", err)
}

// RetryConfig mirrors config.SentinelConfig's retry fields without
// importing the full config struct into every call site.
type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func backoffDelay(retryCount int, cfg RetryConfig) time.Duration {
	d := cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d > cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// buildRow converts a decoded Arrow row (column name -> Go value) into a
// sinks.Row, a thin adapter kept here since it is specific to how the
// executor wires arrowio's decode output into the sink layer.
func buildRow(values map[string]any) sinks.Row {
	return sinks.Row(values)
}
