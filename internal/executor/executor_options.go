package executor

import (
	"context"
	"time"

	"github.com/sl224/casparianflow/internal/backtest"
	"github.com/sl224/casparianflow/internal/config"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/jobtracker"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/metrics"
)

type Option func(*Executor)

// WithLogger sets the per-job audit logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics wires the Prometheus collector; without it, ExecuteJob
// skips metric recording entirely.
func WithMetrics(m *metrics.Sentinel) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithWorkerID sets the identifier this executor records on its job spans
// and sends as the guest handshake's peer_id.
func WithWorkerID(id string) Option {
	return func(e *Executor) {
		e.workerID = id
	}
}

// WithTransport overrides the default unix-socket host<->guest transport.
func WithTransport(t config.GuestTransportConfig) Option {
	return func(e *Executor) {
		e.transport = t
	}
}

// WithProgressEvery sets how often in-flight progress is persisted to the
// job row while a guest streams record batches.
func WithProgressEvery(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.progressEvery = d
		}
	}
}

// WithBacktests enables Backtest-type jobs: claimed backtest jobs run the
// fail-fast engine against store's high-failure ledger instead of a
// single full-directory guest pass.
func WithBacktests(store *backtest.Store, cfg config.BacktestConfig) Option {
	return func(e *Executor) {
		e.backtests = store
		e.backtestCfg = cfg
	}
}

// WithSourceInstaller sets the function that stages a plugin's verified
// source into a resolved environment before the guest is spawned (see
// codeloader.Installer).
func WithSourceInstaller(install func(ctx context.Context, plugin *domain.Plugin, envDir string) error) Option {
	return func(e *Executor) {
		e.installSource = install
	}
}

// WithTracker replaces the default liveness tracker, mainly for tests that
// want a tighter TTL than production's worker_timeout.
func WithTracker(t *jobtracker.Tracker) Option {
	return func(e *Executor) {
		e.tracker = t
	}
}

// safeGo runs f in a new goroutine with panic recovery so that a failure
// in fire-and-forget background work never crashes the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}
