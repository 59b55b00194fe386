// Command workerd runs one Casparian Flow worker host: it connects to
// the Sentinel, claims jobs, resolves content-addressed plugin
// environments, and executes guests under the host/guest privilege split.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sl224/casparianflow/internal/apistore"
	"github.com/sl224/casparianflow/internal/backtest"
	"github.com/sl224/casparianflow/internal/codeloader"
	"github.com/sl224/casparianflow/internal/config"
	"github.com/sl224/casparianflow/internal/contract"
	"github.com/sl224/casparianflow/internal/envcache"
	"github.com/sl224/casparianflow/internal/executor"
	"github.com/sl224/casparianflow/internal/identity"
	"github.com/sl224/casparianflow/internal/jobtracker"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/metrics"
	"github.com/sl224/casparianflow/internal/observability"
	"github.com/sl224/casparianflow/internal/sentinel"
	"github.com/sl224/casparianflow/internal/storage"
	"github.com/sl224/casparianflow/internal/worker"
)

// lockfileResolver materializes an environment by writing the resolved
// lockfile into the directory; installing the locked dependency set and
// the plugin entrypoint from the bundle is the artifact loader's job and
// happens against the same directory before the guest is spawned.
type lockfileResolver struct{}

func (lockfileResolver) Resolve(_ context.Context, lockfile []byte, dir string) error {
	return os.WriteFile(filepath.Join(dir, "lockfile"), lockfile, 0o644)
}

func main() {
	var (
		configFile  string
		connectAddr string
		stateRoot   string
		workerID    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "workerd",
		Short: "Casparian Flow worker host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)
			if v := os.Getenv("CF_CONNECT_ADDR"); v != "" && connectAddr == "" {
				connectAddr = v
			}
			if connectAddr == "" {
				connectAddr = cfg.Sentinel.BindAddr
			}
			if cmd.Flags().Changed("state-root") {
				cfg.Storage.StateRoot = stateRoot
			}
			if workerID == "" {
				workerID = "worker-" + identity.MachineID()[:12]
			}
			return runWorker(cfg, connectAddr, workerID, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file")
	cmd.Flags().StringVar(&connectAddr, "connect", "", "Sentinel address (unix:// or tcp://)")
	cmd.Flags().StringVar(&stateRoot, "state-root", "", "State root directory")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "Stable worker identity (defaults to machine id)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Worker metrics listen address (empty disables)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "workerd:", err)
		os.Exit(4)
	}
}

func runWorker(cfg *config.Config, connectAddr, workerID, metricsAddr string) error {
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		ServiceName: cfg.Observability.Tracing.ServiceName + "-worker",
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	st, err := storage.Open(ctx, filepath.Join(cfg.Storage.StateRoot, "state.db"), int(cfg.Storage.BusyTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	store := apistore.New(st, cfg.Storage.RetryCap)
	contracts := contract.New(st, cfg.Storage.RetryCap)
	backtests := backtest.NewStore(st, cfg.Storage.RetryCap)

	envs, err := envcache.New(cfg.Worker.EnvCache.Root, cfg.Worker.EnvCache.MaxEnvs, cfg.Worker.EnvCache.MaxAge, lockfileResolver{})
	if err != nil {
		return fmt.Errorf("open env cache: %w", err)
	}
	go envs.EvictLoop(ctx, cfg.Worker.EnvCache.MaxAge/4)

	if cfg.Observability.Metrics.Enabled && metricsAddr != "" {
		m := metrics.NewWorker(cfg.Observability.Metrics.Namespace+"_worker", func() int {
			n, _ := envs.Stats()
			return n
		})
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logging.Op().Error("metrics endpoint failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	sourceCache, err := codeloader.NewCache(filepath.Join(cfg.Storage.StateRoot, "layers"))
	if err != nil {
		return fmt.Errorf("open source cache: %w", err)
	}
	installer := codeloader.NewInstaller(sourceCache, filepath.Join(cfg.Storage.StateRoot, "plugins"))

	tracker := jobtracker.New(2 * cfg.Sentinel.WorkerTimeout)
	exec := executor.New(store, envs, contracts,
		executor.WithWorkerID(workerID),
		executor.WithTransport(cfg.Worker.Transport),
		executor.WithProgressEvery(cfg.Worker.ProgressEvery),
		executor.WithTracker(tracker),
		executor.WithBacktests(backtests, cfg.Backtest),
		executor.WithSourceInstaller(installer.Install),
	)

	client, err := sentinel.Dial(connectAddr, workerID)
	if err != nil {
		return fmt.Errorf("connect to sentinel at %s: %w", connectAddr, err)
	}
	defer client.Close()

	w := worker.New(client, exec, tracker, worker.Config{
		WorkerID:      workerID,
		ProgressEvery: cfg.Worker.ProgressEvery,
		CancelDrain:   cfg.Sentinel.CancelDrainDuration(),
		MaxRetries:    cfg.Sentinel.MaxRetries,
		Retry: executor.RetryConfig{
			BaseDelay: cfg.Sentinel.RetryBaseDelay,
			MaxDelay:  cfg.Sentinel.RetryMaxDelay,
		},
	})

	logging.Op().Info("worker connected", "worker_id", workerID, "sentinel", connectAddr)
	return w.Run(ctx)
}
