// Command sentineld runs the Casparian Flow job orchestrator: the wire
// protocol listener, the approval gate sweep, the worker-lost watchdog,
// the TTL cleanup loop, and the Prometheus metrics endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sl224/casparianflow/internal/apistore"
	"github.com/sl224/casparianflow/internal/approval"
	"github.com/sl224/casparianflow/internal/config"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/metrics"
	"github.com/sl224/casparianflow/internal/observability"
	"github.com/sl224/casparianflow/internal/queue"
	"github.com/sl224/casparianflow/internal/sentinel"
	"github.com/sl224/casparianflow/internal/storage"
)

func main() {
	var (
		configFile string
		bindAddr   string
		stateRoot  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "sentineld",
		Short: "Casparian Flow job orchestrator",
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
			if cmd.Flags().Changed("bind") {
				cfg.Sentinel.BindAddr = bindAddr
			}
			if cmd.Flags().Changed("state-root") {
				cfg.Storage.StateRoot = stateRoot
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file")
	cmd.Flags().StringVar(&bindAddr, "bind", "", "Worker-connect listen address (unix:// or tcp://)")
	cmd.Flags().StringVar(&stateRoot, "state-root", "", "State root directory")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sentineld:", err)
		os.Exit(4)
	}
}

func runDaemon(cfg *config.Config) error {
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	if cfg.Observability.Logging.JobEventFile != "" {
		if err := logging.Default().SetOutput(cfg.Observability.Logging.JobEventFile); err != nil {
			return fmt.Errorf("open job event log: %w", err)
		}
	}
	logging.Default().SetConsole(cfg.Observability.Logging.JobEventStdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		ServiceName: cfg.Observability.Tracing.ServiceName + "-sentinel",
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if err := os.MkdirAll(cfg.Storage.StateRoot, 0o755); err != nil {
		return err
	}
	st, err := storage.Open(ctx, filepath.Join(cfg.Storage.StateRoot, "state.db"), int(cfg.Storage.BusyTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	store := apistore.New(st, cfg.Storage.RetryCap)
	gate := approval.New(store, logging.Op())
	notifier := queue.NewChannelNotifier()
	defer notifier.Close()

	var m *metrics.Sentinel
	if cfg.Observability.Metrics.Enabled {
		m = metrics.NewSentinel(cfg.Observability.Metrics.Namespace)
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Observability.Metrics.Addr, mux); err != nil {
				logging.Op().Error("metrics endpoint failed", "addr", cfg.Observability.Metrics.Addr, "error", err)
			}
		}()
	}

	svc := sentinel.NewService(store, gate, st, notifier, m, cfg.Sentinel, cfg.Approval.DefaultTTL)
	srv, err := sentinel.NewServer(svc, cfg.Sentinel.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Sentinel.BindAddr, err)
	}

	go gate.RunSweepLoop(ctx, cfg.Approval.SweepInterval)
	go svc.RunWatchdog(ctx)
	go svc.RunMetricsRefresh(ctx, 5*time.Second, srv.WorkersConnected)
	go svc.RunCleanup(ctx, time.Hour, cfg.Storage.MaxDataAge)

	logging.Op().Info("sentinel listening", "addr", cfg.Sentinel.BindAddr)
	return srv.Serve(ctx)
}
