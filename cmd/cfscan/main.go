// Command cfscan walks a source directory into the scan_files and
// scan_folders tables with bounded memory, reporting progress per
// committed batch. It writes the same state.db the sentinel serves, so
// discovered files are immediately visible to run submissions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sl224/casparianflow/internal/config"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/scanner"
	"github.com/sl224/casparianflow/internal/storage"
)

func main() {
	var (
		configFile string
		stateRoot  string
		batchSize  int
	)

	cmd := &cobra.Command{
		Use:   "cfscan <source-id> <root-dir>",
		Short: "Scan a source directory into the state store",
		Args:  cobra.ExactArgs(2),
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
			if cmd.Flags().Changed("state-root") {
				cfg.Storage.StateRoot = stateRoot
			}
			return runScan(cfg, args[0], args[1], batchSize)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file")
	cmd.Flags().StringVar(&stateRoot, "state-root", "", "State root directory")
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "Files per persisted batch")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cfscan:", err)
		os.Exit(3)
	}
}

func runScan(cfg *config.Config, sourceID, root string, batchSize int) error {
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := storage.Open(ctx, filepath.Join(cfg.Storage.StateRoot, "state.db"), int(cfg.Storage.BusyTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	sc := scanner.New(st, cfg.Storage.RetryCap, scanner.Config{BatchSize: batchSize}, func(p scanner.Progress) {
		fmt.Printf("\rscanned %d files (%d batches)", p.FilesSeen, p.BatchesCommitted)
	})

	sum, err := sc.Scan(ctx, sourceID, root)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("scan stopped after %d files: %w", sum.FilesSeen, err)
	}
	fmt.Printf("done: %d files (%d new) in %d batches\n", sum.FilesSeen, sum.NewFiles, sum.BatchesCommitted)
	return nil
}
