package executor

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/sl224/casparianflow/internal/backtest"
	"github.com/sl224/casparianflow/internal/domain"
)

// runBacktest executes a Backtest job: the scope's file set is collected
// from the job's input directory, ordered high-failure-first by the
// ledger, and each file is run through the guest in validate-only mode.
// No sink is written; the result carries the engine's metrics.
func (e *Executor) runBacktest(ctx context.Context, job *domain.Job, envDir string, scopeContract *domain.SchemaContract) (*domain.JobResult, error) {
	files, err := collectFiles(job.InputDir)
	if err != nil {
		return nil, fmt.Errorf("collect backtest files: %w", err)
	}

	scopeID := job.PluginName
	tester := backtest.TesterFunc(func(ctx context.Context, fileID string) error {
		sub := *job
		sub.InputDir = filepath.Join(job.InputDir, filepath.FromSlash(fileID))
		_, err := e.runGuest(ctx, &sub, envDir, scopeContract, true)
		return err
	})

	cfg := backtest.Config{
		TargetPassRate:   e.backtestCfg.TargetPassRate,
		MaxIterations:    e.backtestCfg.MaxIterations,
		WindowSize:       e.backtestCfg.WindowSize,
		MinImprovement:   e.backtestCfg.MinImprovement,
		IterationTimeout: e.backtestCfg.IterationTimeout,
		HighFailureBias:  e.backtestCfg.HighFailureBias,
	}
	engine := backtest.NewEngine(e.backtests, tester, cfg)

	report, err := engine.Run(ctx, scopeID, job.PluginVersion, files)
	if err != nil {
		return nil, err
	}

	var tested int64
	for _, it := range report.Iterations {
		tested += int64(it.Total)
		e.emitEvent(ctx, job.JobID, domain.EventPhase, map[string]any{
			"phase":               "backtest_iteration",
			"iteration":           it.Iteration,
			"total":               it.Total,
			"passed":              it.Passed,
			"failed":              it.Failed,
			"pass_rate":           it.PassRate,
			"high_failure_tested": it.HighFailureTested,
			"high_failure_passed": it.HighFailurePassed,
		})
	}
	e.emitEvent(ctx, job.JobID, domain.EventOutput, map[string]any{
		"reason":    string(report.Reason),
		"pass_rate": report.FinalPassRate,
	})

	return &domain.JobResult{
		RowsProcessed: tested,
		Metrics: map[string]string{
			"reason":          string(report.Reason),
			"iterations":      strconv.Itoa(len(report.Iterations)),
			"final_pass_rate": strconv.FormatFloat(report.FinalPassRate, 'f', 4, 64),
			"files":           strconv.Itoa(len(files)),
		},
	}, nil
}

// collectFiles gathers the scope's file set, rel paths normalized to
// forward slashes for stable file ids across platforms.
func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}
