package backtest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/logging"
)

// TerminationReason is why a backtest run stopped.
type TerminationReason string

const (
	ReasonPassRateAchieved     TerminationReason = "PassRateAchieved"
	ReasonMaxIterations        TerminationReason = "MaxIterations"
	ReasonPlateauDetected      TerminationReason = "PlateauDetected"
	ReasonTimeout              TerminationReason = "Timeout"
	ReasonUserStopped          TerminationReason = "UserStopped"
	ReasonHighFailureEarlyStop TerminationReason = "HighFailureEarlyStop"
)

// Tester runs the parser under test against a single file. A nil return is
// a pass; a typed coreerr carries the failure category into the ledger.
type Tester interface {
	Test(ctx context.Context, fileID string) error
}

// TesterFunc adapts a function to the Tester interface.
type TesterFunc func(ctx context.Context, fileID string) error

func (f TesterFunc) Test(ctx context.Context, fileID string) error { return f(ctx, fileID) }

// Config bounds a backtest run.
type Config struct {
	TargetPassRate   float64       // stop once an iteration's pass rate reaches this (0 disables)
	MaxIterations    int           // hard iteration ceiling
	WindowSize       int           // plateau window W
	MinImprovement   float64       // plateau delta
	IterationTimeout time.Duration // per-iteration wall clock budget (0 disables)
	HighFailureBias  bool          // schedule historically failing files first
}

// FileResult is one file's outcome within an iteration.
type FileResult struct {
	FileID      string
	Passed      bool
	Category    coreerr.Code
	Message     string
	HighFailure bool
}

// IterationMetrics summarizes one iteration. Duration is informational and
// excluded from determinism contracts.
type IterationMetrics struct {
	Iteration         int
	Total             int
	Passed            int
	Failed            int
	PassRate          float64
	Duration          time.Duration
	HighFailureTested int
	HighFailurePassed int
	Results           []FileResult
}

// Report is the full outcome of a backtest run.
type Report struct {
	ScopeID       string
	ParserVersion string
	Iterations    []IterationMetrics
	Reason        TerminationReason
	FinalPassRate float64
}

// Engine orders files, runs them through a Tester, and maintains the
// high-failure ledger.
type Engine struct {
	store  *Store
	tester Tester
	cfg    Config
}

func NewEngine(store *Store, tester Tester, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5
	}
	return &Engine{store: store, tester: tester, cfg: cfg}
}

// Run executes up to MaxIterations iterations of the full file set for
// (scopeID, parserVersion) and returns the report with its termination
// reason. A cancelled parent context terminates the run as UserStopped
// with the partial iteration recorded.
func (e *Engine) Run(ctx context.Context, scopeID, parserVersion string, files []string) (*Report, error) {
	report := &Report{ScopeID: scopeID, ParserVersion: parserVersion}
	passedBefore := make(map[string]bool, len(files))
	var passRates []float64

	for iter := 1; iter <= e.cfg.MaxIterations; iter++ {
		records, err := e.store.ListByScope(ctx, scopeID)
		if err != nil {
			return report, err
		}
		ordered, highFailure := e.orderFiles(files, records, passedBefore)

		iterCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.IterationTimeout > 0 {
			iterCtx, cancel = context.WithTimeout(ctx, e.cfg.IterationTimeout)
		}

		metrics, reason := e.runIteration(iterCtx, scopeID, parserVersion, iter, ordered, highFailure, passedBefore)
		if cancel != nil {
			cancel()
		}

		report.Iterations = append(report.Iterations, metrics)
		report.FinalPassRate = metrics.PassRate
		passRates = append(passRates, metrics.PassRate)

		if reason != "" {
			report.Reason = reason
			return report, nil
		}
		if e.cfg.TargetPassRate > 0 && metrics.PassRate >= e.cfg.TargetPassRate {
			report.Reason = ReasonPassRateAchieved
			return report, nil
		}
		if plateaued(passRates, e.cfg.WindowSize, e.cfg.MinImprovement) {
			report.Reason = ReasonPlateauDetected
			return report, nil
		}
	}

	report.Reason = ReasonMaxIterations
	return report, nil
}

// runIteration tests ordered files in sequence, updating the ledger per
// file. It returns a non-empty reason only for termination conditions that
// end the whole run from inside an iteration (early stop, timeout,
// user stop); pass-rate and plateau checks belong to the caller.
func (e *Engine) runIteration(ctx context.Context, scopeID, parserVersion string, iter int,
	ordered []string, highFailure map[string]bool, passedBefore map[string]bool) (m IterationMetrics, reason TerminationReason) {

	m = IterationMetrics{Iteration: iter}
	start := time.Now()
	defer func() {
		m.Duration = time.Since(start)
		if m.Total > 0 {
			m.PassRate = float64(m.Passed) / float64(m.Total)
		}
	}()

	hfScheduled := 0
	for _, f := range ordered {
		if highFailure[f] {
			hfScheduled++
		}
	}

	for i, fileID := range ordered {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return m, ReasonTimeout
			}
			return m, ReasonUserStopped
		default:
		}

		testErr := e.tester.Test(ctx, fileID)
		result := FileResult{FileID: fileID, Passed: testErr == nil, HighFailure: highFailure[fileID]}

		if testErr != nil {
			result.Category = coreerr.CodeOf(testErr)
			result.Message = testErr.Error()
			if err := e.store.RecordFailure(ctx, fileID, scopeID, domain.HighFailureEntry{
				Iteration:     iter,
				ParserVersion: parserVersion,
				Category:      string(result.Category),
				Message:       result.Message,
			}); err != nil {
				logging.Op().Warn("failed to record backtest failure", "file", fileID, "error", err)
			}
			m.Failed++
		} else {
			if err := e.store.RecordPass(ctx, fileID, scopeID, iter, parserVersion); err != nil {
				logging.Op().Warn("failed to record backtest pass", "file", fileID, "error", err)
			}
			passedBefore[fileID] = true
			m.Passed++
		}
		m.Total++
		m.Results = append(m.Results, result)

		if result.HighFailure {
			m.HighFailureTested++
			if result.Passed {
				m.HighFailurePassed++
			}
		}

		// Fail-fast: once every scheduled high-failure file has been
		// tested and all of them failed again, the parser clearly has
		// not improved on its known-bad inputs; stop before spending
		// time on the files expected to pass.
		if hfScheduled > 0 && m.HighFailureTested == hfScheduled && m.HighFailurePassed == 0 && i == hfScheduled-1 {
			return m, ReasonHighFailureEarlyStop
		}
	}
	return m, ""
}

// orderFiles produces the deterministic per-iteration order:
//
//  1. active high-failure files (consecutive_failures > 0), most
//     consecutive failures first;
//  2. resolved files (failed historically, currently passing);
//  3. files never tested in this run or the ledger;
//  4. files that have always passed.
//
// The high-failure set is returned so the iteration can attribute results.
func (e *Engine) orderFiles(files []string, records []*domain.HighFailureRecord, passedBefore map[string]bool) ([]string, map[string]bool) {
	inSet := make(map[string]bool, len(files))
	for _, f := range files {
		inSet[f] = true
	}

	highFailure := make(map[string]bool)
	seen := make(map[string]bool)
	var active, resolved []string

	if e.cfg.HighFailureBias {
		// records arrive pre-sorted by the ledger query.
		for _, rec := range records {
			if !inSet[rec.FileID] {
				continue
			}
			seen[rec.FileID] = true
			if rec.ConsecutiveFailures > 0 {
				active = append(active, rec.FileID)
				highFailure[rec.FileID] = true
			} else {
				resolved = append(resolved, rec.FileID)
			}
		}
		sort.Strings(resolved)
	}

	var untested, alwaysPassing []string
	for _, f := range files {
		if seen[f] {
			continue
		}
		if passedBefore[f] {
			alwaysPassing = append(alwaysPassing, f)
		} else {
			untested = append(untested, f)
		}
	}
	sort.Strings(untested)
	sort.Strings(alwaysPassing)

	ordered := make([]string, 0, len(files))
	ordered = append(ordered, active...)
	ordered = append(ordered, resolved...)
	ordered = append(ordered, untested...)
	ordered = append(ordered, alwaysPassing...)
	return ordered, highFailure
}

// plateaued reports whether the last window of pass rates moved less than
// minImprovement end to end.
func plateaued(rates []float64, window int, minImprovement float64) bool {
	if window <= 0 || len(rates) < window || minImprovement <= 0 {
		return false
	}
	tail := rates[len(rates)-window:]
	lo, hi := tail[0], tail[0]
	for _, r := range tail[1:] {
		if r < lo {
			lo = r
		}
		if r > hi {
			hi = r
		}
	}
	return hi-lo < minImprovement
}
