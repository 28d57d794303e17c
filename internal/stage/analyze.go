package stage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/vk/todrace/internal/analyzer"
	"github.com/vk/todrace/internal/batch"
	"github.com/vk/todrace/internal/checkpoint"
	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/fsutil"
	"github.com/vk/todrace/internal/timing"
)

// AnalyzeConfig carries the analyze stage inputs.
type AnalyzeConfig struct {
	TracesDir  string
	ResultsDir string
	Workers    int
}

// analysisFailure is the artifact written in place of an evaluation when a
// pair's analysis fails.
type analysisFailure struct {
	PairID  string `json:"pair_id"`
	Failure string `json:"failure"`
}

// Analyze scores every trace bundle under the traces directory and writes
// one evaluation file per pair into the results directory. Workers get their
// own analyzer instance; a pair whose analysis fails yields a failure
// artifact instead of an evaluation and never aborts the stage.
func Analyze(ctx context.Context, tracker *timing.Tracker, cfg AnalyzeConfig) error {
	defer tracker.Scope("analyze")()
	logger := ctxlog.FromContext(ctx)

	dirs, err := fsutil.FindSubdirectories(cfg.TracesDir)
	if err != nil {
		return fmt.Errorf("failed to list trace bundles: %w", err)
	}
	if err := fsutil.EnsureDir(cfg.ResultsDir); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	logger.Info("Analyzing trace bundles.", "bundles", len(dirs))

	items := make([]batch.Item[string], len(dirs))
	for i, dir := range dirs {
		items[i] = batch.Item[string]{ID: filepath.Base(dir), Payload: dir}
	}

	newWorker := func(context.Context) (analyzer.Analyzer, error) {
		return analyzer.NewFileAnalyzer(), nil
	}
	work := func(ctx context.Context, a analyzer.Analyzer, item batch.Item[string]) (*analyzer.Evaluation, error) {
		defer tracker.Scope("analyze", "analyze", item.ID)()
		return a.Analyze(ctx, item.Payload)
	}

	results, err := batch.RunIsolated(ctx, items, batch.Options{
		Workers:    cfg.Workers,
		OnProgress: progressLogger(ctx, "analyze"),
	}, newWorker, work)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		path := filepath.Join(cfg.ResultsDir, r.ID+".json")
		if r.Err != nil {
			failed++
			if err := checkpoint.WriteJSON(path, analysisFailure{PairID: r.ID, Failure: r.Err.Error()}); err != nil {
				return err
			}
			continue
		}
		if err := checkpoint.WriteJSON(path, r.Value); err != nil {
			return err
		}
	}

	logger.Info("Analyze stage finished.", "bundles", len(results), "failed", failed, "results", cfg.ResultsDir)
	return nil
}
