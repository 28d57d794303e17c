package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/todrace/internal/batch"
	"github.com/vk/todrace/internal/checkpoint"
	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/fsutil"
	"github.com/vk/todrace/internal/model"
	"github.com/vk/todrace/internal/replay"
	"github.com/vk/todrace/internal/session"
	"github.com/vk/todrace/internal/timing"
)

// CheckConfig carries the check stage inputs.
type CheckConfig struct {
	CandidatesCSV string
	ResultsCSV    string
	DetailsJSONL  string
	Method        model.Method
	Workers       int

	// CreateTraces additionally persists instruction-level traces for TOD
	// pairs under TracesDir.
	CreateTraces bool
	TracesDir    string
}

// checkOutcome is the work function's value for one pair.
type checkOutcome struct {
	verdict model.Verdict
	diff    *model.StateDiff
	reason  string
}

// Check verifies every candidate pair by replaying both orderings. The
// session is warmed once for the union of all referenced transactions, then
// a shared-memory worker pool classifies pairs concurrently. Every pair
// yields exactly one results row and one detail line, whatever its outcome.
func Check(
	ctx context.Context,
	sess *session.Session,
	cmp replay.Comparator,
	traces replay.TraceProvider,
	tracker *timing.Tracker,
	cfg CheckConfig,
) error {
	defer tracker.Scope("check")()
	logger := ctxlog.FromContext(ctx)

	pairs, err := checkpoint.ReadCandidates(cfg.CandidatesCSV)
	if err != nil {
		return err
	}
	logger.Info("Checking candidate pairs for TOD.", "pairs", len(pairs), "method", string(cfg.Method))

	// Prefetch phase: cache every referenced block's state data once before
	// the parallel phase reads the session concurrently.
	var warmErr error
	func() {
		defer tracker.Scope("check", "download")()
		warmErr = sess.Warm(ctx, referencedHashes(pairs))
	}()
	if warmErr != nil {
		return fmt.Errorf("failed to warm session: %w", warmErr)
	}

	if cfg.CreateTraces {
		if err := fsutil.EnsureDir(cfg.TracesDir); err != nil {
			return fmt.Errorf("failed to create traces directory: %w", err)
		}
	}

	details, err := checkpoint.NewDetailsWriter(cfg.DetailsJSONL)
	if err != nil {
		return err
	}

	items := make([]batch.Item[model.CandidatePair], len(pairs))
	for i, p := range pairs {
		items[i] = batch.Item[model.CandidatePair]{ID: p.ID(), Payload: p}
	}

	work := func(ctx context.Context, item batch.Item[model.CandidatePair]) (checkOutcome, error) {
		defer tracker.Scope("check", "check", item.ID)()

		comparison, err := cmp.Compare(ctx, item.Payload, cfg.Method)
		if err != nil {
			return checkOutcome{}, err
		}
		if cfg.CreateTraces && comparison.Kind == model.VerdictTOD {
			if err := writeTraces(ctx, traces, item.Payload, cfg.TracesDir); err != nil {
				// Trace persistence is best effort; the verdict stands.
				ctxlog.FromContext(ctx).Warn("Failed to persist traces for pair.", "pair", item.ID, "error", err)
			}
		}
		return checkOutcome{
			verdict: comparison.Kind,
			diff:    comparison.Diff,
			reason:  comparison.Reason,
		}, nil
	}

	results := batch.Run(ctx, items, batch.Options{
		Workers:    cfg.Workers,
		OnProgress: progressLogger(ctx, "check"),
	}, work)

	rows := make([]checkpoint.ResultRow, 0, len(results))
	for _, r := range results {
		pair, _ := model.PairFromID(r.ID)
		line := checkpoint.DetailLine{TxA: pair.TxA, TxB: pair.TxB}
		row := checkpoint.ResultRow{TxA: pair.TxA, TxB: pair.TxB}

		switch {
		case r.Err != nil:
			row.Result = model.VerdictError
			failure := r.Err.Error()
			line.Failure = &failure
		default:
			row.Result = r.Value.verdict
			if r.Value.diff != nil {
				line.Details = r.Value.diff
			}
			if r.Value.reason != "" {
				reason := r.Value.reason
				line.Failure = &reason
			}
		}

		rows = append(rows, row)
		if err := details.Write(line); err != nil {
			details.Close()
			return err
		}
	}

	if err := details.Close(); err != nil {
		return err
	}
	if err := checkpoint.WriteResults(cfg.ResultsCSV, rows); err != nil {
		return err
	}

	logger.Info("Check stage finished.", "pairs", len(rows), "results", cfg.ResultsCSV)
	return nil
}

// referencedHashes returns the union of all transaction hashes the pairs
// mention, preserving first-seen order.
func referencedHashes(pairs []model.CandidatePair) []model.Hash {
	seen := make(map[model.Hash]struct{}, len(pairs)*2)
	var hashes []model.Hash
	for _, p := range pairs {
		for _, h := range []model.Hash{p.TxA, p.TxB} {
			if _, ok := seen[h]; !ok {
				seen[h] = struct{}{}
				hashes = append(hashes, h)
			}
		}
	}
	return hashes
}

func writeTraces(ctx context.Context, traces replay.TraceProvider, pair model.CandidatePair, tracesDir string) error {
	if traces == nil {
		return fmt.Errorf("no trace provider configured")
	}
	tp, err := traces.Traces(ctx, pair)
	if err != nil {
		return err
	}
	dir := filepath.Join(tracesDir, pair.ID())
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "normal.jsonl"), tp.Normal, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "reverse.jsonl"), tp.Reverse, 0o644)
}

// progressLogger emits advisory progress lines every 100 completions and at
// the end of the batch.
func progressLogger(ctx context.Context, stageName string) func(completed, total int) {
	logger := ctxlog.FromContext(ctx)
	return func(completed, total int) {
		if completed%100 == 0 || completed == total {
			logger.Info("Stage progress.", "stage", stageName, "completed", completed, "total", total)
		}
	}
}
