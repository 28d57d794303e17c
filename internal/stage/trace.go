package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vk/todrace/internal/batch"
	"github.com/vk/todrace/internal/checkpoint"
	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/fsutil"
	"github.com/vk/todrace/internal/model"
	"github.com/vk/todrace/internal/timing"
)

// TraceConfig carries the trace stage inputs.
type TraceConfig struct {
	// PairsPath accepts either a candidates or a check results checkpoint;
	// results checkpoints are filtered down to TOD pairs.
	PairsPath   string
	TracesDir   string
	ProviderURL string
	Workers     int

	// ReplayerBinary names the external replayer executable. Defaults to
	// "revm-replayer" when empty.
	ReplayerBinary string
}

const defaultReplayerBinary = "revm-replayer"

// Trace produces instruction-level traces for each pair by running the
// external replayer once per pair. The replayer is a separate process, so
// each invocation is naturally isolated; a crashing replay fails only its
// own pair.
func Trace(ctx context.Context, tracker *timing.Tracker, cfg TraceConfig) error {
	defer tracker.Scope("trace")()
	logger := ctxlog.FromContext(ctx)

	pairs, err := checkpoint.ReadPairs(cfg.PairsPath)
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDir(cfg.TracesDir); err != nil {
		return fmt.Errorf("failed to create traces directory: %w", err)
	}

	binary := cfg.ReplayerBinary
	if binary == "" {
		binary = defaultReplayerBinary
	}
	replayer, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("replayer binary not found: %w", err)
	}
	logger.Info("Tracing TOD pairs.", "pairs", len(pairs), "replayer", replayer)

	items := make([]batch.Item[model.CandidatePair], len(pairs))
	for i, p := range pairs {
		items[i] = batch.Item[model.CandidatePair]{ID: p.ID(), Payload: p}
	}

	newWorker := func(context.Context) (string, error) {
		return replayer, nil
	}
	work := func(ctx context.Context, replayer string, item batch.Item[model.CandidatePair]) (struct{}, error) {
		defer tracker.Scope("trace", "trace", item.ID)()

		// Each pair gets its own bundle directory; the analyze stage discovers
		// bundles by listing these subdirectories.
		outDir := filepath.Join(cfg.TracesDir, item.ID)
		if err := fsutil.EnsureDir(outDir); err != nil {
			return struct{}{}, fmt.Errorf("failed to create trace bundle directory: %w", err)
		}
		cmd := exec.CommandContext(ctx, replayer,
			"--archive-node-provider-url", cfg.ProviderURL,
			"--output-dir", outDir,
			"--transaction-hashes", string(item.Payload.TxA), string(item.Payload.TxB),
		)
		cmd.Stdout = io.Discard
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if stderr.Len() > 0 {
				return struct{}{}, fmt.Errorf("replayer failed: %s", strings.TrimSpace(stderr.String()))
			}
			return struct{}{}, fmt.Errorf("replayer failed: %w", err)
		}
		return struct{}{}, nil
	}

	results, err := batch.RunIsolated(ctx, items, batch.Options{
		Workers:    cfg.Workers,
		OnProgress: progressLogger(ctx, "trace"),
	}, newWorker, work)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.Warn("Tracing failed for pair.", "pair", r.ID, "error", r.Err)
		}
	}
	logger.Info("Trace stage finished.", "pairs", len(results), "failed", failed, "traces", cfg.TracesDir)
	return nil
}
