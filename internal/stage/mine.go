package stage

import (
	"context"
	"fmt"

	"github.com/vk/todrace/internal/checkpoint"
	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/miner"
	"github.com/vk/todrace/internal/model"
	"github.com/vk/todrace/internal/timing"
)

// MineConfig carries the mine stage inputs.
type MineConfig struct {
	Blocks     model.BlockRange
	Options    miner.Options
	OutputPath string
	StatsPath  string
}

// Mine fetches block data for the range and writes the candidate checkpoint
// plus mining stats. Mining is timed as one aggregate block; there is no
// per-item concurrency here, the miner parallelizes internally if at all.
func Mine(ctx context.Context, m miner.Miner, tracker *timing.Tracker, cfg MineConfig) error {
	defer tracker.Scope("mine")()
	logger := ctxlog.FromContext(ctx)

	logger.Info("Fetching block data.", "blocks", cfg.Blocks.String())
	var fetchErr error
	func() {
		defer tracker.Scope("mine", "fetch")()
		fetchErr = m.Fetch(ctx, cfg.Blocks)
	}()
	if fetchErr != nil {
		return fmt.Errorf("failed to fetch block data: %w", fetchErr)
	}

	logger.Info("Extracting TOD candidates from block data.")
	pairs, stats, err := m.Candidates(ctx, cfg.Blocks, cfg.Options)
	if err != nil {
		return fmt.Errorf("mining failed: %w", err)
	}

	if err := checkpoint.WriteCandidates(cfg.OutputPath, pairs); err != nil {
		return fmt.Errorf("failed to write candidates checkpoint: %w", err)
	}
	if err := checkpoint.WriteJSON(cfg.StatsPath, stats); err != nil {
		return fmt.Errorf("failed to write mining stats: %w", err)
	}

	logger.Info("Wrote TOD candidates.", "count", len(pairs), "path", cfg.OutputPath)
	return nil
}
