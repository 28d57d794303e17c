package stage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vk/todrace/internal/checkpoint"
	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/miner"
	"github.com/vk/todrace/internal/model"
	"github.com/vk/todrace/internal/replay"
)

// PipelineScope is the run-wide timing scope the chained pipeline wraps its
// stages in.
const PipelineScope = "t_race"

// StatsConfig carries the stats stage inputs. Only the results checkpoint is
// required; the other inputs are folded in when present.
type StatsConfig struct {
	ResultsCSV    string
	PropertiesCSV string
	TimingsCSV    string
	MiningJSON    string
	OutputPath    string

	// RunID tags the summary with the run that produced it, when known.
	RunID string
}

// PropertySummary aggregates the property checkpoint.
type PropertySummary struct {
	Evaluated     int            `json:"evaluated"`
	GainLoss      map[string]int `json:"gain_loss"`
	SecurifyA     int            `json:"securify_a"`
	SecurifyB     int            `json:"securify_b"`
	ERC20Approval int            `json:"erc20_approval"`
}

// Summary is the run summary artifact.
type Summary struct {
	RunID      string           `json:"run_id,omitempty"`
	Pairs      int              `json:"pairs"`
	Results    map[string]int   `json:"results"`
	Properties *PropertySummary `json:"properties,omitempty"`
	// TimingsMS totals elapsed time per stage scope. The run-wide pipeline
	// scope is excluded so the stage totals do not overlap with it.
	TimingsMS map[string]int64 `json:"timings_ms,omitempty"`
	Mining    *miner.Stats     `json:"mining,omitempty"`
}

// Stats aggregates the run's checkpoints into one summary JSON. The results
// checkpoint must exist; properties, timings and mining stats contribute
// when their files are present and are skipped silently otherwise.
func Stats(ctx context.Context, cfg StatsConfig) error {
	logger := ctxlog.FromContext(ctx)

	rows, err := checkpoint.ReadResults(cfg.ResultsCSV)
	if err != nil {
		return err
	}
	summary := Summary{
		RunID:   cfg.RunID,
		Pairs:   len(rows),
		Results: map[string]int{},
	}
	for _, row := range rows {
		summary.Results[string(row.Result)]++
	}

	if exists(cfg.PropertiesCSV) {
		reports, err := checkpoint.ReadProperties(cfg.PropertiesCSV)
		if err != nil {
			return err
		}
		summary.Properties = summarizeProperties(reports)
	}
	if exists(cfg.TimingsCSV) {
		timings, err := summarizeTimings(cfg.TimingsCSV)
		if err != nil {
			return err
		}
		summary.TimingsMS = timings
	}
	if exists(cfg.MiningJSON) {
		var mining miner.Stats
		if err := checkpoint.ReadJSON(cfg.MiningJSON, &mining); err != nil {
			return err
		}
		summary.Mining = &mining
	}

	if err := checkpoint.WriteJSON(cfg.OutputPath, summary); err != nil {
		return err
	}
	logger.Info("Wrote run summary.",
		"pairs", summary.Pairs,
		"tod", summary.Results[string(model.VerdictTOD)],
		"path", cfg.OutputPath)
	return nil
}

func summarizeProperties(reports []model.PropertyReport) *PropertySummary {
	out := &PropertySummary{
		Evaluated: len(reports),
		GainLoss:  map[string]int{},
	}
	for _, r := range reports {
		if r.GainLoss != nil && *r.GainLoss != replay.NoGainLoss {
			out.GainLoss[*r.GainLoss]++
		}
		if r.SecurifyA != nil && *r.SecurifyA {
			out.SecurifyA++
		}
		if r.SecurifyB != nil && *r.SecurifyB {
			out.SecurifyB++
		}
		if r.ERC20Approval != nil && *r.ERC20Approval {
			out.ERC20Approval++
		}
	}
	return out
}

// summarizeTimings totals elapsed milliseconds per stage scope of the timing
// ledger. Nested scopes are already covered by their enclosing stage row, and
// the run-wide pipeline scope covers every stage, so neither contributes.
func summarizeTimings(path string) (map[string]int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open timings ledger: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read timings ledger %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("timings ledger %s has no header row", path)
	}

	totals := map[string]int64{}
	for _, rec := range records[1:] {
		if len(rec) < 2 {
			continue
		}
		elapsed, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("timings ledger %s: %w", path, err)
		}
		if rec[0] == PipelineScope || strings.Contains(rec[0], "/") {
			continue
		}
		totals[rec[0]] += elapsed
	}
	return totals, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
