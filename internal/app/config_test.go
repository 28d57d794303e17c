package app

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/todrace/internal/model"
)

func TestNewConfigFillsDerivedDefaults(t *testing.T) {
	cfg, err := NewConfig(Config{Command: "check", Provider: "http://localhost:8545", BaseDir: "/data/run1"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/data/run1", "mined_tods.csv"), cfg.Check.CandidatesCSV)
	assert.Equal(t, filepath.Join("/data/run1", "tod_check.csv"), cfg.Check.ResultsCSV)
	assert.Equal(t, filepath.Join("/data/run1", "tod_check_details.jsonl"), cfg.Check.DetailsJSONL)
	assert.Equal(t, filepath.Join("/data/run1", "timings.csv"), cfg.TimingsOutput)
	assert.Equal(t, cfg.TimingsOutput, cfg.Stats.TimingsCSV)
	assert.Equal(t, model.MethodOverall, cfg.Check.Method, "overall is the default diffing method")
	assert.Equal(t, 1, cfg.MaxWorkers)
}

func TestNewConfigKeepsExplicitPaths(t *testing.T) {
	cfg, err := NewConfig(Config{
		Command: "stats",
		BaseDir: "/data/run1",
		Stats:   StatsOptions{OutputPath: "/elsewhere/summary.json"},
		Check:   CheckOptions{Method: model.MethodApproximation},
	})
	require.NoError(t, err)

	assert.Equal(t, "/elsewhere/summary.json", cfg.Stats.OutputPath)
	assert.Equal(t, model.MethodApproximation, cfg.Check.Method)
}

func TestNewConfigRequiresProviderForReplayCommands(t *testing.T) {
	for _, command := range []string{"mine", "check", "trace", "properties", "run"} {
		t.Run(command, func(t *testing.T) {
			_, err := NewConfig(Config{Command: command})
			require.Error(t, err)
		})
	}

	for _, command := range []string{"analyze", "stats"} {
		t.Run(command, func(t *testing.T) {
			_, err := NewConfig(Config{Command: command})
			require.NoError(t, err)
		})
	}
}
