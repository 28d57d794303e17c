package app

import (
	"fmt"
	"path/filepath"

	"github.com/vk/todrace/internal/model"
)

// Config is the fully resolved configuration of one invocation: the global
// settings plus the options of the selected command. The CLI layer resolves
// flag > config file > environment precedence before constructing it.
type Config struct {
	Command string

	Provider      string
	BaseDir       string
	MaxWorkers    int
	TimingsOutput string
	LogLevel      string
	LogFormat     string

	Mine       MineOptions
	Check      CheckOptions
	Trace      TraceOptions
	Analyze    AnalyzeOptions
	Properties PropertiesOptions
	Stats      StatsOptions
}

// MineOptions configures the mine command and the mine leg of run.
type MineOptions struct {
	Blocks          model.BlockRange
	WindowSize      int
	DuplicatesLimit int
	OutputPath      string
	StatsPath       string
	DSN             string
}

// CheckOptions configures the check command and the check leg of run.
type CheckOptions struct {
	CandidatesCSV string
	ResultsCSV    string
	DetailsJSONL  string
	Method        model.Method
	CreateTraces  bool
	TracesDir     string
	// TracesProvider overrides the global provider for VM-trace capture;
	// empty means use the global one.
	TracesProvider string
}

// TraceOptions configures the trace command.
type TraceOptions struct {
	PairsPath      string
	TracesDir      string
	ReplayerBinary string
}

// AnalyzeOptions configures the analyze command.
type AnalyzeOptions struct {
	TracesDir  string
	ResultsDir string
}

// PropertiesOptions configures the properties command and the properties leg
// of run.
type PropertiesOptions struct {
	ResultsCSV    string
	PropertiesCSV string
	DetailsJSONL  string
}

// StatsOptions configures the stats command and the stats leg of run.
type StatsOptions struct {
	ResultsCSV    string
	PropertiesCSV string
	TimingsCSV    string
	MiningJSON    string
	OutputPath    string
}

// Commands that need the archive node provider, either over JSON-RPC or as
// an argument to the external replayer.
var providerCommands = map[string]bool{
	"mine":       true,
	"check":      true,
	"trace":      true,
	"properties": true,
	"run":        true,
}

// NewConfig validates the resolved configuration and fills the derived
// defaults: every unset artifact path lands under BaseDir with its
// conventional name.
func NewConfig(c Config) (*Config, error) {
	if c.BaseDir == "" {
		c.BaseDir = "."
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if providerCommands[c.Command] && c.Provider == "" {
		return nil, fmt.Errorf("command %s requires a provider URL", c.Command)
	}

	inBase := func(target *string, name string) {
		if *target == "" {
			*target = filepath.Join(c.BaseDir, name)
		}
	}
	inBase(&c.TimingsOutput, "timings.csv")
	inBase(&c.Mine.OutputPath, "mined_tods.csv")
	inBase(&c.Mine.StatsPath, "mining_stats.json")
	inBase(&c.Check.CandidatesCSV, "mined_tods.csv")
	inBase(&c.Check.ResultsCSV, "tod_check.csv")
	inBase(&c.Check.DetailsJSONL, "tod_check_details.jsonl")
	inBase(&c.Check.TracesDir, "traces")
	inBase(&c.Trace.PairsPath, "tod_check.csv")
	inBase(&c.Trace.TracesDir, "traces")
	inBase(&c.Analyze.TracesDir, "traces")
	inBase(&c.Analyze.ResultsDir, "trace_analysis")
	inBase(&c.Properties.ResultsCSV, "tod_check.csv")
	inBase(&c.Properties.PropertiesCSV, "properties.csv")
	inBase(&c.Properties.DetailsJSONL, "properties_details.jsonl")
	inBase(&c.Stats.ResultsCSV, "tod_check.csv")
	inBase(&c.Stats.PropertiesCSV, "properties.csv")
	inBase(&c.Stats.MiningJSON, "mining_stats.json")
	inBase(&c.Stats.OutputPath, "stats.json")
	if c.Stats.TimingsCSV == "" {
		c.Stats.TimingsCSV = c.TimingsOutput
	}
	if c.Check.Method == "" {
		c.Check.Method = model.MethodOverall
	}

	return &c, nil
}
