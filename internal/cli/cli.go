package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vk/todrace/internal/app"
	"github.com/vk/todrace/internal/config"
	"github.com/vk/todrace/internal/model"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

var commands = []string{"mine", "check", "trace", "analyze", "properties", "stats", "run"}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	global := flag.NewFlagSet("todrace", flag.ContinueOnError)
	global.SetOutput(output)

	// Custom usage/help text function
	global.Usage = func() {
		fmt.Fprint(output, `
todrace - Transaction order dependence analysis for Ethereum.

Usage:
  todrace [options] <command> [command options]

Commands:
  mine        Fetch block data and extract TOD candidate pairs.
  check       Replay candidate pairs in both orderings and classify them.
  trace       Capture instruction-level traces for pairs via the replayer.
  analyze     Score the differences between each pair's traces.
  properties  Evaluate attack-pattern properties over confirmed TOD pairs.
  stats       Aggregate the run's artifacts into a summary.
  run         Chain mine, check, properties and stats in one process.

Options:
`)
		global.PrintDefaults()
	}

	providerFlag := global.String("provider", "", "URL of the archive node JSON-RPC provider.")
	baseDirFlag := global.String("base-dir", "", "Directory for checkpoints and artifacts. Defaults to the working directory.")
	workersFlag := global.Int("max-workers", 0, "Number of concurrent workers for the parallel stages.")
	timingsFlag := global.String("timings-output", "", "Path of the timings ledger CSV.")
	logFormatFlag := global.String("log-format", "", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := global.String("log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	configFlag := global.String("config", "", "Path to an optional HCL settings file.")

	if err := global.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	if global.NArg() == 0 {
		slog.Debug("No command provided, printing usage and exiting.")
		global.Usage()
		return nil, true, nil
	}
	command := global.Arg(0)
	if !validCommand(command) {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unknown command %q; expected one of: %s", command, strings.Join(commands, ", "))}
	}

	config.LoadDotEnv()
	file, err := config.LoadFile(*configFlag)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	cfg := app.Config{
		Command:       command,
		Provider:      firstNonEmpty(*providerFlag, file.Provider, os.Getenv("TODRACE_PROVIDER")),
		BaseDir:       firstNonEmpty(*baseDirFlag, file.BaseDir, os.Getenv("TODRACE_BASE_DIR")),
		MaxWorkers:    firstPositive(*workersFlag, file.MaxWorkers, 1),
		TimingsOutput: firstNonEmpty(*timingsFlag, file.TimingsOutput),
		LogFormat:     firstNonEmpty(*logFormatFlag, file.LogFormat, "text"),
		LogLevel:      firstNonEmpty(*logLevelFlag, file.LogLevel, "info"),
	}

	logFormat := strings.ToLower(cfg.LogFormat)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	cfg.LogFormat = logFormat

	logLevel := strings.ToLower(cfg.LogLevel)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	cfg.LogLevel = logLevel
	slog.Debug("CLI parameter validation complete.")

	if err := parseCommand(&cfg, file, global.Args()[1:], output); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		if _, ok := err.(*ExitError); ok {
			return nil, false, err
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	resolved, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "command", resolved.Command)
	return resolved, false, nil
}

// parseCommand parses the selected command's own flag set into cfg.
func parseCommand(cfg *app.Config, file *config.File, args []string, output io.Writer) error {
	fs := flag.NewFlagSet(cfg.Command, flag.ContinueOnError)
	fs.SetOutput(output)

	var blocks string
	var pg config.Postgres

	registerPostgres := func() {
		fs.StringVar(&pg.User, "postgres-user", "", "Postgres user for the mining database.")
		fs.StringVar(&pg.Password, "postgres-password", "", "Postgres password for the mining database.")
		fs.StringVar(&pg.Host, "postgres-host", "", "Postgres host for the mining database.")
		fs.IntVar(&pg.Port, "postgres-port", 0, "Postgres port for the mining database.")
		fs.StringVar(&pg.Database, "postgres-db", "", "Postgres database name for the mining database.")
	}
	registerMine := func() {
		fs.StringVar(&blocks, "blocks", "", "Block range to mine, formatted as start-end (decimal or 0x-hex).")
		fs.IntVar(&cfg.Mine.WindowSize, "window-size", 0, "Drop candidates more than this many blocks apart. 0 is unlimited.")
		fs.IntVar(&cfg.Mine.DuplicatesLimit, "duplicates-limit", 0, "Cap candidates kept per collision point. 0 is unlimited.")
		fs.StringVar(&cfg.Mine.OutputPath, "output-path", "", "Path of the candidates CSV.")
		fs.StringVar(&cfg.Mine.StatsPath, "output-stats-path", "", "Path of the mining stats JSON.")
		registerPostgres()
	}
	registerCheck := func() {
		fs.Func("tod-method", "Diffing method: 'approximation' or 'overall'. Default 'overall'.", func(s string) error {
			m, ok := model.ParseMethod(s)
			if !ok {
				return fmt.Errorf("invalid tod-method %q: must be 'approximation' or 'overall'", s)
			}
			cfg.Check.Method = m
			return nil
		})
		fs.BoolVar(&cfg.Check.CreateTraces, "create-traces", false, "Also capture VM traces for pairs classified as TOD.")
		fs.StringVar(&cfg.Check.TracesDir, "traces-dir", "", "Directory for per-pair VM traces.")
		fs.StringVar(&cfg.Check.TracesProvider, "traces-provider", "", "Provider URL for VM-trace capture. Defaults to the global provider.")
	}

	switch cfg.Command {
	case "mine":
		registerMine()
	case "check":
		registerCheck()
		fs.StringVar(&cfg.Check.CandidatesCSV, "tod-candidates-csv", "", "Path of the candidates CSV to check.")
		fs.StringVar(&cfg.Check.ResultsCSV, "results-csv", "", "Path of the check results CSV.")
		fs.StringVar(&cfg.Check.DetailsJSONL, "results-details-jsonl", "", "Path of the check details JSONL.")
	case "trace":
		fs.StringVar(&cfg.Trace.PairsPath, "transactions-csv", "", "Candidates or check results CSV naming the pairs to trace.")
		fs.StringVar(&cfg.Trace.TracesDir, "output-path", "", "Directory for per-pair trace bundles.")
		fs.StringVar(&cfg.Trace.ReplayerBinary, "replayer", "", "Name or path of the replayer binary. Defaults to 'revm-replayer'.")
	case "analyze":
		fs.StringVar(&cfg.Analyze.TracesDir, "traces-path", "", "Directory holding per-pair trace bundles.")
		fs.StringVar(&cfg.Analyze.ResultsDir, "output-path", "", "Directory for per-pair evaluation JSON files.")
	case "properties":
		fs.StringVar(&cfg.Properties.ResultsCSV, "results-csv", "", "Path of the check results CSV.")
		fs.StringVar(&cfg.Properties.PropertiesCSV, "output-path", "", "Path of the properties CSV.")
		fs.StringVar(&cfg.Properties.DetailsJSONL, "results-details-jsonl", "", "Path of the properties details JSONL.")
	case "stats":
		fs.StringVar(&cfg.Stats.ResultsCSV, "results-csv", "", "Path of the check results CSV.")
		fs.StringVar(&cfg.Stats.PropertiesCSV, "properties-csv", "", "Path of the properties CSV.")
		fs.StringVar(&cfg.Stats.TimingsCSV, "timings-csv", "", "Path of the timings ledger CSV.")
		fs.StringVar(&cfg.Stats.MiningJSON, "mining-stats", "", "Path of the mining stats JSON.")
		fs.StringVar(&cfg.Stats.OutputPath, "output-path", "", "Path of the summary JSON.")
	case "run":
		registerMine()
		registerCheck()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cfg.Command {
	case "mine", "run":
		if blocks == "" {
			return &ExitError{Code: 2, Message: fmt.Sprintf("command %s requires --blocks", cfg.Command)}
		}
		parsed, err := model.ParseBlockRange(blocks)
		if err != nil {
			return &ExitError{Code: 2, Message: err.Error()}
		}
		cfg.Mine.Blocks = parsed
		cfg.Mine.DSN = mergePostgres(pg, file.Postgres).DSN()
	}
	return nil
}

// mergePostgres folds config file postgres settings under the flag values.
func mergePostgres(flags config.Postgres, file *config.Postgres) *config.Postgres {
	if file != nil {
		if flags.User == "" {
			flags.User = file.User
		}
		if flags.Password == "" {
			flags.Password = file.Password
		}
		if flags.Host == "" {
			flags.Host = file.Host
		}
		if flags.Port == 0 {
			flags.Port = file.Port
		}
		if flags.Database == "" {
			flags.Database = file.Database
		}
	}
	return &flags
}

func validCommand(name string) bool {
	for _, c := range commands {
		if c == name {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
