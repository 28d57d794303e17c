package app

import (
	"context"
	"fmt"

	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/miner"
	"github.com/vk/todrace/internal/replay"
	"github.com/vk/todrace/internal/session"
	"github.com/vk/todrace/internal/stage"
	"github.com/vk/todrace/internal/timing"
)

// Run dispatches the selected command. Every command is also a leg of the
// chained run pipeline; the stage functions are shared, only the wiring
// differs.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Info("🚀 Starting command.", "command", a.config.Command)

	// The stats command only aggregates earlier artifacts; creating a tracker
	// here would truncate the ledger it is about to read.
	if a.config.Command == "stats" {
		return stage.Stats(ctx, a.statsConfig())
	}

	tracker, err := timing.NewTracker(a.config.TimingsOutput)
	if err != nil {
		return err
	}
	defer tracker.Close()

	switch a.config.Command {
	case "mine":
		return a.runMine(ctx, tracker)
	case "check":
		return a.runCheck(ctx, tracker)
	case "trace":
		return stage.Trace(ctx, tracker, stage.TraceConfig{
			PairsPath:      a.config.Trace.PairsPath,
			TracesDir:      a.config.Trace.TracesDir,
			ProviderURL:    a.config.Provider,
			Workers:        a.config.MaxWorkers,
			ReplayerBinary: a.config.Trace.ReplayerBinary,
		})
	case "analyze":
		return stage.Analyze(ctx, tracker, stage.AnalyzeConfig{
			TracesDir:  a.config.Analyze.TracesDir,
			ResultsDir: a.config.Analyze.ResultsDir,
			Workers:    a.config.MaxWorkers,
		})
	case "properties":
		return a.runProperties(ctx, tracker, nil, nil)
	case "run":
		return a.runPipeline(ctx, tracker)
	default:
		return fmt.Errorf("unknown command: %s", a.config.Command)
	}
}

func (a *App) runMine(ctx context.Context, tracker *timing.Tracker) error {
	client := ethrpc.New(a.config.Provider)
	defer client.Close()

	m, err := miner.NewPGMiner(ctx, a.config.Mine.DSN, client)
	if err != nil {
		return err
	}
	defer m.Close()

	return stage.Mine(ctx, m, tracker, a.mineConfig())
}

func (a *App) runCheck(ctx context.Context, tracker *timing.Tracker) error {
	client := ethrpc.New(a.config.Provider)
	defer client.Close()
	sess := session.New(client)

	return a.checkStage(ctx, sess, client, tracker)
}

// checkStage wires the comparator and the optional trace provider over an
// existing session.
func (a *App) checkStage(ctx context.Context, sess *session.Session, sim replay.Simulator, tracker *timing.Tracker) error {
	cmp := replay.NewComparator(sess, sim)

	var traces replay.TraceProvider
	if a.config.Check.CreateTraces {
		traces = cmp
		if url := a.config.Check.TracesProvider; url != "" && url != a.config.Provider {
			tracesClient := ethrpc.New(url)
			defer tracesClient.Close()
			traces = replay.NewComparator(sess, tracesClient)
		}
	}

	return stage.Check(ctx, sess, cmp, traces, tracker, stage.CheckConfig{
		CandidatesCSV: a.config.Check.CandidatesCSV,
		ResultsCSV:    a.config.Check.ResultsCSV,
		DetailsJSONL:  a.config.Check.DetailsJSONL,
		Method:        a.config.Check.Method,
		Workers:       a.config.MaxWorkers,
		CreateTraces:  a.config.Check.CreateTraces,
		TracesDir:     a.config.Check.TracesDir,
	})
}

// runProperties evaluates the property checks, reusing the given session and
// simulator or creating fresh ones for standalone invocation.
func (a *App) runProperties(ctx context.Context, tracker *timing.Tracker, sess *session.Session, sim replay.Simulator) error {
	if sess == nil {
		client := ethrpc.New(a.config.Provider)
		defer client.Close()
		sess = session.New(client)
		sim = client
	}

	return stage.Properties(ctx, sess, replay.NewInstrumenter(sess, sim), tracker, stage.PropertiesConfig{
		ResultsCSV:    a.config.Properties.ResultsCSV,
		PropertiesCSV: a.config.Properties.PropertiesCSV,
		DetailsJSONL:  a.config.Properties.DetailsJSONL,
		Workers:       a.config.MaxWorkers,
	})
}

// runPipeline chains mine, check, properties and stats over one provider
// client, one session and one timing ledger.
func (a *App) runPipeline(ctx context.Context, tracker *timing.Tracker) error {
	client := ethrpc.New(a.config.Provider)
	defer client.Close()
	sess := session.New(client)

	var pipelineErr error
	func() {
		defer tracker.Scope(stage.PipelineScope)()

		m, err := miner.NewPGMiner(ctx, a.config.Mine.DSN, client)
		if err != nil {
			pipelineErr = err
			return
		}
		defer m.Close()

		if err := stage.Mine(ctx, m, tracker, a.mineConfig()); err != nil {
			pipelineErr = fmt.Errorf("mine stage failed: %w", err)
			return
		}
		if err := a.checkStage(ctx, sess, client, tracker); err != nil {
			pipelineErr = fmt.Errorf("check stage failed: %w", err)
			return
		}
		if err := a.runProperties(ctx, tracker, sess, client); err != nil {
			pipelineErr = fmt.Errorf("properties stage failed: %w", err)
			return
		}
	}()
	if pipelineErr != nil {
		return pipelineErr
	}

	// Flush the ledger so the summary sees every timing row of this run.
	if err := tracker.Err(); err != nil {
		a.logger.Warn("Timing ledger reported a write error.", "error", err)
	}
	return stage.Stats(ctx, a.statsConfig())
}

func (a *App) mineConfig() stage.MineConfig {
	return stage.MineConfig{
		Blocks: a.config.Mine.Blocks,
		Options: miner.Options{
			WindowSize:      a.config.Mine.WindowSize,
			DuplicatesLimit: a.config.Mine.DuplicatesLimit,
		},
		OutputPath: a.config.Mine.OutputPath,
		StatsPath:  a.config.Mine.StatsPath,
	}
}

func (a *App) statsConfig() stage.StatsConfig {
	return stage.StatsConfig{
		ResultsCSV:    a.config.Stats.ResultsCSV,
		PropertiesCSV: a.config.Stats.PropertiesCSV,
		TimingsCSV:    a.config.Stats.TimingsCSV,
		MiningJSON:    a.config.Stats.MiningJSON,
		OutputPath:    a.config.Stats.OutputPath,
		RunID:         a.runID,
	}
}
