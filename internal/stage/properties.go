package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/todrace/internal/batch"
	"github.com/vk/todrace/internal/checkpoint"
	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/model"
	"github.com/vk/todrace/internal/replay"
	"github.com/vk/todrace/internal/session"
	"github.com/vk/todrace/internal/timing"
)

// PropertiesConfig carries the properties stage inputs.
type PropertiesConfig struct {
	ResultsCSV    string
	PropertiesCSV string
	DetailsJSONL  string
	Workers       int
}

// propertyOutcome is the work function's value for one pair: the (possibly
// incomplete) report plus the sub-check failures that made it incomplete.
type propertyOutcome struct {
	report   model.PropertyReport
	failures []error
}

// Properties evaluates the attack-pattern checks over every pair the check
// stage classified as TOD. A pair's row lands in the CSV only when all five
// sub-checks succeeded; every pair gets a detail line either way, so a
// partial evaluation is diagnosable without being mistaken for a clean one.
func Properties(
	ctx context.Context,
	sess *session.Session,
	inst replay.Instrumenter,
	tracker *timing.Tracker,
	cfg PropertiesConfig,
) error {
	defer tracker.Scope("properties")()
	logger := ctxlog.FromContext(ctx)

	pairs, err := checkpoint.ReadTODPairs(cfg.ResultsCSV)
	if err != nil {
		return err
	}
	logger.Info("Evaluating properties for TOD pairs.", "pairs", len(pairs))

	var warmErr error
	func() {
		defer tracker.Scope("properties", "download")()
		warmErr = sess.Warm(ctx, referencedHashes(pairs))
	}()
	if warmErr != nil {
		return fmt.Errorf("failed to warm session: %w", warmErr)
	}

	details, err := checkpoint.NewDetailsWriter(cfg.DetailsJSONL)
	if err != nil {
		return err
	}

	items := make([]batch.Item[model.CandidatePair], len(pairs))
	for i, p := range pairs {
		items[i] = batch.Item[model.CandidatePair]{ID: p.ID(), Payload: p}
	}

	work := func(ctx context.Context, item batch.Item[model.CandidatePair]) (propertyOutcome, error) {
		defer tracker.Scope("properties", "check", item.ID)()

		capture, err := inst.CurrencyChanges(ctx, item.Payload)
		if err != nil {
			return propertyOutcome{}, err
		}
		report, failures := replay.Evaluate(capture)
		return propertyOutcome{report: report, failures: failures}, nil
	}

	results := batch.Run(ctx, items, batch.Options{
		Workers:    cfg.Workers,
		OnProgress: progressLogger(ctx, "properties"),
	}, work)

	var reports []model.PropertyReport
	incomplete := 0
	for _, r := range results {
		pair, _ := model.PairFromID(r.ID)
		line := checkpoint.DetailLine{TxA: pair.TxA, TxB: pair.TxB}

		switch {
		case r.Err != nil:
			incomplete++
			failure := r.Err.Error()
			line.Failure = &failure
		case len(r.Value.failures) > 0:
			// Partial reports never leak into details; the failure text is the
			// whole diagnostic.
			incomplete++
			failure := joinFailures(r.Value.failures)
			line.Failure = &failure
		default:
			reports = append(reports, r.Value.report)
			line.Details = r.Value.report
		}

		if err := details.Write(line); err != nil {
			details.Close()
			return err
		}
	}

	if err := details.Close(); err != nil {
		return err
	}
	if err := checkpoint.WriteProperties(cfg.PropertiesCSV, reports); err != nil {
		return err
	}

	logger.Info("Properties stage finished.",
		"pairs", len(results), "evaluated", len(reports), "incomplete", incomplete)
	return nil
}

func joinFailures(failures []error) string {
	msgs := make([]string, len(failures))
	for i, err := range failures {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
