package stage

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/todrace/internal/checkpoint"
	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/fsutil"
	"github.com/vk/todrace/internal/model"
	"github.com/vk/todrace/internal/replay"
	"github.com/vk/todrace/internal/session"
	"github.com/vk/todrace/internal/timing"
)

// stubRPC serves a fixed world where every transaction lives in block 0x10.
type stubRPC struct{}

func (stubRPC) TransactionByHash(_ context.Context, hash string) (*ethrpc.Transaction, error) {
	return &ethrpc.Transaction{Hash: hash, From: "0xsender", To: "0xcallee", BlockNumber: "0x10"}, nil
}

func (stubRPC) BlockByNumber(_ context.Context, number uint64) (*ethrpc.Block, error) {
	return &ethrpc.Block{Number: ethrpc.FormatHexUint(number)}, nil
}

func (stubRPC) BlockStateChanges(context.Context, uint64) ([]ethrpc.TxStateChange, error) {
	return nil, nil
}

// stubComparator maps pair IDs to canned comparisons or errors.
type stubComparator struct {
	comparisons map[string]replay.Comparison
	errors      map[string]error
}

func (c *stubComparator) Compare(_ context.Context, pair model.CandidatePair, _ model.Method) (replay.Comparison, error) {
	if err, ok := c.errors[pair.ID()]; ok {
		return replay.Comparison{}, err
	}
	return c.comparisons[pair.ID()], nil
}

func newTracker(t *testing.T) *timing.Tracker {
	t.Helper()
	tracker, err := timing.NewTracker(filepath.Join(t.TempDir(), "timings.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

func writeCandidates(t *testing.T, pairs []model.CandidatePair) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mined_tods.csv")
	require.NoError(t, checkpoint.WriteCandidates(path, pairs))
	return path
}

func TestCheckWritesOneRowAndLinePerPair(t *testing.T) {
	diff := model.StateDiff{
		"0xcontract": {Storage: map[string]model.WordDiff{
			"0x1": {Normal: "0x2", Reverse: "0x3"},
		}},
	}
	cmp := &stubComparator{
		comparisons: map[string]replay.Comparison{
			"0xaa_0xbb": {Kind: model.VerdictTOD, Diff: &diff},
			"0xcc_0xdd": {Kind: model.VerdictReplayDiverged, Reason: "baseline mismatch at block 0x10"},
		},
		errors: map[string]error{
			"0xee_0xff": fmt.Errorf("provider timeout"),
		},
	}
	pairs := []model.CandidatePair{
		{TxA: "0xaa", TxB: "0xbb"},
		{TxA: "0xcc", TxB: "0xdd"},
		{TxA: "0xee", TxB: "0xff"},
	}

	dir := t.TempDir()
	cfg := CheckConfig{
		CandidatesCSV: writeCandidates(t, pairs),
		ResultsCSV:    filepath.Join(dir, "tod_check.csv"),
		DetailsJSONL:  filepath.Join(dir, "tod_check_details.jsonl"),
		Method:        model.MethodOverall,
		Workers:       2,
	}
	sess := session.New(stubRPC{})
	require.NoError(t, Check(context.Background(), sess, cmp, nil, newTracker(t), cfg))

	rows, err := checkpoint.ReadResults(cfg.ResultsCSV)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byPair := map[string]model.Verdict{}
	for _, row := range rows {
		byPair[string(row.TxA)+"_"+string(row.TxB)] = row.Result
	}
	assert.Equal(t, model.VerdictTOD, byPair["0xaa_0xbb"])
	assert.Equal(t, model.VerdictReplayDiverged, byPair["0xcc_0xdd"])
	assert.Equal(t, model.VerdictError, byPair["0xee_0xff"])

	lines, err := checkpoint.ReadDetails(cfg.DetailsJSONL)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	for _, line := range lines {
		switch string(line.TxA) {
		case "0xaa":
			assert.True(t, line.HasDetails(), "TOD pair must carry the state diff")
			assert.Nil(t, line.Failure)
		case "0xcc":
			assert.False(t, line.HasDetails())
			require.NotNil(t, line.Failure)
			assert.Contains(t, *line.Failure, "baseline mismatch")
		case "0xee":
			assert.False(t, line.HasDetails())
			require.NotNil(t, line.Failure)
			assert.Contains(t, *line.Failure, "provider timeout")
		default:
			t.Fatalf("unexpected pair in details: %s", line.TxA)
		}
	}
}

func TestCheckIsDeterministicAsSet(t *testing.T) {
	cmp := &stubComparator{comparisons: map[string]replay.Comparison{
		"0xaa_0xbb": {Kind: model.VerdictTOD},
		"0xcc_0xdd": {Kind: model.VerdictNotTOD},
		"0xee_0xff": {Kind: model.VerdictNotTOD},
	}}
	pairs := []model.CandidatePair{
		{TxA: "0xaa", TxB: "0xbb"},
		{TxA: "0xcc", TxB: "0xdd"},
		{TxA: "0xee", TxB: "0xff"},
	}

	run := func(t *testing.T) map[string]model.Verdict {
		dir := t.TempDir()
		cfg := CheckConfig{
			CandidatesCSV: writeCandidates(t, pairs),
			ResultsCSV:    filepath.Join(dir, "tod_check.csv"),
			DetailsJSONL:  filepath.Join(dir, "tod_check_details.jsonl"),
			Method:        model.MethodApproximation,
			Workers:       3,
		}
		sess := session.New(stubRPC{})
		require.NoError(t, Check(context.Background(), sess, cmp, nil, newTracker(t), cfg))

		rows, err := checkpoint.ReadResults(cfg.ResultsCSV)
		require.NoError(t, err)
		out := map[string]model.Verdict{}
		for _, row := range rows {
			out[string(row.TxA)+"_"+string(row.TxB)] = row.Result
		}
		return out
	}

	first := run(t)
	second := run(t)
	assert.Equal(t, first, second, "re-running over the same input must reproduce the same result set")
}

func TestCheckMissingCandidatesIsFatal(t *testing.T) {
	cfg := CheckConfig{
		CandidatesCSV: filepath.Join(t.TempDir(), "missing.csv"),
		Method:        model.MethodOverall,
	}
	sess := session.New(stubRPC{})
	err := Check(context.Background(), sess, &stubComparator{}, nil, newTracker(t), cfg)
	require.Error(t, err)
}

// stubInstrumenter maps pair IDs to canned captures.
type stubInstrumenter struct {
	captures map[string]replay.Capture
}

func (i *stubInstrumenter) CurrencyChanges(_ context.Context, pair model.CandidatePair) (replay.Capture, error) {
	c, ok := i.captures[pair.ID()]
	if !ok {
		return replay.Capture{}, fmt.Errorf("no capture for %s", pair.ID())
	}
	c.Pair = pair
	return c, nil
}

func writeResults(t *testing.T, rows []checkpoint.ResultRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tod_check.csv")
	require.NoError(t, checkpoint.WriteResults(path, rows))
	return path
}

func TestPropertiesSkipsRowButKeepsDiagnosticOnSubCheckFailure(t *testing.T) {
	clean := replay.Capture{
		SenderA: "0xs1", SenderB: "0xs2", CalleeA: "0xc1", CalleeB: "0xc2",
		Normal: []replay.CurrencyChange{
			{Kind: replay.ChangeTransfer, Currency: replay.EtherCurrency, Owner: "0xs1", Counterparty: "0xc1", Delta: big.NewInt(-5)},
		},
		Reverse: []replay.CurrencyChange{
			{Kind: replay.ChangeTransfer, Currency: replay.EtherCurrency, Owner: "0xs1", Counterparty: "0xc1", Delta: big.NewInt(-9)},
		},
	}
	// A token approval without an amount makes the approval-ordering check
	// fail while the balance-based checks still succeed.
	broken := replay.Capture{
		SenderA: "0xs1", SenderB: "0xs2", CalleeA: "0xc1", CalleeB: "0xc2",
		Normal: []replay.CurrencyChange{
			{Kind: replay.ChangeApproval, Currency: "0xtoken", Owner: "0xs1", Counterparty: "0xc1", Delta: nil},
		},
	}
	inst := &stubInstrumenter{captures: map[string]replay.Capture{
		"0xaa_0xbb": broken,
		"0xcc_0xdd": clean,
	}}

	dir := t.TempDir()
	cfg := PropertiesConfig{
		ResultsCSV: writeResults(t, []checkpoint.ResultRow{
			{TxA: "0xaa", TxB: "0xbb", Result: model.VerdictTOD},
			{TxA: "0xcc", TxB: "0xdd", Result: model.VerdictTOD},
			{TxA: "0xee", TxB: "0xff", Result: model.VerdictNotTOD},
		}),
		PropertiesCSV: filepath.Join(dir, "properties.csv"),
		DetailsJSONL:  filepath.Join(dir, "properties_details.jsonl"),
		Workers:       2,
	}
	sess := session.New(stubRPC{})
	require.NoError(t, Properties(context.Background(), sess, inst, newTracker(t), cfg))

	reports, err := checkpoint.ReadProperties(cfg.PropertiesCSV)
	require.NoError(t, err)
	require.Len(t, reports, 1, "only the fully evaluated pair gets a row")
	assert.Equal(t, model.Hash("0xcc"), reports[0].Pair.TxA)

	lines, err := checkpoint.ReadDetails(cfg.DetailsJSONL)
	require.NoError(t, err)
	require.Len(t, lines, 2, "non-TOD pairs are not evaluated at all")
	for _, line := range lines {
		switch string(line.TxA) {
		case "0xaa":
			assert.False(t, line.HasDetails(), "a partial report must not leak into details")
			require.NotNil(t, line.Failure)
			assert.Contains(t, *line.Failure, "erc20_approval")
		case "0xcc":
			assert.Nil(t, line.Failure)
			assert.True(t, line.HasDetails())
		default:
			t.Fatalf("unexpected pair in details: %s", line.TxA)
		}
	}
}

func TestTraceCreatesOneBundleDirPerPair(t *testing.T) {
	// Stand-in replayer: writes both trace files into whatever --output-dir
	// it is given, like the real binary does.
	replayer := filepath.Join(t.TempDir(), "stub-replayer")
	script := `#!/bin/sh
dir=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output-dir" ]; then dir="$2"; shift; fi
  shift
done
printf '{"pc":1,"op":"STOP","depth":1}\n' > "$dir/normal.jsonl"
printf '{"pc":1,"op":"STOP","depth":1}\n' > "$dir/reverse.jsonl"
`
	require.NoError(t, os.WriteFile(replayer, []byte(script), 0o755))

	pairs := []model.CandidatePair{
		{TxA: "0xaa", TxB: "0xbb"},
		{TxA: "0xcc", TxB: "0xdd"},
	}
	tracesDir := t.TempDir()
	cfg := TraceConfig{
		PairsPath:      writeCandidates(t, pairs),
		TracesDir:      tracesDir,
		ProviderURL:    "http://localhost:8545",
		Workers:        2,
		ReplayerBinary: replayer,
	}
	require.NoError(t, Trace(context.Background(), newTracker(t), cfg))

	dirs, err := fsutil.FindSubdirectories(tracesDir)
	require.NoError(t, err)
	require.Len(t, dirs, 2, "every pair must end up in its own bundle directory")
	assert.Equal(t, "0xaa_0xbb", filepath.Base(dirs[0]))
	assert.Equal(t, "0xcc_0xdd", filepath.Base(dirs[1]))
	for _, dir := range dirs {
		for _, name := range []string{"normal.jsonl", "reverse.jsonl"} {
			_, statErr := os.Stat(filepath.Join(dir, name))
			assert.NoError(t, statErr, "bundle %s must contain %s", filepath.Base(dir), name)
		}
	}
}

func TestTraceFailsWithoutReplayerBinary(t *testing.T) {
	pairs := []model.CandidatePair{{TxA: "0xaa", TxB: "0xbb"}}
	cfg := TraceConfig{
		PairsPath:      writeCandidates(t, pairs),
		TracesDir:      t.TempDir(),
		ProviderURL:    "http://localhost:8545",
		ReplayerBinary: "definitely-not-installed-replayer",
	}
	err := Trace(context.Background(), newTracker(t), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replayer binary not found")
}

func TestAnalyzeWritesEvaluationsAndFailureArtifacts(t *testing.T) {
	tracesDir := t.TempDir()
	writeBundle(t, filepath.Join(tracesDir, "0xaa_0xbb"),
		`{"pc":1,"op":"PUSH1","depth":1}`+"\n"+`{"pc":2,"op":"SSTORE","depth":1,"storage":"0x1"}`,
		`{"pc":1,"op":"PUSH1","depth":1}`+"\n"+`{"pc":2,"op":"SSTORE","depth":1,"storage":"0x2"}`)
	// Bundle missing its reverse trace; analysis fails, the stage continues.
	brokenDir := filepath.Join(tracesDir, "0xcc_0xdd")
	requireWriteFile(t, filepath.Join(brokenDir, "normal.jsonl"), `{"pc":1,"op":"STOP","depth":1}`)

	cfg := AnalyzeConfig{
		TracesDir:  tracesDir,
		ResultsDir: t.TempDir(),
		Workers:    2,
	}
	require.NoError(t, Analyze(context.Background(), newTracker(t), cfg))

	var eval struct {
		PairID          string `json:"pair_id"`
		DivergentWrites int    `json:"divergent_writes"`
	}
	require.NoError(t, checkpoint.ReadJSON(filepath.Join(cfg.ResultsDir, "0xaa_0xbb.json"), &eval))
	assert.Equal(t, "0xaa_0xbb", eval.PairID)
	assert.Equal(t, 1, eval.DivergentWrites)

	var failure struct {
		PairID  string `json:"pair_id"`
		Failure string `json:"failure"`
	}
	require.NoError(t, checkpoint.ReadJSON(filepath.Join(cfg.ResultsDir, "0xcc_0xdd.json"), &failure))
	assert.Equal(t, "0xcc_0xdd", failure.PairID)
	assert.Contains(t, failure.Failure, "reverse.jsonl")
}

func TestStatsAggregatesAvailableInputs(t *testing.T) {
	dir := t.TempDir()
	resultsCSV := writeResults(t, []checkpoint.ResultRow{
		{TxA: "0xaa", TxB: "0xbb", Result: model.VerdictTOD},
		{TxA: "0xcc", TxB: "0xdd", Result: model.VerdictTOD},
		{TxA: "0xee", TxB: "0xff", Result: model.VerdictNotTOD},
	})

	gain, none := replay.GainOnly, replay.NoGainLoss
	yes, no := true, false
	propertiesCSV := filepath.Join(dir, "properties.csv")
	require.NoError(t, checkpoint.WriteProperties(propertiesCSV, []model.PropertyReport{
		{
			Pair:     model.CandidatePair{TxA: "0xaa", TxB: "0xbb"},
			GainLoss: &gain, GainLossApprox: &gain,
			SecurifyA: &yes, SecurifyB: &no, ERC20Approval: &no,
		},
		{
			Pair:     model.CandidatePair{TxA: "0xcc", TxB: "0xdd"},
			GainLoss: &none, GainLossApprox: &none,
			SecurifyA: &no, SecurifyB: &no, ERC20Approval: &yes,
		},
	}))

	timingsCSV := filepath.Join(dir, "timings.csv")
	requireWriteFile(t, timingsCSV, strings.Join([]string{
		"task_path,elapsed_ms",
		"mine,1200",
		"check,3400",
		"check/check/0xaa_0xbb,1700",
		"properties,500",
		PipelineScope + ",5100",
	}, "\n"))

	cfg := StatsConfig{
		ResultsCSV:    resultsCSV,
		PropertiesCSV: propertiesCSV,
		TimingsCSV:    timingsCSV,
		MiningJSON:    filepath.Join(dir, "absent.json"),
		OutputPath:    filepath.Join(dir, "stats.json"),
	}
	require.NoError(t, Stats(context.Background(), cfg))

	var summary Summary
	require.NoError(t, checkpoint.ReadJSON(cfg.OutputPath, &summary))
	assert.Equal(t, 3, summary.Pairs)
	assert.Equal(t, 2, summary.Results[string(model.VerdictTOD)])
	assert.Equal(t, 1, summary.Results[string(model.VerdictNotTOD)])

	require.NotNil(t, summary.Properties)
	assert.Equal(t, 2, summary.Properties.Evaluated)
	assert.Equal(t, 1, summary.Properties.GainLoss[replay.GainOnly])
	assert.Equal(t, 1, summary.Properties.SecurifyA)
	assert.Equal(t, 1, summary.Properties.ERC20Approval)

	assert.Equal(t, int64(3400), summary.TimingsMS["check"], "nested scope rows must not double count")
	assert.Equal(t, int64(1200), summary.TimingsMS["mine"])
	assert.NotContains(t, summary.TimingsMS, PipelineScope, "run-wide scope overlaps every stage and stays out")
	assert.Nil(t, summary.Mining, "absent mining stats are skipped, not fatal")
}

func TestStatsRequiresResultsCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := StatsConfig{
		ResultsCSV: filepath.Join(dir, "missing.csv"),
		OutputPath: filepath.Join(dir, "stats.json"),
	}
	require.Error(t, Stats(context.Background(), cfg))
}

func writeBundle(t *testing.T, dir, normal, reverse string) {
	t.Helper()
	requireWriteFile(t, filepath.Join(dir, "normal.jsonl"), normal)
	requireWriteFile(t, filepath.Join(dir, "reverse.jsonl"), reverse)
}

func requireWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
