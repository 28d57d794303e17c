package checkpoint

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/vk/todrace/internal/model"
)

var resultHeader = []string{"tx_a", "tx_b", "result"}

// ResultRow is one verdict row of the check results checkpoint.
type ResultRow struct {
	TxA    model.Hash
	TxB    model.Hash
	Result model.Verdict
}

// WriteResults writes the check verdict table. Rows are written in the order
// given; callers that care about determinism sort by pair id first.
func WriteResults(path string, rows []ResultRow) error {
	staged, err := newAtomicFile(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(staged.file)
	if err := w.Write(resultHeader); err != nil {
		staged.Discard()
		return err
	}
	for _, r := range rows {
		if err := w.Write([]string{string(r.TxA), string(r.TxB), string(r.Result)}); err != nil {
			staged.Discard()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		staged.Discard()
		return err
	}
	return staged.Commit()
}

// ReadResults loads a check results checkpoint.
func ReadResults(path string) ([]ResultRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results checkpoint: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read results checkpoint %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("results checkpoint %s has no header row", path)
	}
	cols, err := columnIndex(records[0], resultHeader...)
	if err != nil {
		return nil, fmt.Errorf("results checkpoint %s: %w", path, err)
	}

	rows := make([]ResultRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, ResultRow{
			TxA:    model.Hash(rec[cols["tx_a"]]),
			TxB:    model.Hash(rec[cols["tx_b"]]),
			Result: model.Verdict(rec[cols["result"]]),
		})
	}
	return rows, nil
}

// ReadTODPairs returns the pairs a results checkpoint classified as TOD, in
// file order. This is the input of the trace and properties stages.
func ReadTODPairs(path string) ([]model.CandidatePair, error) {
	rows, err := ReadResults(path)
	if err != nil {
		return nil, err
	}
	var pairs []model.CandidatePair
	for _, r := range rows {
		if r.Result == model.VerdictTOD {
			pairs = append(pairs, model.CandidatePair{TxA: r.TxA, TxB: r.TxB})
		}
	}
	return pairs, nil
}
