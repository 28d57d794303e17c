package checkpoint

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vk/todrace/internal/model"
)

var candidateHeader = []string{"tx_a", "tx_b", "block_dist", "types"}

// WriteCandidates writes the mined candidate list. Collision types are
// joined with "|" inside the single types column.
func WriteCandidates(path string, pairs []model.CandidatePair) error {
	staged, err := newAtomicFile(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(staged.file)
	if err := w.Write(candidateHeader); err != nil {
		staged.Discard()
		return err
	}
	for _, p := range pairs {
		row := []string{string(p.TxA), string(p.TxB), strconv.Itoa(p.BlockDist), strings.Join(p.Types, "|")}
		if err := w.Write(row); err != nil {
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

// ReadCandidates loads a candidate checkpoint. A missing or malformed file
// is a fatal setup error for the consuming stage.
func ReadCandidates(path string) ([]model.CandidatePair, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candidates checkpoint: %w", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read candidates checkpoint %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("candidates checkpoint %s has no header row", path)
	}
	cols, err := columnIndex(rows[0], candidateHeader...)
	if err != nil {
		return nil, fmt.Errorf("candidates checkpoint %s: %w", path, err)
	}

	pairs := make([]model.CandidatePair, 0, len(rows)-1)
	for _, row := range rows[1:] {
		dist, err := strconv.Atoi(row[cols["block_dist"]])
		if err != nil {
			return nil, fmt.Errorf("candidates checkpoint %s: bad block_dist %q: %w", path, row[cols["block_dist"]], err)
		}
		var types []string
		if raw := row[cols["types"]]; raw != "" {
			types = strings.Split(raw, "|")
		}
		pairs = append(pairs, model.CandidatePair{
			TxA:       model.Hash(row[cols["tx_a"]]),
			TxB:       model.Hash(row[cols["tx_b"]]),
			BlockDist: dist,
			Types:     types,
		})
	}
	return pairs, nil
}

// columnIndex maps required header names to their positions, rejecting files
// that miss any of them.
func columnIndex(header []string, required ...string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing required column %q", name)
		}
	}
	return cols, nil
}
