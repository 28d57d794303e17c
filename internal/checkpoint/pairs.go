package checkpoint

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/vk/todrace/internal/model"
)

// ReadPairs loads transaction pairs from either checkpoint flavor: a
// candidates file yields every pair, a check results file yields only the
// pairs classified as TOD. The header row decides which schema applies.
func ReadPairs(path string) ([]model.CandidatePair, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairs checkpoint: %w", err)
	}
	header, err := csv.NewReader(file).Read()
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	if _, err := columnIndex(header, "result"); err == nil {
		return ReadTODPairs(path)
	}
	return ReadCandidates(path)
}
