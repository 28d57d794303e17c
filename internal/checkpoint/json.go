package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteJSON writes an indented JSON artifact (miner stats, stats summary,
// per-pair evaluation files) atomically.
func WriteJSON(path string, v any) error {
	staged, err := newAtomicFile(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(staged.file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		staged.Discard()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return staged.Commit()
}

// ReadJSON loads a JSON artifact into out.
func ReadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
