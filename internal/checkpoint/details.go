package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/vk/todrace/internal/model"
)

// DetailLine is one diagnostic JSONL line. Details carries the stage's
// structured payload (a state diff for check, a property report for
// properties); Failure carries the error text when the item failed. Both may
// be null, e.g. a "not TOD" pair with nothing to show.
type DetailLine struct {
	TxA     model.Hash `json:"tx_a"`
	TxB     model.Hash `json:"tx_b"`
	Details any        `json:"details"`
	Failure *string    `json:"failure"`
}

// RawDetailLine is the read-side counterpart: the payload stays raw JSON for
// the consumer to decode against the stage's schema.
type RawDetailLine struct {
	TxA     model.Hash      `json:"tx_a"`
	TxB     model.Hash      `json:"tx_b"`
	Details json.RawMessage `json:"details"`
	Failure *string         `json:"failure"`
}

// HasDetails reports whether the details payload is present and non-null.
func (l RawDetailLine) HasDetails() bool {
	return len(l.Details) > 0 && string(l.Details) != "null"
}

// DetailsWriter streams JSONL diagnostic lines. It is safe for concurrent
// use and renames the staged file into place on Close.
type DetailsWriter struct {
	mu     sync.Mutex
	staged *atomicFile
	buf    *bufio.Writer
	enc    *json.Encoder
}

// NewDetailsWriter stages a JSONL detail log at path.
func NewDetailsWriter(path string) (*DetailsWriter, error) {
	staged, err := newAtomicFile(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(staged.file)
	return &DetailsWriter{staged: staged, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write appends one line. json.Encoder terminates each object with a newline.
func (w *DetailsWriter) Write(line DetailLine) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(line); err != nil {
		return fmt.Errorf("failed to write detail line for %s_%s: %w", line.TxA, line.TxB, err)
	}
	return nil
}

// Close flushes and commits the staged file.
func (w *DetailsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.staged.Discard()
		return err
	}
	return w.staged.Commit()
}

// ReadDetails loads a JSONL detail log, mainly for the stats stage and tests.
func ReadDetails(path string) ([]RawDetailLine, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open details checkpoint: %w", err)
	}
	defer file.Close()

	var lines []RawDetailLine
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line RawDetailLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("failed to parse detail line in %s: %w", path, err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
