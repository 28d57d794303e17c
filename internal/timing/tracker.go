// Package timing implements the hierarchical duration ledger. Every measured
// scope appends exactly one (task_path, elapsed_ms) row to a CSV file, flushed
// per record so a mid-run crash preserves everything recorded so far.
package timing

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Tracker is the append-only timing ledger. It is safe for concurrent use;
// workers of a parallel stage record through the same tracker.
type Tracker struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
}

// NewTracker creates the ledger file at path, truncating any previous run,
// and writes the header row.
func NewTracker(path string) (*Tracker, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create timings ledger: %w", err)
	}
	w := csv.NewWriter(file)
	if err := w.Write([]string{"task_path", "elapsed_ms"}); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write timings header: %w", err)
	}
	w.Flush()
	return &Tracker{file: file, csv: w}, nil
}

// Record appends one row for the given task path. Path segments are joined
// with "/"; hierarchy is reconstructed downstream from the joined path.
func (t *Tracker) Record(elapsedMS int64, path ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Ignoring the write error here would silently lose rows, but a ledger
	// failure must not abort a multi-hour batch either. Rows that cannot be
	// written are dropped after the flush error surfaces once via Err.
	_ = t.csv.Write([]string{strings.Join(path, "/"), strconv.FormatInt(elapsedMS, 10)})
	t.csv.Flush()
}

// Scope starts a clock for the given task path and returns a function that
// stops it and appends the row. Callers defer the returned function so the
// row is written even when the scope's body fails.
func (t *Tracker) Scope(path ...string) func() {
	watch := NewStopwatch()
	return func() {
		t.Record(watch.ElapsedMS(), path...)
	}
}

// Err returns the first error encountered while flushing rows.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.csv.Error()
}

// Close flushes and closes the ledger file.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.csv.Flush()
	if err := t.csv.Error(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}
