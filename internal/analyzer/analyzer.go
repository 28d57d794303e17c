// Package analyzer wraps the trace-analysis collaborator consumed by the
// analyze stage: it loads a per-pair trace bundle from disk and scores the
// differences between the two orderings.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Evaluation is the per-pair scoring artifact written to the results
// directory, one JSON file per pair.
type Evaluation struct {
	PairID string `json:"pair_id"`
	// InstructionsNormal/Reverse count the instruction events of each trace.
	InstructionsNormal  int `json:"instructions_normal"`
	InstructionsReverse int `json:"instructions_reverse"`
	// OnlyNormal/OnlyReverse count program locations executed under exactly
	// one ordering.
	OnlyNormal  int `json:"only_normal"`
	OnlyReverse int `json:"only_reverse"`
	// DivergentWrites counts storage-writing locations whose operands differ
	// between the orderings.
	DivergentWrites int `json:"divergent_writes"`
}

// Analyzer scores one trace bundle. Implementations need not be safe for
// concurrent use; the analyze stage gives every worker its own instance.
type Analyzer interface {
	Analyze(ctx context.Context, traceDir string) (*Evaluation, error)
}

// traceEvent is one line of a trace file: a program location plus operands.
type traceEvent struct {
	PC      uint64   `json:"pc"`
	Op      string   `json:"op"`
	Depth   int      `json:"depth"`
	Stack   []string `json:"stack,omitempty"`
	Storage string   `json:"storage,omitempty"`
}

// FileAnalyzer implements Analyzer over the replayer's trace file layout:
// normal.jsonl and reverse.jsonl inside the pair's trace directory.
type FileAnalyzer struct{}

// NewFileAnalyzer creates a fresh analyzer instance for one worker.
func NewFileAnalyzer() *FileAnalyzer {
	return &FileAnalyzer{}
}

// Analyze loads both traces of the bundle and derives the evaluation.
func (a *FileAnalyzer) Analyze(_ context.Context, traceDir string) (*Evaluation, error) {
	normal, err := loadTrace(filepath.Join(traceDir, "normal.jsonl"))
	if err != nil {
		return nil, err
	}
	reverse, err := loadTrace(filepath.Join(traceDir, "reverse.jsonl"))
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{
		PairID:              filepath.Base(traceDir),
		InstructionsNormal:  len(normal),
		InstructionsReverse: len(reverse),
	}

	normalLocs := locationSet(normal)
	reverseLocs := locationSet(reverse)
	for loc := range normalLocs {
		if _, ok := reverseLocs[loc]; !ok {
			eval.OnlyNormal++
		}
	}
	for loc := range reverseLocs {
		if _, ok := normalLocs[loc]; !ok {
			eval.OnlyReverse++
		}
	}

	eval.DivergentWrites = divergentWrites(normal, reverse)
	return eval, nil
}

type location struct {
	pc    uint64
	op    string
	depth int
}

func locationSet(events []traceEvent) map[location]struct{} {
	out := make(map[location]struct{}, len(events))
	for _, ev := range events {
		out[location{pc: ev.PC, op: ev.Op, depth: ev.Depth}] = struct{}{}
	}
	return out
}

// divergentWrites compares the storage operands of SSTORE locations executed
// under both orderings.
func divergentWrites(normal, reverse []traceEvent) int {
	writes := func(events []traceEvent) map[location]string {
		out := map[location]string{}
		for _, ev := range events {
			if ev.Op == "SSTORE" {
				out[location{pc: ev.PC, op: ev.Op, depth: ev.Depth}] = ev.Storage
			}
		}
		return out
	}

	normalWrites := writes(normal)
	reverseWrites := writes(reverse)
	divergent := 0
	for loc, operand := range normalWrites {
		if other, ok := reverseWrites[loc]; ok && other != operand {
			divergent++
		}
	}
	return divergent
}

func loadTrace(path string) ([]traceEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace %s: %w", path, err)
	}
	var events []traceEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev traceEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("failed to parse trace %s: %w", path, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
