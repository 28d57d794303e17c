// Package miner wraps the collision-mining collaborator: it ingests the
// state accesses of a block range into Postgres and extracts candidate
// transaction pairs whose accesses collide.
package miner

import (
	"context"

	"github.com/vk/todrace/internal/model"
)

// Options tune the candidate extraction.
type Options struct {
	// WindowSize, when positive, drops candidates whose transactions are
	// WindowSize or more blocks apart.
	WindowSize int
	// DuplicatesLimit, when positive, caps the candidates kept per collision
	// point so one hot contract cannot dominate the output.
	DuplicatesLimit int
}

// Stats summarizes one mining run; written to the mining stats checkpoint.
type Stats struct {
	Blocks           int `json:"blocks"`
	Transactions     int `json:"transactions"`
	AccessesRecorded int `json:"accesses_recorded"`
	CollisionsTotal  int `json:"collisions_total"`
	CandidatesTotal  int `json:"candidates_total"`
}

// Miner is the narrow mining contract the mine stage consumes.
type Miner interface {
	// Fetch ingests the state accesses of every block in the range.
	Fetch(ctx context.Context, blocks model.BlockRange) error
	// Candidates extracts colliding pairs from previously fetched data.
	Candidates(ctx context.Context, blocks model.BlockRange, opts Options) ([]model.CandidatePair, Stats, error)
}
