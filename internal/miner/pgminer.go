package miner

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/model"
)

// RPC is the provider surface the miner needs to ingest block data.
type RPC interface {
	BlockStateChanges(ctx context.Context, number uint64) ([]ethrpc.TxStateChange, error)
}

// PGMiner implements Miner on a Postgres scratch database. The accesses
// table survives across invocations so a block range only has to be fetched
// once.
type PGMiner struct {
	pool *pgxpool.Pool
	rpc  RPC
}

const schema = `
CREATE TABLE IF NOT EXISTS accesses (
	block_number BIGINT  NOT NULL,
	tx_index     INT     NOT NULL,
	tx_hash      TEXT    NOT NULL,
	address      TEXT    NOT NULL,
	slot         TEXT    NOT NULL DEFAULT '',
	kind         TEXT    NOT NULL,
	is_write     BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS accesses_point_idx ON accesses (address, slot);
CREATE INDEX IF NOT EXISTS accesses_block_idx ON accesses (block_number);
`

// NewPGMiner connects to Postgres and ensures the schema exists. A failed
// connection is a fatal stage setup error.
func NewPGMiner(ctx context.Context, connString string, rpc RPC) (*PGMiner, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to configure postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure miner schema: %w", err)
	}
	return &PGMiner{pool: pool, rpc: rpc}, nil
}

// Close releases the connection pool.
func (m *PGMiner) Close() {
	m.pool.Close()
}

// Fetch ingests the state accesses of every block in the range, skipping
// blocks that were already ingested.
func (m *PGMiner) Fetch(ctx context.Context, blocks model.BlockRange) error {
	logger := ctxlog.FromContext(ctx)

	for _, number := range blocks.Blocks() {
		var ingested bool
		err := m.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accesses WHERE block_number = $1)`, int64(number),
		).Scan(&ingested)
		if err != nil {
			return fmt.Errorf("failed to probe block %d: %w", number, err)
		}
		if ingested {
			continue
		}

		changes, err := m.rpc.BlockStateChanges(ctx, number)
		if err != nil {
			return fmt.Errorf("failed to fetch state changes of block %d: %w", number, err)
		}

		rows := accessRows(number, changes)
		if len(rows) == 0 {
			continue
		}
		_, err = m.pool.CopyFrom(ctx,
			pgx.Identifier{"accesses"},
			[]string{"block_number", "tx_index", "tx_hash", "address", "slot", "kind", "is_write"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to ingest block %d: %w", number, err)
		}
		logger.Debug("Ingested block accesses.", "block", number, "rows", len(rows))
	}
	return nil
}

// accessRows flattens one block's diff-mode traces into access tuples. Pre
// entries are reads, post entries writes.
func accessRows(block uint64, changes []ethrpc.TxStateChange) [][]any {
	var rows [][]any
	add := func(txIndex int, txHash, address, slot, kind string, write bool) {
		rows = append(rows, []any{int64(block), txIndex, txHash, address, slot, kind, write})
	}
	addSide := func(txIndex int, txHash string, accounts map[string]ethrpc.Account, write bool) {
		for address, acc := range accounts {
			if acc.Balance != "" {
				add(txIndex, txHash, address, "", "balance", write)
			}
			if acc.Code != "" {
				add(txIndex, txHash, address, "", "code", write)
			}
			for slot := range acc.Storage {
				add(txIndex, txHash, address, slot, "storage", write)
			}
		}
	}
	for txIndex, change := range changes {
		addSide(txIndex, change.TxHash, change.Result.Pre, false)
		addSide(txIndex, change.TxHash, change.Result.Post, true)
	}
	return rows
}

// candidateQuery joins writes against later touches of the same state point.
// DuplicatesLimit is applied per collision point via the row_number window.
const candidateQuery = `
WITH collisions AS (
	SELECT
		w.tx_hash                        AS tx_a,
		r.tx_hash                        AS tx_b,
		(r.block_number - w.block_number) AS block_dist,
		w.address                        AS address,
		w.slot                           AS slot,
		w.kind                           AS kind,
		ROW_NUMBER() OVER (
			PARTITION BY w.address, w.slot
			ORDER BY w.block_number, w.tx_index, r.block_number, r.tx_index
		) AS per_point
	FROM accesses w
	JOIN accesses r
	  ON  r.address = w.address
	  AND r.slot    = w.slot
	  AND r.kind    = w.kind
	  AND (r.block_number > w.block_number
	       OR (r.block_number = w.block_number AND r.tx_index > w.tx_index))
	WHERE w.is_write
	  AND w.block_number BETWEEN $1 AND $2
	  AND r.block_number BETWEEN $1 AND $2
	  AND ($3 <= 0 OR r.block_number - w.block_number < $3)
)
SELECT tx_a, tx_b, MIN(block_dist) AS block_dist,
       ARRAY_AGG(DISTINCT kind) AS kinds,
       COUNT(*) AS collisions
FROM collisions
WHERE ($4 <= 0 OR per_point <= $4)
GROUP BY tx_a, tx_b
ORDER BY tx_a, tx_b
`

// Candidates extracts colliding pairs from previously fetched accesses.
func (m *PGMiner) Candidates(ctx context.Context, blocks model.BlockRange, opts Options) ([]model.CandidatePair, Stats, error) {
	stats := Stats{Blocks: len(blocks.Blocks())}

	err := m.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT tx_hash), COUNT(*) FROM accesses WHERE block_number BETWEEN $1 AND $2`,
		int64(blocks.Start), int64(blocks.End),
	).Scan(&stats.Transactions, &stats.AccessesRecorded)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to count accesses: %w", err)
	}

	rows, err := m.pool.Query(ctx, candidateQuery,
		int64(blocks.Start), int64(blocks.End), opts.WindowSize, opts.DuplicatesLimit)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("candidate query failed: %w", err)
	}
	defer rows.Close()

	var pairs []model.CandidatePair
	for rows.Next() {
		var (
			txA, txB   string
			dist       int
			kinds      []string
			collisions int
		)
		if err := rows.Scan(&txA, &txB, &dist, &kinds, &collisions); err != nil {
			return nil, Stats{}, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		pairs = append(pairs, model.CandidatePair{
			TxA:       model.Hash(txA),
			TxB:       model.Hash(txB),
			BlockDist: dist,
			Types:     kinds,
		})
		stats.CollisionsTotal += collisions
	}
	if err := rows.Err(); err != nil {
		return nil, Stats{}, fmt.Errorf("candidate query failed: %w", err)
	}

	stats.CandidatesTotal = len(pairs)
	return pairs, stats, nil
}
