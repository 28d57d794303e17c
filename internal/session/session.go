// Package session provides the long-lived, read-only handle to the replay
// provider that the check and properties stages share.
//
// The cache is fully populated by Warm before any parallel phase starts;
// concurrent first-access population is avoided by design, not by locking.
// After warming, every accessor is a plain map read and safe for any number
// of concurrent readers.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/todrace/internal/ctxlog"
	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/model"
)

// RPC is the narrow provider surface the session depends on.
type RPC interface {
	TransactionByHash(ctx context.Context, hash string) (*ethrpc.Transaction, error)
	BlockByNumber(ctx context.Context, number uint64) (*ethrpc.Block, error)
	BlockStateChanges(ctx context.Context, number uint64) ([]ethrpc.TxStateChange, error)
}

// Session caches transactions, their owning blocks and the recorded per-tx
// state changes for every hash it was warmed with.
type Session struct {
	rpc    RPC
	warmed bool

	txs     map[model.Hash]*ethrpc.Transaction
	blockOf map[model.Hash]uint64
	blocks  map[uint64]*ethrpc.Block
	changes map[model.Hash]ethrpc.PrePost
}

// New creates a cold session around the given provider.
func New(rpc RPC) *Session {
	return &Session{
		rpc:     rpc,
		txs:     make(map[model.Hash]*ethrpc.Transaction),
		blockOf: make(map[model.Hash]uint64),
		blocks:  make(map[uint64]*ethrpc.Block),
		changes: make(map[model.Hash]ethrpc.PrePost),
	}
}

// RPC exposes the underlying provider for collaborators that need to issue
// their own simulated calls after the cache is warm.
func (s *Session) RPC() RPC {
	return s.rpc
}

// Warm resolves every referenced transaction to its block and fetches each
// block's state-change data exactly once, no matter how many transactions
// share the block. It must complete before the session is read concurrently.
func (s *Session) Warm(ctx context.Context, hashes []model.Hash) error {
	logger := ctxlog.FromContext(ctx)

	blocks := make(map[uint64]struct{})
	for _, h := range hashes {
		key := normalize(h)
		if _, ok := s.txs[key]; ok {
			continue
		}
		tx, err := s.rpc.TransactionByHash(ctx, string(key))
		if err != nil {
			return fmt.Errorf("failed to resolve transaction %s: %w", h, err)
		}
		blockNumber, err := ethrpc.ParseHexUint(tx.BlockNumber)
		if err != nil {
			return fmt.Errorf("transaction %s has no canonical block: %w", h, err)
		}
		s.txs[key] = tx
		s.blockOf[key] = blockNumber
		blocks[blockNumber] = struct{}{}
	}
	logger.Debug("Resolved transactions to blocks.", "transactions", len(s.txs), "blocks", len(blocks))

	for number := range blocks {
		if _, ok := s.blocks[number]; ok {
			continue
		}
		block, err := s.rpc.BlockByNumber(ctx, number)
		if err != nil {
			return fmt.Errorf("failed to fetch block %d: %w", number, err)
		}
		changes, err := s.rpc.BlockStateChanges(ctx, number)
		if err != nil {
			return fmt.Errorf("failed to fetch state changes of block %d: %w", number, err)
		}
		s.blocks[number] = block
		for _, change := range changes {
			s.changes[normalize(model.Hash(change.TxHash))] = change.Result
		}
	}

	s.warmed = true
	logger.Debug("Session warmed.", "cached_blocks", len(s.blocks))
	return nil
}

// Warmed reports whether Warm has completed.
func (s *Session) Warmed() bool {
	return s.warmed
}

// Transaction returns a warmed transaction.
func (s *Session) Transaction(h model.Hash) (*ethrpc.Transaction, error) {
	tx, ok := s.txs[normalize(h)]
	if !ok {
		return nil, fmt.Errorf("transaction %s was not warmed into the session", h)
	}
	return tx, nil
}

// BlockOf returns the block number owning a warmed transaction.
func (s *Session) BlockOf(h model.Hash) (uint64, error) {
	n, ok := s.blockOf[normalize(h)]
	if !ok {
		return 0, fmt.Errorf("transaction %s was not warmed into the session", h)
	}
	return n, nil
}

// Block returns a warmed block.
func (s *Session) Block(number uint64) (*ethrpc.Block, error) {
	b, ok := s.blocks[number]
	if !ok {
		return nil, fmt.Errorf("block %d was not warmed into the session", number)
	}
	return b, nil
}

// StateChange returns the recorded on-chain pre/post state of a warmed
// transaction. This is the baseline every replay is compared against.
func (s *Session) StateChange(h model.Hash) (ethrpc.PrePost, error) {
	c, ok := s.changes[normalize(h)]
	if !ok {
		return ethrpc.PrePost{}, fmt.Errorf("no recorded state change for transaction %s", h)
	}
	return c, nil
}

func normalize(h model.Hash) model.Hash {
	return model.Hash(strings.ToLower(string(h)))
}
