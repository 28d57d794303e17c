package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/model"
)

type stubRPC struct {
	txs          map[string]*ethrpc.Transaction
	changeCalls  map[uint64]int
	changesPerTx map[string]ethrpc.PrePost
}

func (s *stubRPC) TransactionByHash(_ context.Context, hash string) (*ethrpc.Transaction, error) {
	tx, ok := s.txs[hash]
	if !ok {
		return nil, errors.New("transaction not found")
	}
	return tx, nil
}

func (s *stubRPC) BlockByNumber(_ context.Context, number uint64) (*ethrpc.Block, error) {
	return &ethrpc.Block{Number: ethrpc.FormatHexUint(number)}, nil
}

func (s *stubRPC) BlockStateChanges(_ context.Context, number uint64) ([]ethrpc.TxStateChange, error) {
	if s.changeCalls == nil {
		s.changeCalls = map[uint64]int{}
	}
	s.changeCalls[number]++
	var out []ethrpc.TxStateChange
	for hash, tx := range s.txs {
		block, _ := ethrpc.ParseHexUint(tx.BlockNumber)
		if block == number {
			out = append(out, ethrpc.TxStateChange{TxHash: hash, Result: s.changesPerTx[hash]})
		}
	}
	return out, nil
}

func newStub() *stubRPC {
	return &stubRPC{
		txs: map[string]*ethrpc.Transaction{
			"0xaa": {Hash: "0xaa", BlockNumber: "0x10", From: "0x1", Value: "0x0"},
			"0xbb": {Hash: "0xbb", BlockNumber: "0x10", From: "0x2", Value: "0x5"},
			"0xcc": {Hash: "0xcc", BlockNumber: "0x11", From: "0x3", Value: "0x0"},
		},
		changesPerTx: map[string]ethrpc.PrePost{
			"0xaa": {Post: map[string]ethrpc.Account{"0x1": {Balance: "0x9"}}},
		},
	}
}

func TestWarmFetchesEachBlockOnce(t *testing.T) {
	rpc := newStub()
	sess := New(rpc)

	// 0xaa and 0xbb share block 0x10; the prefetch must dedup it.
	err := sess.Warm(context.Background(), []model.Hash{"0xaa", "0xbb", "0xcc", "0xaa"})
	require.NoError(t, err)
	assert.True(t, sess.Warmed())

	assert.Equal(t, 1, rpc.changeCalls[0x10])
	assert.Equal(t, 1, rpc.changeCalls[0x11])
}

func TestWarmedAccessors(t *testing.T) {
	sess := New(newStub())
	require.NoError(t, sess.Warm(context.Background(), []model.Hash{"0xAA", "0xcc"}))

	tx, err := sess.Transaction("0xaa")
	require.NoError(t, err)
	assert.Equal(t, "0x1", tx.From)

	block, err := sess.BlockOf("0xaa")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), block)

	change, err := sess.StateChange("0xaa")
	require.NoError(t, err)
	assert.Equal(t, "0x9", change.Post["0x1"].Balance)

	_, err = sess.Transaction("0xdd")
	assert.ErrorContains(t, err, "not warmed")
}

func TestWarmUnknownTransactionIsFatal(t *testing.T) {
	sess := New(newStub())
	err := sess.Warm(context.Background(), []model.Hash{"0xdead"})
	require.Error(t, err)
	assert.False(t, sess.Warmed())
}
