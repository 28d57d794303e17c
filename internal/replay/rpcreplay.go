package replay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/model"
	"github.com/vk/todrace/internal/session"
)

// Simulator is the provider surface needed to re-execute transactions. The
// ethrpc client satisfies it.
type Simulator interface {
	TraceCall(ctx context.Context, call ethrpc.CallArgs, block uint64, overrides map[string]ethrpc.OverrideAccount) (*ethrpc.PrePost, error)
	VMTrace(ctx context.Context, call ethrpc.CallArgs, block uint64, overrides map[string]ethrpc.OverrideAccount) (json.RawMessage, error)
}

// RPCComparator implements Comparator on top of a warmed session and a
// simulator. The traces provider may differ from the session's provider so
// heavy simulation load can be pointed at a dedicated node.
type RPCComparator struct {
	sess *session.Session
	sim  Simulator
}

// NewComparator wires a comparator. The session must be warmed with both
// transactions of every pair before Compare is called concurrently.
func NewComparator(sess *session.Session, sim Simulator) *RPCComparator {
	return &RPCComparator{sess: sess, sim: sim}
}

// pairContext gathers everything a pair's replays need from the session.
type pairContext struct {
	txA, txB         *ethrpc.Transaction
	blockA, blockB   uint64
	baselineB        ethrpc.PrePost
	sameBlock        bool
	normalOverrides  map[string]ethrpc.OverrideAccount
	reverseOverrides map[string]ethrpc.OverrideAccount
}

func (c *RPCComparator) resolve(pair model.CandidatePair) (*pairContext, error) {
	txA, err := c.sess.Transaction(pair.TxA)
	if err != nil {
		return nil, err
	}
	txB, err := c.sess.Transaction(pair.TxB)
	if err != nil {
		return nil, err
	}
	blockA, err := c.sess.BlockOf(pair.TxA)
	if err != nil {
		return nil, err
	}
	blockB, err := c.sess.BlockOf(pair.TxB)
	if err != nil {
		return nil, err
	}
	baselineB, err := c.sess.StateChange(pair.TxB)
	if err != nil {
		return nil, err
	}
	changeA, err := c.sess.StateChange(pair.TxA)
	if err != nil {
		return nil, err
	}

	pc := &pairContext{
		txA:       txA,
		txB:       txB,
		blockA:    blockA,
		blockB:    blockB,
		baselineB: baselineB,
		sameBlock: blockA == blockB,
	}
	if pc.sameBlock {
		// Same block: the parent state excludes tx_a, so the normal ordering
		// needs tx_a's recorded effects applied; the swapped ordering needs
		// nothing.
		pc.normalOverrides = overridesFrom(changeA.Post)
	} else {
		// Earlier block: the parent state of tx_b already contains tx_a, so
		// the swapped ordering undoes tx_a by restoring its pre-state.
		pc.reverseOverrides = overridesFrom(changeA.Pre)
	}
	return pc, nil
}

// Compare replays the pair in both orderings and classifies the difference.
func (c *RPCComparator) Compare(ctx context.Context, pair model.CandidatePair, method model.Method) (Comparison, error) {
	pc, err := c.resolve(pair)
	if err != nil {
		return Comparison{}, err
	}

	parentB := pc.blockB - 1

	normalB, err := c.sim.TraceCall(ctx, callOf(pc.txB), parentB, pc.normalOverrides)
	if err != nil {
		return Comparison{}, fmt.Errorf("normal-order replay of %s failed: %w", pair.TxB, err)
	}

	// The normal-order replay must reproduce the recorded on-chain outcome
	// before the swapped ordering means anything.
	if divergence := BuildDiff(normalB, &pc.baselineB); !divergence.Empty() {
		return Comparison{
			Kind:   model.VerdictReplayDiverged,
			Reason: fmt.Sprintf("replay of %s did not reproduce the recorded baseline (%d accounts differ)", pair.TxB, len(divergence)),
		}, nil
	}

	reverseB, err := c.sim.TraceCall(ctx, callOf(pc.txB), parentB, pc.reverseOverrides)
	if err != nil {
		if ethrpc.IsInsufficientFunds(err) {
			return Comparison{
				Kind:   model.VerdictInsufficientEtherError,
				Reason: err.Error(),
			}, nil
		}
		return Comparison{}, fmt.Errorf("swapped-order replay of %s failed: %w", pair.TxB, err)
	}

	var diff model.StateDiff
	switch method {
	case model.MethodOverall:
		diff, err = c.overallDiff(ctx, pc, normalB, reverseB)
		if err != nil {
			return Comparison{}, err
		}
	default:
		diff = BuildDiff(normalB, reverseB)
	}

	switch {
	case diff.Empty():
		return Comparison{Kind: model.VerdictNotTOD}, nil
	case OnlySenderBalances(diff, pc.txA.From, pc.txB.From):
		return Comparison{
			Kind:   model.VerdictInsufficientEtherDetected,
			Reason: "swapped ordering differs only in sender balances",
		}, nil
	default:
		return Comparison{Kind: model.VerdictTOD, Diff: &diff}, nil
	}
}

// overallDiff additionally replays tx_a under both orderings and compares
// the combined outcome of the pair.
func (c *RPCComparator) overallDiff(ctx context.Context, pc *pairContext, normalB, reverseB *ethrpc.PrePost) (model.StateDiff, error) {
	parentA := pc.blockA - 1

	normalA, err := c.sim.TraceCall(ctx, callOf(pc.txA), parentA, nil)
	if err != nil {
		return nil, fmt.Errorf("normal-order replay of %s failed: %w", pc.txA.Hash, err)
	}
	// Swapped ordering: tx_b executes first, so tx_a sees its effects.
	reverseA, err := c.sim.TraceCall(ctx, callOf(pc.txA), parentA, overridesFrom(reverseB.Post))
	if err != nil {
		if ethrpc.IsInsufficientFunds(err) {
			// Degrade to the sender-balance signature; classification in the
			// caller buckets it as insufficient ether.
			reverseA = &ethrpc.PrePost{Post: map[string]ethrpc.Account{pc.txA.From: {Balance: "0x0"}}}
		} else {
			return nil, fmt.Errorf("swapped-order replay of %s failed: %w", pc.txA.Hash, err)
		}
	}

	combinedNormal := MergePost(normalA, normalB)
	combinedReverse := MergePost(reverseB, reverseA)
	return BuildDiff(combinedNormal, combinedReverse), nil
}

// Traces implements TraceProvider with the default instruction-level logger.
func (c *RPCComparator) Traces(ctx context.Context, pair model.CandidatePair) (TracePair, error) {
	pc, err := c.resolve(pair)
	if err != nil {
		return TracePair{}, err
	}
	parentB := pc.blockB - 1

	normal, err := c.sim.VMTrace(ctx, callOf(pc.txB), parentB, pc.normalOverrides)
	if err != nil {
		return TracePair{}, fmt.Errorf("normal-order trace of %s failed: %w", pair.TxB, err)
	}
	reverse, err := c.sim.VMTrace(ctx, callOf(pc.txB), parentB, pc.reverseOverrides)
	if err != nil {
		return TracePair{}, fmt.Errorf("swapped-order trace of %s failed: %w", pair.TxB, err)
	}
	return TracePair{Normal: normal, Reverse: reverse}, nil
}

func callOf(tx *ethrpc.Transaction) ethrpc.CallArgs {
	return ethrpc.CallArgs{
		From:     tx.From,
		To:       tx.To,
		Gas:      tx.Gas,
		GasPrice: tx.GasPrice,
		Value:    tx.Value,
		Data:     tx.Input,
	}
}

func overridesFrom(state map[string]ethrpc.Account) map[string]ethrpc.OverrideAccount {
	if len(state) == 0 {
		return nil
	}
	overrides := make(map[string]ethrpc.OverrideAccount, len(state))
	for addr, acc := range state {
		overrides[addr] = ethrpc.OverrideAccount{
			Balance:   acc.Balance,
			Nonce:     acc.Nonce,
			Code:      acc.Code,
			StateDiff: acc.Storage,
		}
	}
	return overrides
}
