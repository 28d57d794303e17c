package replay

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/model"
	"github.com/vk/todrace/internal/session"
)

// ERC-20 function selectors recognized in calldata.
const (
	selectorTransfer = "0xa9059cbb"
	selectorApprove  = "0x095ea7b3"
)

// RPCInstrumenter implements Instrumenter. It derives ether movements from
// the balance deltas of the replayed executions and token events from the
// ERC-20 calldata of the involved transactions.
type RPCInstrumenter struct {
	sess *session.Session
	sim  Simulator
}

// NewInstrumenter wires an instrumenter over a warmed session.
func NewInstrumenter(sess *session.Session, sim Simulator) *RPCInstrumenter {
	return &RPCInstrumenter{sess: sess, sim: sim}
}

// CurrencyChanges captures the currency-change event sequences of both
// orderings in one instrumented replay.
func (i *RPCInstrumenter) CurrencyChanges(ctx context.Context, pair model.CandidatePair) (Capture, error) {
	cmp := RPCComparator{sess: i.sess, sim: i.sim}
	pc, err := cmp.resolve(pair)
	if err != nil {
		return Capture{}, err
	}
	parentB := pc.blockB - 1

	normalB, err := i.sim.TraceCall(ctx, callOf(pc.txB), parentB, pc.normalOverrides)
	if err != nil {
		return Capture{}, fmt.Errorf("instrumented normal-order replay of %s failed: %w", pair.TxB, err)
	}
	reverseB, err := i.sim.TraceCall(ctx, callOf(pc.txB), parentB, pc.reverseOverrides)
	if err != nil {
		return Capture{}, fmt.Errorf("instrumented swapped-order replay of %s failed: %w", pair.TxB, err)
	}

	eventsA, err := CalldataEvents(pc.txA)
	if err != nil {
		return Capture{}, err
	}
	eventsB, err := CalldataEvents(pc.txB)
	if err != nil {
		return Capture{}, err
	}

	normalEther, err := balanceEvents(normalB, pc.txB.From)
	if err != nil {
		return Capture{}, err
	}
	reverseEther, err := balanceEvents(reverseB, pc.txB.From)
	if err != nil {
		return Capture{}, err
	}

	capture := Capture{
		Pair:    pair,
		SenderA: pc.txA.From,
		SenderB: pc.txB.From,
		CalleeA: pc.txA.To,
		CalleeB: pc.txB.To,
	}
	// Event order encodes the ordering under test: tx_a first in the normal
	// sequence, tx_b first in the swapped one.
	capture.Normal = append(append(capture.Normal, eventsA...), eventsB...)
	capture.Normal = append(capture.Normal, normalEther...)
	capture.Reverse = append(append(capture.Reverse, eventsB...), eventsA...)
	capture.Reverse = append(capture.Reverse, reverseEther...)
	return capture, nil
}

// balanceEvents turns the balance deltas of one replayed execution into
// ether transfer events.
func balanceEvents(trace *ethrpc.PrePost, sender string) ([]CurrencyChange, error) {
	var events []CurrencyChange
	for addr, post := range trace.Post {
		if post.Balance == "" {
			continue
		}
		pre, ok := trace.Pre[addr]
		if !ok || pre.Balance == "" {
			continue
		}
		preBal, err := parseHexBig(pre.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", addr, err)
		}
		postBal, err := parseHexBig(post.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", addr, err)
		}
		delta := new(big.Int).Sub(postBal, preBal)
		if delta.Sign() == 0 {
			continue
		}
		events = append(events, CurrencyChange{
			Kind:         ChangeTransfer,
			Currency:     EtherCurrency,
			Owner:        addr,
			Counterparty: sender,
			Delta:        delta,
		})
	}
	return events, nil
}

// CalldataEvents decodes ERC-20 transfer/approve calls from a transaction's
// input data. Non-ERC-20 calldata yields no events.
func CalldataEvents(tx *ethrpc.Transaction) ([]CurrencyChange, error) {
	input := strings.ToLower(tx.Input)
	if len(input) < 10 {
		return nil, nil
	}
	selector := input[:10]
	if selector != selectorTransfer && selector != selectorApprove {
		return nil, nil
	}
	// Two 32-byte words after the selector: padded address, then amount.
	args := input[10:]
	if len(args) < 128 {
		return nil, fmt.Errorf("transaction %s: truncated ERC-20 calldata", tx.Hash)
	}
	counterparty := "0x" + args[24:64]
	amount, err := parseHexBig("0x" + args[64:128])
	if err != nil {
		return nil, fmt.Errorf("transaction %s: malformed ERC-20 amount: %w", tx.Hash, err)
	}

	kind := ChangeTransfer
	if selector == selectorApprove {
		kind = ChangeApproval
	}
	return []CurrencyChange{{
		Kind:         kind,
		Currency:     tx.To,
		Owner:        tx.From,
		Counterparty: counterparty,
		Delta:        amount,
	}}, nil
}

func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty quantity")
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("malformed quantity %q", s)
	}
	return v, nil
}
