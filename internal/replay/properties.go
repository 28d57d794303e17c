package replay

import (
	"fmt"
	"math/big"

	"github.com/vk/todrace/internal/model"
)

// Scope selects which accounts a gain/loss evaluation considers.
type Scope int

const (
	// ScopeFull considers every account that appears in the capture.
	ScopeFull Scope = iota
	// ScopeApproximated narrows to the senders and callees of the pair.
	ScopeApproximated
)

// Gain/loss classifications written to the properties checkpoint.
const (
	GainAndLoss = "gain_and_loss"
	GainOnly    = "gain"
	LossOnly    = "loss"
	NoGainLoss  = "none"
)

// GainLoss compares each account's net holdings between the orderings and
// classifies whether swapping the order makes someone richer, poorer, or
// both.
func GainLoss(c Capture, scope Scope) (string, error) {
	normal, err := netByOwner(c.Normal)
	if err != nil {
		return "", fmt.Errorf("pair %s: %w", c.Pair.ID(), err)
	}
	reverse, err := netByOwner(c.Reverse)
	if err != nil {
		return "", fmt.Errorf("pair %s: %w", c.Pair.ID(), err)
	}

	var inScope func(owner string) bool
	switch scope {
	case ScopeApproximated:
		narrowed := map[string]struct{}{
			c.SenderA: {}, c.SenderB: {}, c.CalleeA: {}, c.CalleeB: {},
		}
		inScope = func(owner string) bool {
			_, ok := narrowed[owner]
			return ok
		}
	default:
		inScope = func(string) bool { return true }
	}

	gains, losses := false, false
	for owner := range union(normal, reverse) {
		if !inScope(owner) {
			continue
		}
		diff := new(big.Int).Sub(valueOrZero(normal, owner), valueOrZero(reverse, owner))
		switch diff.Sign() {
		case 1:
			gains = true
		case -1:
			losses = true
		}
	}

	switch {
	case gains && losses:
		return GainAndLoss, nil
	case gains:
		return GainOnly, nil
	case losses:
		return LossOnly, nil
	default:
		return NoGainLoss, nil
	}
}

// Securify checks the transfer events involving one sender for order
// dependence: a transfer missing under one ordering, an amount change, or a
// changed receiver each count as a violation.
func Securify(c Capture, sender string) (bool, error) {
	normal := transfersInvolving(c.Normal, sender)
	reverse := transfersInvolving(c.Reverse, sender)

	if len(normal) != len(reverse) {
		return true, nil
	}
	for key, n := range normal {
		r, ok := reverse[key]
		if !ok {
			// Same currency/owner but a different receiver or amount ends up
			// under a different key.
			return true, nil
		}
		if n.Cmp(r) != 0 {
			return true, nil
		}
	}
	for key := range reverse {
		if _, ok := normal[key]; !ok {
			return true, nil
		}
	}
	return false, nil
}

// ERC20Approval detects the approve-after-transfer pattern: an approval and
// a spend on the same token whose relative order flips between the
// orderings.
func ERC20Approval(c Capture) (bool, error) {
	normalOrder, err := approvalBeforeSpend(c.Normal)
	if err != nil {
		return false, fmt.Errorf("pair %s: %w", c.Pair.ID(), err)
	}
	reverseOrder, err := approvalBeforeSpend(c.Reverse)
	if err != nil {
		return false, fmt.Errorf("pair %s: %w", c.Pair.ID(), err)
	}

	for key, normalFirst := range normalOrder {
		if reverseFirst, ok := reverseOrder[key]; ok && normalFirst != reverseFirst {
			return true, nil
		}
	}
	return false, nil
}

// approvalBeforeSpend maps token/owner keys to whether the approval precedes
// the first token transfer in the event sequence.
func approvalBeforeSpend(events []CurrencyChange) (map[string]bool, error) {
	approvalAt := map[string]int{}
	transferAt := map[string]int{}
	for i, ev := range events {
		if ev.Currency == EtherCurrency {
			continue
		}
		if ev.Delta == nil {
			return nil, fmt.Errorf("event %d on token %s has no amount", i, ev.Currency)
		}
		key := ev.Currency + "/" + ev.Owner
		switch ev.Kind {
		case ChangeApproval:
			if _, ok := approvalAt[key]; !ok {
				approvalAt[key] = i
			}
		case ChangeTransfer:
			if _, ok := transferAt[key]; !ok {
				transferAt[key] = i
			}
		}
	}

	order := map[string]bool{}
	for key, a := range approvalAt {
		if t, ok := transferAt[key]; ok {
			order[key] = a < t
		}
	}
	return order, nil
}

func transfersInvolving(events []CurrencyChange, sender string) map[string]*big.Int {
	out := map[string]*big.Int{}
	for _, ev := range events {
		if ev.Kind != ChangeTransfer {
			continue
		}
		if ev.Owner != sender && ev.Counterparty != sender {
			continue
		}
		key := ev.Currency + "/" + ev.Owner + "/" + ev.Counterparty
		if ev.Delta == nil {
			continue
		}
		sum, ok := out[key]
		if !ok {
			sum = new(big.Int)
			out[key] = sum
		}
		sum.Add(sum, ev.Delta)
	}
	return out
}

func netByOwner(events []CurrencyChange) (map[string]*big.Int, error) {
	out := map[string]*big.Int{}
	for i, ev := range events {
		if ev.Kind != ChangeTransfer {
			continue
		}
		if ev.Delta == nil {
			return nil, fmt.Errorf("transfer event %d has no amount", i)
		}
		sum, ok := out[ev.Owner]
		if !ok {
			sum = new(big.Int)
			out[ev.Owner] = sum
		}
		sum.Add(sum, ev.Delta)
	}
	return out, nil
}

// valueOrZero treats an owner missing from one ordering as holding a net
// zero, so one-sided activity still counts as a gain or loss.
func valueOrZero(m map[string]*big.Int, owner string) *big.Int {
	if v, ok := m[owner]; ok {
		return v
	}
	return new(big.Int)
}

func union(a, b map[string]*big.Int) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

// Evaluate runs all five property checks over one capture, recording each
// sub-check's failure independently. The returned report may be incomplete;
// the properties stage decides what to do with it.
func Evaluate(c Capture) (model.PropertyReport, []error) {
	report := model.PropertyReport{Pair: c.Pair}
	var failures []error

	if v, err := GainLoss(c, ScopeFull); err != nil {
		failures = append(failures, fmt.Errorf("gain_loss: %w", err))
	} else {
		report.GainLoss = &v
	}
	if v, err := GainLoss(c, ScopeApproximated); err != nil {
		failures = append(failures, fmt.Errorf("gain_loss_approx: %w", err))
	} else {
		report.GainLossApprox = &v
	}
	if v, err := Securify(c, c.SenderA); err != nil {
		failures = append(failures, fmt.Errorf("securify_a: %w", err))
	} else {
		report.SecurifyA = &v
	}
	if v, err := Securify(c, c.SenderB); err != nil {
		failures = append(failures, fmt.Errorf("securify_b: %w", err))
	} else {
		report.SecurifyB = &v
	}
	if v, err := ERC20Approval(c); err != nil {
		failures = append(failures, fmt.Errorf("erc20_approval: %w", err))
	} else {
		report.ERC20Approval = &v
	}
	return report, failures
}
