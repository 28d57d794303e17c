package replay

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/vk/todrace/internal/model"
)

// Comparison is the tagged outcome of replaying one pair in both orderings.
type Comparison struct {
	// Kind is the verdict tag the check stage records.
	Kind model.Verdict
	// Diff carries the structured state difference between the orderings.
	// Populated for TOD verdicts, nil otherwise.
	Diff *model.StateDiff
	// Reason explains divergence and insufficient-ether verdicts.
	Reason string
}

// Comparator replays a candidate pair in both orderings and classifies the
// result. Implementations must be safe for concurrent use once the session
// backing them is warmed.
type Comparator interface {
	Compare(ctx context.Context, pair model.CandidatePair, method model.Method) (Comparison, error)
}

// ChangeKind distinguishes the currency-change events an instrumented replay
// captures.
type ChangeKind string

const (
	// ChangeTransfer is value moving between accounts.
	ChangeTransfer ChangeKind = "transfer"
	// ChangeApproval is an ERC-20 allowance being granted.
	ChangeApproval ChangeKind = "approval"
)

// EtherCurrency is the Currency value used for plain ether movements, as
// opposed to a token contract address.
const EtherCurrency = "ETH"

// CurrencyChange is one captured event: Owner's holdings of Currency change
// by Delta, with Counterparty on the other side.
type CurrencyChange struct {
	Kind         ChangeKind
	Currency     string
	Owner        string
	Counterparty string
	Delta        *big.Int
}

// Capture is the instrumented-replay output the property checks derive from:
// the currency-change event sequences of both orderings plus the request
// metadata of the involved transactions.
type Capture struct {
	Pair    model.CandidatePair
	SenderA string
	SenderB string
	CalleeA string
	CalleeB string
	Normal  []CurrencyChange
	Reverse []CurrencyChange
}

// Instrumenter produces the currency-change capture for one pair.
type Instrumenter interface {
	CurrencyChanges(ctx context.Context, pair model.CandidatePair) (Capture, error)
}

// TracePair holds the raw instruction-level traces of both orderings,
// persisted when the check stage is asked to create traces.
type TracePair struct {
	Normal  json.RawMessage
	Reverse json.RawMessage
}

// TraceProvider captures full-fidelity traces for one pair.
type TraceProvider interface {
	Traces(ctx context.Context, pair model.CandidatePair) (TracePair, error)
}
