package replay

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/model"
)

func ether(owner string, delta int64) CurrencyChange {
	return CurrencyChange{
		Kind:     ChangeTransfer,
		Currency: EtherCurrency,
		Owner:    owner,
		Delta:    big.NewInt(delta),
	}
}

func token(kind ChangeKind, currency, owner, counterparty string, amount int64) CurrencyChange {
	return CurrencyChange{
		Kind:         kind,
		Currency:     currency,
		Owner:        owner,
		Counterparty: counterparty,
		Delta:        big.NewInt(amount),
	}
}

func TestGainLoss(t *testing.T) {
	c := Capture{
		Pair:    model.CandidatePair{TxA: "0xaa", TxB: "0xbb"},
		SenderA: "0xattacker",
		SenderB: "0xvictim",
		Normal:  []CurrencyChange{ether("0xattacker", 100), ether("0xvictim", -100)},
		Reverse: []CurrencyChange{},
	}

	full, err := GainLoss(c, ScopeFull)
	require.NoError(t, err)
	assert.Equal(t, GainAndLoss, full)

	// Narrowing to pair participants keeps both accounts in scope here.
	approx, err := GainLoss(c, ScopeApproximated)
	require.NoError(t, err)
	assert.Equal(t, GainAndLoss, approx)
}

func TestGainLossScopeNarrowing(t *testing.T) {
	c := Capture{
		SenderA: "0xattacker",
		SenderB: "0xvictim",
		Normal:  []CurrencyChange{ether("0xbystander", 50)},
		Reverse: []CurrencyChange{},
	}

	full, err := GainLoss(c, ScopeFull)
	require.NoError(t, err)
	assert.Equal(t, GainOnly, full)

	approx, err := GainLoss(c, ScopeApproximated)
	require.NoError(t, err)
	assert.Equal(t, NoGainLoss, approx, "bystander movement is outside the narrowed scope")
}

func TestGainLossOneSidedOwners(t *testing.T) {
	// Owners that moved value under only one ordering count at their full
	// magnitude against an implicit zero on the other side.
	c := Capture{
		Normal:  []CurrencyChange{ether("0xonlynormal", 30)},
		Reverse: []CurrencyChange{ether("0xonlyreverse", 30)},
	}

	full, err := GainLoss(c, ScopeFull)
	require.NoError(t, err)
	assert.Equal(t, GainAndLoss, full)
}

func TestGainLossRejectsMalformedEvents(t *testing.T) {
	c := Capture{
		Normal: []CurrencyChange{{Kind: ChangeTransfer, Currency: EtherCurrency, Owner: "0x1", Delta: nil}},
	}
	_, err := GainLoss(c, ScopeFull)
	assert.ErrorContains(t, err, "no amount")
}

func TestSecurifyDetectsMissingTransfer(t *testing.T) {
	c := Capture{
		Normal:  []CurrencyChange{token(ChangeTransfer, "0xtoken", "0xvictim", "0xshop", 10)},
		Reverse: []CurrencyChange{},
	}
	violated, err := Securify(c, "0xvictim")
	require.NoError(t, err)
	assert.True(t, violated)
}

func TestSecurifyDetectsAmountAndReceiverChanges(t *testing.T) {
	t.Run("amount differs", func(t *testing.T) {
		c := Capture{
			Normal:  []CurrencyChange{token(ChangeTransfer, "0xtoken", "0xvictim", "0xshop", 10)},
			Reverse: []CurrencyChange{token(ChangeTransfer, "0xtoken", "0xvictim", "0xshop", 7)},
		}
		violated, err := Securify(c, "0xvictim")
		require.NoError(t, err)
		assert.True(t, violated)
	})

	t.Run("receiver differs", func(t *testing.T) {
		c := Capture{
			Normal:  []CurrencyChange{token(ChangeTransfer, "0xtoken", "0xvictim", "0xshop", 10)},
			Reverse: []CurrencyChange{token(ChangeTransfer, "0xtoken", "0xvictim", "0xthief", 10)},
		}
		violated, err := Securify(c, "0xvictim")
		require.NoError(t, err)
		assert.True(t, violated)
	})

	t.Run("identical transfers pass", func(t *testing.T) {
		c := Capture{
			Normal:  []CurrencyChange{token(ChangeTransfer, "0xtoken", "0xvictim", "0xshop", 10)},
			Reverse: []CurrencyChange{token(ChangeTransfer, "0xtoken", "0xvictim", "0xshop", 10)},
		}
		violated, err := Securify(c, "0xvictim")
		require.NoError(t, err)
		assert.False(t, violated)
	})
}

func TestSecurifyIgnoresUnrelatedAccounts(t *testing.T) {
	c := Capture{
		Normal:  []CurrencyChange{token(ChangeTransfer, "0xtoken", "0xother", "0xshop", 10)},
		Reverse: []CurrencyChange{},
	}
	violated, err := Securify(c, "0xvictim")
	require.NoError(t, err)
	assert.False(t, violated)
}

func TestERC20ApprovalOrderFlip(t *testing.T) {
	approve := token(ChangeApproval, "0xtoken", "0xowner", "0xspender", 100)
	spend := token(ChangeTransfer, "0xtoken", "0xowner", "0xspender", 100)

	t.Run("flipped order is flagged", func(t *testing.T) {
		c := Capture{
			Normal:  []CurrencyChange{approve, spend},
			Reverse: []CurrencyChange{spend, approve},
		}
		flagged, err := ERC20Approval(c)
		require.NoError(t, err)
		assert.True(t, flagged)
	})

	t.Run("stable order passes", func(t *testing.T) {
		c := Capture{
			Normal:  []CurrencyChange{approve, spend},
			Reverse: []CurrencyChange{approve, spend},
		}
		flagged, err := ERC20Approval(c)
		require.NoError(t, err)
		assert.False(t, flagged)
	})
}

func TestEvaluateCollectsSubCheckFailures(t *testing.T) {
	c := Capture{
		Pair: model.CandidatePair{TxA: "0xaa", TxB: "0xbb"},
		// Malformed token event: ERC20Approval fails, Securify and the
		// ether-only GainLoss still succeed.
		Normal: []CurrencyChange{
			{Kind: ChangeApproval, Currency: "0xtoken", Owner: "0xowner", Delta: nil},
			{Kind: ChangeTransfer, Currency: "0xtoken", Owner: "0xowner", Counterparty: "0xspender", Delta: big.NewInt(1)},
		},
	}

	report, failures := Evaluate(c)
	require.NotEmpty(t, failures)
	assert.False(t, report.Complete())
	assert.Nil(t, report.ERC20Approval)
	assert.NotNil(t, report.GainLoss)
}

func TestEvaluateCompleteReport(t *testing.T) {
	c := Capture{
		Pair:    model.CandidatePair{TxA: "0xaa", TxB: "0xbb"},
		SenderA: "0x1",
		SenderB: "0x2",
		Normal:  []CurrencyChange{ether("0x1", 5)},
		Reverse: []CurrencyChange{ether("0x1", 5)},
	}
	report, failures := Evaluate(c)
	assert.Empty(t, failures)
	assert.True(t, report.Complete())
	assert.Equal(t, NoGainLoss, *report.GainLoss)
}

func TestCalldataEvents(t *testing.T) {
	pad := func(addr, amount string) string {
		return "000000000000000000000000" + addr + amount
	}
	amount64 := "0000000000000000000000000000000000000000000000000000000000000040"

	t.Run("transfer", func(t *testing.T) {
		tx := &ethrpc.Transaction{
			Hash:  "0xaa",
			From:  "0xowner",
			To:    "0xtoken",
			Input: "0xa9059cbb" + pad("00000000000000000000000000000000000000ff", amount64),
		}
		events, err := CalldataEvents(tx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, ChangeTransfer, events[0].Kind)
		assert.Equal(t, "0xtoken", events[0].Currency)
		assert.Equal(t, "0x00000000000000000000000000000000000000ff", events[0].Counterparty)
		assert.Equal(t, int64(0x40), events[0].Delta.Int64())
	})

	t.Run("approve", func(t *testing.T) {
		tx := &ethrpc.Transaction{
			Hash:  "0xbb",
			From:  "0xowner",
			To:    "0xtoken",
			Input: "0x095ea7b3" + pad("00000000000000000000000000000000000000ee", amount64),
		}
		events, err := CalldataEvents(tx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, ChangeApproval, events[0].Kind)
	})

	t.Run("plain value transfer yields nothing", func(t *testing.T) {
		events, err := CalldataEvents(&ethrpc.Transaction{Hash: "0xcc", Input: "0x"})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("truncated calldata is an error", func(t *testing.T) {
		_, err := CalldataEvents(&ethrpc.Transaction{Hash: "0xdd", Input: "0xa9059cbb00ff"})
		assert.ErrorContains(t, err, "truncated")
	})
}
