package model

// PropertyReport carries the five independent property checks derived from
// one instrumented replay of a confirmed TOD pair. Each sub-result is nil
// when its check failed. A tabular checkpoint row is only written when all
// five succeeded; the diagnostic detail line is written regardless.
type PropertyReport struct {
	Pair           CandidatePair `json:"-"`
	GainLoss       *string       `json:"gain_loss"`
	GainLossApprox *string       `json:"gain_loss_approx"`
	SecurifyA      *bool         `json:"securify_a"`
	SecurifyB      *bool         `json:"securify_b"`
	ERC20Approval  *bool         `json:"erc20_approval"`
}

// Complete reports whether every sub-check produced a result.
func (r PropertyReport) Complete() bool {
	return r.GainLoss != nil &&
		r.GainLossApprox != nil &&
		r.SecurifyA != nil &&
		r.SecurifyB != nil &&
		r.ERC20Approval != nil
}
