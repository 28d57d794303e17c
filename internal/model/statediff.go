package model

// WordDiff holds one value as observed under the normal and the reverse
// ordering. Values are 0x-prefixed hex.
type WordDiff struct {
	Normal  string `json:"normal"`
	Reverse string `json:"reverse"`
}

// Differs reports whether the two orderings disagree.
func (d WordDiff) Differs() bool {
	return d.Normal != d.Reverse
}

// AccountDiff describes how one account's state differs between the two
// orderings. Nil/empty fields mean no difference was observed there.
type AccountDiff struct {
	Balance *WordDiff           `json:"balance,omitempty"`
	Code    *WordDiff           `json:"code,omitempty"`
	Storage map[string]WordDiff `json:"storage,omitempty"`
}

// Empty reports whether the account shows no difference at all.
func (d AccountDiff) Empty() bool {
	return d.Balance == nil && d.Code == nil && len(d.Storage) == 0
}

// StateDiff maps account addresses to their per-ordering differences. An
// empty diff means the two orderings converged.
type StateDiff map[string]AccountDiff

// Empty reports whether no account differs between the orderings.
func (s StateDiff) Empty() bool {
	for _, acc := range s {
		if !acc.Empty() {
			return false
		}
	}
	return true
}
