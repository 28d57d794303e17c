package model

import "strings"

// Hash is a 0x-prefixed hex transaction hash.
type Hash string

// CandidatePair is a transaction pair flagged by the mining stage as
// potentially order-dependent. The pair is ordered: TxA is assumed to execute
// before TxB in the recorded chain. Pairs are immutable once mined.
type CandidatePair struct {
	TxA       Hash
	TxB       Hash
	BlockDist int
	Types     []string
}

// ID returns the pair identity used to key batch results, timing rows and
// per-pair artifacts.
func (p CandidatePair) ID() string {
	return string(p.TxA) + "_" + string(p.TxB)
}

// PairFromID reverses CandidatePair.ID. It only restores the two hashes;
// mining metadata is not part of the identity.
func PairFromID(id string) (CandidatePair, bool) {
	a, b, ok := strings.Cut(id, "_")
	if !ok {
		return CandidatePair{}, false
	}
	return CandidatePair{TxA: Hash(a), TxB: Hash(b)}, true
}
