package model

// Verdict classifies the outcome of checking one candidate pair. The string
// forms are written verbatim into the results checkpoint.
type Verdict string

const (
	// VerdictTOD means the swapped replay produced a different state.
	VerdictTOD Verdict = "TOD"
	// VerdictNotTOD means both orderings produced the same state.
	VerdictNotTOD Verdict = "not TOD"
	// VerdictReplayDiverged means the replay of the original ordering did not
	// reproduce the recorded on-chain outcome. This signals a simulation
	// fidelity problem, not a TOD finding.
	VerdictReplayDiverged Verdict = "replay diverged"
	// VerdictInsufficientEtherDetected means the swapped ordering failed
	// because an account ran out of ether, and the replay detected this as
	// the only difference.
	VerdictInsufficientEtherDetected Verdict = "insufficient ether detected"
	// VerdictInsufficientEtherError means the swapped ordering aborted with a
	// balance exhaustion error before a comparison was possible.
	VerdictInsufficientEtherError Verdict = "insufficient ether error"
	// VerdictError covers everything else that went wrong for this pair.
	VerdictError Verdict = "error"
)

// Method selects the diffing scope of the check stage. Both methods use the
// same replay data.
type Method string

const (
	// MethodApproximation compares only the second transaction's outcome
	// across the two orderings.
	MethodApproximation Method = "approximation"
	// MethodOverall compares the combined outcome of both transactions.
	MethodOverall Method = "overall"
)

// ParseMethod validates a method string from the CLI.
func ParseMethod(s string) (Method, bool) {
	switch Method(s) {
	case MethodApproximation, MethodOverall:
		return Method(s), true
	}
	return "", false
}

// CheckVerdict is the per-pair result of the check stage. Details is only
// populated for pairs classified as TOD.
type CheckVerdict struct {
	Pair    CandidatePair
	Result  Verdict
	Details *StateDiff
}
