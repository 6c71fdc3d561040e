package domain

// Verdict codes assigned by the judge.
const (
	VerdictAC  = "AC"  // Accepted
	VerdictWA  = "WA"  // Wrong Answer
	VerdictTLE = "TLE" // Time Limit Exceeded
	VerdictMLE = "MLE" // Memory Limit Exceeded
	VerdictRE  = "RE"  // Runtime Error
	VerdictCE  = "CE"  // Compilation Error
	VerdictIE  = "IE"  // Internal Error
	VerdictPE  = "PE"  // Presentation Error
	VerdictSK  = "SK"  // Skipped
)

// verdictPriority orders aggregate verdicts: the first code present among the
// per-test verdicts wins.
var verdictPriority = []string{VerdictCE, VerdictTLE, VerdictMLE, VerdictRE, VerdictWA, VerdictAC}

// AggregateVerdict selects the final verdict for a set of per-test verdicts.
func AggregateVerdict(verdicts []string) string {
	if len(verdicts) == 0 {
		return VerdictIE
	}
	present := map[string]bool{}
	for _, v := range verdicts {
		present[v] = true
	}
	for _, v := range verdictPriority {
		if present[v] {
			return v
		}
	}
	return VerdictIE
}

// StatusForVerdict maps a final verdict to the terminal submission status.
func StatusForVerdict(verdict string) SubmissionStatus {
	switch verdict {
	case VerdictAC, VerdictWA, VerdictPE:
		return StatusCompleted
	case VerdictTLE:
		return StatusTimeout
	default:
		return StatusFailed
	}
}
