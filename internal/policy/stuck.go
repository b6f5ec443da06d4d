package policy

import (
	"github.com/forgeloop/crucible/internal/task"
)

// stuckWindow is how many trailing attempts the detector inspects.
// Only the tail is examined, so a check is O(1) regardless of history
// length.
const stuckWindow = 3

// Stuck reports whether the controller is making no distinguishable
// progress: the last three attempts share an identical failure
// signature, or they touched an identical artifact set while all three
// failed the quality gate. Fewer than three attempts is never stuck.
//
// Failure counting alone cannot tell "three different wrong fixes"
// from "the same broken fix three times"; the latter means feedback is
// not being incorporated and warrants a different remediation strategy,
// not just a bigger tier.
func Stuck(history []task.Attempt) bool {
	if len(history) < stuckWindow {
		return false
	}
	tail := history[len(history)-stuckWindow:]

	sameSignature := tail[0].FailureSignature != ""
	sameArtifacts := true
	allQualityFail := true

	for _, a := range tail {
		if a.FailureSignature == "" || a.FailureSignature != tail[0].FailureSignature {
			sameSignature = false
		}
		if !task.SameArtifacts(a, tail[0]) {
			sameArtifacts = false
		}
		if a.QualityVerdict != task.VerdictFail {
			allQualityFail = false
		}
	}

	return sameSignature || (sameArtifacts && allQualityFail)
}
