package task

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Signature is the fingerprint of one failed attempt: a hash of the
// changed artifact set, the failing check identifiers, and the primary
// error message. Two attempts with equal signatures are the same
// failure recurring, not independent failures.
type Signature string

// ComputeSignature derives a signature. Both input sets are treated as
// unordered; duplicates are ignored.
func ComputeSignature(changedArtifacts, failingChecks []string, primaryError string) Signature {
	h := sha256.New()
	for _, a := range NormalizeSet(changedArtifacts) {
		h.Write([]byte("a:" + a + "\n"))
	}
	for _, c := range NormalizeSet(failingChecks) {
		h.Write([]byte("c:" + c + "\n"))
	}
	h.Write([]byte("e:" + primaryError))
	return Signature(hex.EncodeToString(h.Sum(nil)))
}

// SyntheticSignature fingerprints an infrastructure failure (timeout,
// unreachable collaborator). The kind prefix keeps infrastructure
// failures from colliding with real quality failures, while repeated
// identical infrastructure failures still produce equal signatures.
func SyntheticSignature(kind, detail string) Signature {
	return ComputeSignature(nil, []string{"infra:" + kind}, detail)
}

// NormalizeSet sorts and deduplicates, giving slices set semantics.
func NormalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for _, s := range out {
		if s == "" {
			continue
		}
		if n > 0 && out[n-1] == s {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}

// SameArtifacts reports whether two attempts touched an identical set
// of artifacts. Both histories store artifacts normalized, so a direct
// comparison suffices.
func SameArtifacts(a, b Attempt) bool {
	if len(a.ChangedArtifacts) != len(b.ChangedArtifacts) {
		return false
	}
	for i := range a.ChangedArtifacts {
		if a.ChangedArtifacts[i] != b.ChangedArtifacts[i] {
			return false
		}
	}
	return true
}

// FailingChecks extracts check identifiers from findings, for signature
// computation.
func FailingChecks(findings []Finding) []string {
	if len(findings) == 0 {
		return nil
	}
	checks := make([]string, 0, len(findings))
	for _, f := range findings {
		checks = append(checks, f.Check)
	}
	return checks
}

// PrimaryError picks the message used as the signature's error
// component: the first finding's message, matching the order the
// quality gate reported.
func PrimaryError(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	return strings.TrimSpace(findings[0].Message)
}
