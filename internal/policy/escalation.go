package policy

import (
	"github.com/forgeloop/crucible/internal/task"
)

// Decision is the escalation policy's verdict for the next iteration.
type Decision string

const (
	// DecisionHold retries at the current tier.
	DecisionHold Decision = "hold"

	// DecisionEscalate moves to the next-higher tier; the caller resets
	// its consecutive-failure count for the new tier.
	DecisionEscalate Decision = "escalate"

	// DecisionExhausted means the top tier has reached the failure
	// threshold; ordinary escalation has nothing left.
	DecisionExhausted Decision = "exhausted"
)

// DefaultEscalationThreshold is the consecutive-failure count at one
// tier that triggers a move to the next. A single global threshold
// applies to every tier transition; per-tier thresholds are
// deliberately not supported.
const DefaultEscalationThreshold = 2

// Escalator decides the next tier from the current tier and the
// consecutive-failure count at that tier.
type Escalator struct {
	threshold int
}

// NewEscalator creates an escalator. threshold <= 0 falls back to
// DefaultEscalationThreshold.
func NewEscalator(threshold int) *Escalator {
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	return &Escalator{threshold: threshold}
}

// Threshold returns the global escalation threshold.
func (e *Escalator) Threshold() int {
	return e.threshold
}

// Next returns the tier for the next attempt and the decision that
// produced it. Tiers only move up; a hold keeps the current tier.
func (e *Escalator) Next(current task.Tier, consecutiveFailures int) (task.Tier, Decision) {
	if consecutiveFailures < e.threshold {
		return current, DecisionHold
	}
	if !current.IsTop() {
		return current.Next(), DecisionEscalate
	}
	return current, DecisionExhausted
}
