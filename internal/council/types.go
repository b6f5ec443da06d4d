package council

import (
	"context"
	"time"

	"github.com/forgeloop/crucible/internal/task"
)

// Proposal is one voter's candidate explanation and fix.
type Proposal struct {
	// ID is a short token, unique within a session. The engine assigns
	// sequential letters when convening, so voters need not coordinate.
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
	FixLocation string   `json:"fix_location,omitempty"`
	FixApproach string   `json:"fix_approach"`
}

// Ballot is one voter's total ordering over all proposals in a
// session, most preferred first. A valid ballot ranks every proposal
// exactly once: no ties, no omissions.
type Ballot struct {
	VoterID string   `json:"voter_id"`
	Ranking []string `json:"ranking"`
}

// Round records one tabulation round for the session report.
type Round struct {
	Number     int            `json:"number"`
	Tally      map[string]int `json:"tally"`
	Eliminated string         `json:"eliminated,omitempty"`
}

// Synthesis is the council's final recommendation: the winning
// proposal's fix approach as primary action, plus every proposal's
// distinct evidence as supporting context. No evidence is discarded
// even though only one proposal wins.
type Synthesis struct {
	WinnerID           string   `json:"winner_id"`
	PrimaryAction      string   `json:"primary_action"`
	FixLocation        string   `json:"fix_location,omitempty"`
	SupportingEvidence []string `json:"supporting_evidence,omitempty"`
}

// Session is the ephemeral aggregate of one council run. It exists
// only between escalation exhaustion and the next controller attempt.
type Session struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	CreatedAt time.Time  `json:"created_at"`
	Proposals []Proposal `json:"proposals"`
	Ballots   []Ballot   `json:"ballots"`
	Rounds    []Round    `json:"rounds"`
	Winner    string     `json:"winner"`
	Synthesis Synthesis  `json:"synthesis"`
}

// FailureContext is the shared context every voter receives: what the
// task was trying to do and the full record of how it failed.
type FailureContext struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Scope       []string       `json:"scope,omitempty"`
	History     []task.Attempt `json:"history"`
}

// Voter is one independent diagnosis collaborator. Propose produces a
// candidate diagnosis from the shared failure context; Vote ranks the
// full proposal set once every voter has proposed. The engine is
// agnostic to how a voter forms its opinion.
type Voter interface {
	Propose(ctx context.Context, fc FailureContext) (Proposal, error)
	Vote(ctx context.Context, fc FailureContext, proposals []Proposal) (Ballot, error)
}
