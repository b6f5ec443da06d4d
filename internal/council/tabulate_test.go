package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slate(confidences map[string]float64, ids ...string) []Proposal {
	out := make([]Proposal, 0, len(ids))
	for _, id := range ids {
		out = append(out, Proposal{ID: id, Confidence: confidences[id], FixApproach: "fix-" + id})
	}
	return out
}

func ballot(voter string, ranking ...string) Ballot {
	return Ballot{VoterID: voter, Ranking: ranking}
}

func TestTabulateStrictMajorityFirstRound(t *testing.T) {
	proposals := slate(nil, "A", "B", "C")
	ballots := []Ballot{
		ballot("v1", "A", "B", "C"),
		ballot("v2", "A", "C", "B"),
		ballot("v3", "B", "A", "C"),
	}

	winner, rounds, err := Tabulate(proposals, ballots)
	require.NoError(t, err)
	assert.Equal(t, "A", winner.ID)
	require.Len(t, rounds, 1)
	assert.Equal(t, map[string]int{"A": 2, "B": 1, "C": 0}, rounds[0].Tally)
	assert.Empty(t, rounds[0].Eliminated)
}

func TestTabulateRunoffTransfersVotes(t *testing.T) {
	// No first-round majority. C has the fewest first-place votes and
	// is eliminated; both C ballots transfer to B, which then wins.
	proposals := slate(nil, "A", "B", "C")
	ballots := []Ballot{
		ballot("v1", "A", "B", "C"),
		ballot("v2", "A", "B", "C"),
		ballot("v3", "B", "C", "A"),
		ballot("v4", "C", "B", "A"),
		ballot("v5", "C", "B", "A"),
	}

	winner, rounds, err := Tabulate(proposals, ballots)
	require.NoError(t, err)
	assert.Equal(t, "B", winner.ID)
	require.Len(t, rounds, 2)
	assert.Equal(t, "C", rounds[0].Eliminated)
	assert.Equal(t, map[string]int{"A": 2, "B": 3}, rounds[1].Tally)
}

func TestTabulateFivePanelFullRunoff(t *testing.T) {
	// A five-voter panel where everyone leads with their own proposal.
	// With equal confidence the tie chain falls through to the
	// lexicographic rule, so E goes first, then D, then B, and A takes
	// a 3-of-5 strict majority against C.
	proposals := slate(map[string]float64{"A": 0.8, "B": 0.8, "C": 0.8, "D": 0.8, "E": 0.8},
		"A", "B", "C", "D", "E")
	ballots := []Ballot{
		ballot("v1", "A", "D", "C", "B", "E"),
		ballot("v2", "B", "A", "C", "D", "E"),
		ballot("v3", "C", "A", "D", "E", "B"),
		ballot("v4", "D", "A", "C", "E", "B"),
		ballot("v5", "E", "C", "A", "D", "B"),
	}

	winner, rounds, err := Tabulate(proposals, ballots)
	require.NoError(t, err)
	assert.Equal(t, "A", winner.ID)
	require.Len(t, rounds, 4)
	assert.Equal(t, "E", rounds[0].Eliminated)
	assert.Equal(t, "D", rounds[1].Eliminated)
	assert.Equal(t, "B", rounds[2].Eliminated)
	assert.Equal(t, map[string]int{"A": 3, "C": 2}, rounds[3].Tally)
}

func TestTabulateTieBrokenByConfidence(t *testing.T) {
	// A and B tie on first-place votes; B's lower confidence sends it
	// out before the lexicographic rule is ever consulted.
	proposals := slate(map[string]float64{"A": 0.9, "B": 0.4}, "A", "B")
	ballots := []Ballot{
		ballot("v1", "A", "B"),
		ballot("v2", "B", "A"),
	}

	winner, rounds, err := Tabulate(proposals, ballots)
	require.NoError(t, err)
	assert.Equal(t, "A", winner.ID)
	require.Len(t, rounds, 2)
	assert.Equal(t, "B", rounds[0].Eliminated)
}

func TestTabulateTieBrokenByLexLastID(t *testing.T) {
	proposals := slate(map[string]float64{"A": 0.5, "B": 0.5}, "A", "B")
	ballots := []Ballot{
		ballot("v1", "A", "B"),
		ballot("v2", "B", "A"),
	}

	winner, rounds, err := Tabulate(proposals, ballots)
	require.NoError(t, err)
	assert.Equal(t, "A", winner.ID)
	assert.Equal(t, "B", rounds[0].Eliminated)
}

func TestTabulateDeterministic(t *testing.T) {
	proposals := slate(map[string]float64{"A": 0.5, "B": 0.5, "C": 0.5, "D": 0.5},
		"A", "B", "C", "D")
	ballots := []Ballot{
		ballot("v1", "A", "B", "C", "D"),
		ballot("v2", "B", "C", "D", "A"),
		ballot("v3", "C", "D", "A", "B"),
		ballot("v4", "D", "A", "B", "C"),
	}

	first, firstRounds, err := Tabulate(proposals, ballots)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		winner, rounds, err := Tabulate(proposals, ballots)
		require.NoError(t, err)
		assert.Equal(t, first.ID, winner.ID)
		assert.Equal(t, firstRounds, rounds)
	}
}

func TestValidateBallotRejectsMalformed(t *testing.T) {
	proposals := slate(nil, "A", "B", "C")

	tests := []struct {
		name   string
		ballot Ballot
	}{
		{"short ranking", ballot("v1", "A", "B")},
		{"unknown proposal", ballot("v1", "A", "B", "Z")},
		{"duplicate entry", ballot("v1", "A", "B", "B")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBallot(tt.ballot, proposals)
			assert.Error(t, err)

			_, _, err = Tabulate(proposals, []Ballot{tt.ballot})
			assert.Error(t, err)
		})
	}
}

func TestTabulateRejectsEmptyInputs(t *testing.T) {
	_, _, err := Tabulate(nil, []Ballot{ballot("v1")})
	assert.Error(t, err)

	_, _, err = Tabulate(slate(nil, "A"), nil)
	assert.Error(t, err)
}

func TestSynthesizeOrdersAndDedupesEvidence(t *testing.T) {
	winner := Proposal{
		ID:          "B",
		FixApproach: "retry with backoff",
		FixLocation: "internal/sync/poller.go",
		Evidence:    []string{"timeout in poller", "shared evidence"},
	}
	proposals := []Proposal{
		{ID: "C", Evidence: []string{"stack trace points at poller"}},
		winner,
		{ID: "A", Evidence: []string{"shared evidence", "flaky fixture", ""}},
	}

	s := Synthesize(winner, proposals)
	assert.Equal(t, "B", s.WinnerID)
	assert.Equal(t, "retry with backoff", s.PrimaryAction)
	assert.Equal(t, "internal/sync/poller.go", s.FixLocation)
	assert.Equal(t, []string{
		"timeout in poller",
		"shared evidence",
		"flaky fixture",
		"stack trace points at poller",
	}, s.SupportingEvidence)
}
