package council

import (
	"fmt"
	"sort"
)

// ValidateBallot checks that a ballot is a strict permutation of the
// proposal set: every proposal ranked exactly once.
func ValidateBallot(b Ballot, proposals []Proposal) error {
	if len(b.Ranking) != len(proposals) {
		return fmt.Errorf("ballot from %s ranks %d proposals, want %d", b.VoterID, len(b.Ranking), len(proposals))
	}
	known := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		known[p.ID] = true
	}
	seen := make(map[string]bool, len(b.Ranking))
	for _, id := range b.Ranking {
		if !known[id] {
			return fmt.Errorf("ballot from %s ranks unknown proposal %q", b.VoterID, id)
		}
		if seen[id] {
			return fmt.Errorf("ballot from %s ranks proposal %q twice", b.VoterID, id)
		}
		seen[id] = true
	}
	return nil
}

// Tabulate runs instant-runoff tabulation and returns the winning
// proposal plus the per-round record. The result is fully
// deterministic: ties for fewest first-place votes are broken by
// lowest confidence, then by the ID that sorts last lexicographically.
func Tabulate(proposals []Proposal, ballots []Ballot) (Proposal, []Round, error) {
	if len(proposals) == 0 {
		return Proposal{}, nil, fmt.Errorf("no proposals to tabulate")
	}
	if len(ballots) == 0 {
		return Proposal{}, nil, fmt.Errorf("no ballots to tabulate")
	}
	for _, b := range ballots {
		if err := ValidateBallot(b, proposals); err != nil {
			return Proposal{}, nil, err
		}
	}

	byID := make(map[string]Proposal, len(proposals))
	remaining := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		if _, dup := byID[p.ID]; dup {
			return Proposal{}, nil, fmt.Errorf("duplicate proposal id %q", p.ID)
		}
		byID[p.ID] = p
		remaining[p.ID] = true
	}

	var rounds []Round
	for number := 1; ; number++ {
		// Every round re-reads each ballot in full: first place means
		// the first-ranked proposal not yet eliminated.
		tally := make(map[string]int, len(remaining))
		for id := range remaining {
			tally[id] = 0
		}
		for _, b := range ballots {
			for _, id := range b.Ranking {
				if remaining[id] {
					tally[id]++
					break
				}
			}
		}

		round := Round{Number: number, Tally: tally}

		if winnerID, ok := winnerOf(tally, len(ballots)); ok {
			rounds = append(rounds, round)
			return byID[winnerID], rounds, nil
		}

		eliminated := pickElimination(tally, byID)
		delete(remaining, eliminated)
		round.Eliminated = eliminated
		rounds = append(rounds, round)
	}
}

// winnerOf reports a winner when one proposal holds a strict majority
// of ballots or is the only one remaining.
func winnerOf(tally map[string]int, totalBallots int) (string, bool) {
	if len(tally) == 1 {
		for id := range tally {
			return id, true
		}
	}
	for id, votes := range tally {
		if votes*2 > totalBallots {
			return id, true
		}
	}
	return "", false
}

// pickElimination selects the single proposal to eliminate this round:
// fewest first-place votes, then lowest confidence, then the ID that
// sorts last lexicographically.
func pickElimination(tally map[string]int, byID map[string]Proposal) string {
	fewest := -1
	for _, votes := range tally {
		if fewest < 0 || votes < fewest {
			fewest = votes
		}
	}

	var tied []string
	for id, votes := range tally {
		if votes == fewest {
			tied = append(tied, id)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	lowest := byID[tied[0]].Confidence
	for _, id := range tied[1:] {
		if byID[id].Confidence < lowest {
			lowest = byID[id].Confidence
		}
	}
	var lowTied []string
	for _, id := range tied {
		if byID[id].Confidence == lowest {
			lowTied = append(lowTied, id)
		}
	}
	if len(lowTied) == 1 {
		return lowTied[0]
	}

	sort.Strings(lowTied)
	return lowTied[len(lowTied)-1]
}

// Synthesize builds the council's recommendation from the winner and
// the full proposal set. Evidence from losing proposals is kept: a
// proposal that lost the vote may still have seen something real.
func Synthesize(winner Proposal, proposals []Proposal) Synthesis {
	s := Synthesis{
		WinnerID:      winner.ID,
		PrimaryAction: winner.FixApproach,
		FixLocation:   winner.FixLocation,
	}

	seen := make(map[string]bool)
	add := func(entries []string) {
		for _, e := range entries {
			if e == "" || seen[e] {
				continue
			}
			seen[e] = true
			s.SupportingEvidence = append(s.SupportingEvidence, e)
		}
	}

	add(winner.Evidence)

	rest := make([]Proposal, 0, len(proposals))
	for _, p := range proposals {
		if p.ID != winner.ID {
			rest = append(rest, p)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	for _, p := range rest {
		add(p.Evidence)
	}

	return s
}
