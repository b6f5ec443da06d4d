package council

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockVoter struct {
	mock.Mock
}

func (m *mockVoter) Propose(ctx context.Context, fc FailureContext) (Proposal, error) {
	args := m.Called(ctx, fc)
	return args.Get(0).(Proposal), args.Error(1)
}

func (m *mockVoter) Vote(ctx context.Context, fc FailureContext, proposals []Proposal) (Ballot, error) {
	args := m.Called(ctx, fc, proposals)
	return args.Get(0).(Ballot), args.Error(1)
}

// scriptedVoter proposes a fixed approach and ranks the slate in a
// fixed preference order.
type scriptedVoter struct {
	name       string
	proposal   Proposal
	preference []string
}

func (v *scriptedVoter) Propose(_ context.Context, _ FailureContext) (Proposal, error) {
	return v.proposal, nil
}

func (v *scriptedVoter) Vote(_ context.Context, _ FailureContext, proposals []Proposal) (Ballot, error) {
	// Rank by the scripted preference over assigned IDs.
	ranking := make([]string, 0, len(proposals))
	for _, id := range v.preference {
		ranking = append(ranking, id)
	}
	return Ballot{VoterID: v.name, Ranking: ranking}, nil
}

func TestNewEngineValidatesPanel(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := NewEngine(nil, DefaultEngineConfig(), logger)
	assert.Error(t, err)

	_, err = NewEngine([]Voter{&scriptedVoter{}}, DefaultEngineConfig(), logger)
	assert.Error(t, err)

	e, err := NewEngine([]Voter{&scriptedVoter{}, &scriptedVoter{}}, EngineConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig().PhaseTimeout, e.cfg.PhaseTimeout)
}

func TestConveneFullSession(t *testing.T) {
	voters := []Voter{
		&scriptedVoter{
			name:       "v1",
			proposal:   Proposal{Confidence: 0.8, FixApproach: "null-check the cursor", Evidence: []string{"nil deref in log"}},
			preference: []string{"A", "D", "C", "B", "E"},
		},
		&scriptedVoter{
			name:       "v2",
			proposal:   Proposal{Confidence: 0.8, FixApproach: "widen the retry window"},
			preference: []string{"B", "A", "C", "D", "E"},
		},
		&scriptedVoter{
			name:       "v3",
			proposal:   Proposal{Confidence: 0.8, FixApproach: "pin the schema version"},
			preference: []string{"C", "A", "D", "E", "B"},
		},
		&scriptedVoter{
			name:       "v4",
			proposal:   Proposal{Confidence: 0.8, FixApproach: "drain before close"},
			preference: []string{"D", "A", "C", "E", "B"},
		},
		&scriptedVoter{
			name:       "v5",
			proposal:   Proposal{Confidence: 0.8, FixApproach: "rebuild the index"},
			preference: []string{"E", "C", "A", "D", "B"},
		},
	}

	e, err := NewEngine(voters, DefaultEngineConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	fc := FailureContext{TaskID: "task-1", Description: "poller crashes on empty batch"}
	session, err := e.Convene(context.Background(), fc)
	require.NoError(t, err)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "task-1", session.TaskID)
	require.Len(t, session.Proposals, 5)
	for i, want := range []string{"A", "B", "C", "D", "E"} {
		assert.Equal(t, want, session.Proposals[i].ID)
	}
	require.Len(t, session.Ballots, 5)
	assert.Equal(t, "A", session.Winner)
	assert.Equal(t, "null-check the cursor", session.Synthesis.PrimaryAction)
	assert.Contains(t, session.Synthesis.SupportingEvidence, "nil deref in log")
	require.Len(t, session.Rounds, 4)
	assert.Equal(t, "E", session.Rounds[0].Eliminated)
}

func TestConveneProposeFailureAborts(t *testing.T) {
	good := &mockVoter{}
	good.On("Propose", mock.Anything, mock.Anything).Return(Proposal{Confidence: 0.5}, nil).Maybe()
	good.On("Vote", mock.Anything, mock.Anything, mock.Anything).Return(Ballot{}, nil).Maybe()

	bad := &mockVoter{}
	bad.On("Propose", mock.Anything, mock.Anything).Return(Proposal{}, errors.New("model unavailable"))

	e, err := NewEngine([]Voter{good, bad}, DefaultEngineConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = e.Convene(context.Background(), FailureContext{TaskID: "task-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "propose phase")
	bad.AssertNotCalled(t, "Vote", mock.Anything, mock.Anything, mock.Anything)
}

func TestConveneVoteFailureAborts(t *testing.T) {
	voters := make([]Voter, 0, 2)
	for i := 0; i < 2; i++ {
		m := &mockVoter{}
		m.On("Propose", mock.Anything, mock.Anything).Return(Proposal{Confidence: 0.5}, nil)
		m.On("Vote", mock.Anything, mock.Anything, mock.Anything).Return(Ballot{}, errors.New("vote timed out"))
		voters = append(voters, m)
	}

	e, err := NewEngine(voters, DefaultEngineConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = e.Convene(context.Background(), FailureContext{TaskID: "task-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vote phase")
}

func TestConveneClampsConfidence(t *testing.T) {
	voters := []Voter{
		&scriptedVoter{name: "v1", proposal: Proposal{Confidence: 1.7}, preference: []string{"A", "B"}},
		&scriptedVoter{name: "v2", proposal: Proposal{Confidence: -0.2}, preference: []string{"A", "B"}},
	}
	e, err := NewEngine(voters, DefaultEngineConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	session, err := e.Convene(context.Background(), FailureContext{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, session.Proposals[0].Confidence)
	assert.Equal(t, 0.0, session.Proposals[1].Confidence)
}
