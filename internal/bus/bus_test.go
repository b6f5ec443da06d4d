package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgeloop/crucible/internal/controller"
	"github.com/forgeloop/crucible/internal/council"
	"github.com/forgeloop/crucible/internal/sprint"
	"github.com/forgeloop/crucible/internal/task"
)

func startBus(t *testing.T) (*Client, *nats.Conn) {
	t.Helper()
	server, err := StartEmbedded("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	client, err := Connect(server.ClientURL(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	// Separate connection for the responder side.
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return client, nc
}

// respond registers a JSON responder on a subject.
func respond(t *testing.T, nc *nats.Conn, subject string, handler func(data []byte) any) {
	t.Helper()
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		reply, err := json.Marshal(handler(msg.Data))
		require.NoError(t, err)
		require.NoError(t, msg.Respond(reply))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestCollaboratorsRoundTrip(t *testing.T) {
	client, nc := startBus(t)
	collab := NewCollaborators(client)
	ctx := context.Background()

	respond(t, nc, SubjectImplement, func(data []byte) any {
		var req controller.ImplementRequest
		require.NoError(t, json.Unmarshal(data, &req))
		assert.Equal(t, "task-1", req.TaskID)
		return controller.ImplementResult{ChangedArtifacts: []string{"internal/poller/poll.go"}}
	})
	respond(t, nc, SubjectScopeCheck, func(data []byte) any {
		var req ScopeCheckRequest
		require.NoError(t, json.Unmarshal(data, &req))
		return controller.ScopeCheckResult{Pass: true}
	})
	respond(t, nc, SubjectQuality, func([]byte) any {
		return controller.QualityResult{
			Verdict:  task.VerdictFail,
			Findings: []task.Finding{{Check: "lint", Message: "nil deref"}},
		}
	})
	respond(t, nc, SubjectRequirements, func([]byte) any {
		return controller.RequirementsResult{Verdict: task.VerdictPass}
	})

	impl, err := collab.Implement(ctx, controller.ImplementRequest{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/poller/poll.go"}, impl.ChangedArtifacts)

	scope, err := collab.CheckScope(ctx, []string{"internal/poller"}, impl.ChangedArtifacts)
	require.NoError(t, err)
	assert.True(t, scope.Pass)

	quality, err := collab.CheckQuality(ctx, impl.ChangedArtifacts)
	require.NoError(t, err)
	assert.Equal(t, task.VerdictFail, quality.Verdict)
	require.Len(t, quality.Findings, 1)

	reqs, err := collab.CheckRequirements(ctx, []string{"no crash"}, impl.ChangedArtifacts)
	require.NoError(t, err)
	assert.Equal(t, task.VerdictPass, reqs.Verdict)
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	client, _ := startBus(t)
	collab := NewCollaborators(client)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := collab.CheckQuality(ctx, []string{"a.go"})
	require.Error(t, err)
}

func TestVoterRoundTrip(t *testing.T) {
	client, nc := startBus(t)
	voter := NewVoter("analyst-1", client)
	ctx := context.Background()

	respond(t, nc, ProposeSubject("analyst-1"), func(data []byte) any {
		var fc council.FailureContext
		require.NoError(t, json.Unmarshal(data, &fc))
		assert.Equal(t, "task-1", fc.TaskID)
		return council.Proposal{
			Description: "poller dereferences empty batch",
			Confidence:  0.7,
			FixApproach: "guard the batch before indexing",
		}
	})
	respond(t, nc, VoteSubject("analyst-1"), func(data []byte) any {
		var req VoteRequest
		require.NoError(t, json.Unmarshal(data, &req))
		ranking := make([]string, 0, len(req.Proposals))
		for _, p := range req.Proposals {
			ranking = append(ranking, p.ID)
		}
		return council.Ballot{Ranking: ranking}
	})

	p, err := voter.Propose(ctx, council.FailureContext{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, 0.7, p.Confidence)

	b, err := voter.Vote(ctx, council.FailureContext{TaskID: "task-1"},
		[]council.Proposal{{ID: "A"}, {ID: "B"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, b.Ranking)
	assert.Equal(t, "analyst-1", b.VoterID, "voter id filled in when responder omits it")
}

func TestGateRoundTrip(t *testing.T) {
	client, nc := startBus(t)
	ctx := context.Background()

	respond(t, nc, GateSubject("security"), func(data []byte) any {
		var summary sprint.Summary
		require.NoError(t, json.Unmarshal(data, &summary))
		assert.Equal(t, "sprint-1", summary.SprintID)
		return sprint.GateResult{
			Gate:    sprint.GateSecurity,
			Verdict: task.VerdictFail,
			Findings: []task.Finding{
				{Check: "security", Message: "token logged in plaintext"},
			},
		}
	})

	gate := NewGate(sprint.GateSecurity, client)
	res, err := gate.Check(ctx, sprint.Summary{SprintID: "sprint-1"})
	require.NoError(t, err)
	assert.Equal(t, task.VerdictFail, res.Verdict)
	require.Len(t, res.Findings, 1)
}

func TestAllGatesCoversFixedSet(t *testing.T) {
	client, _ := startBus(t)
	gates := AllGates(client)
	require.Len(t, gates, len(sprint.AllGates()))
	for i, name := range sprint.AllGates() {
		assert.Equal(t, name, gates[i].Name())
	}
}
