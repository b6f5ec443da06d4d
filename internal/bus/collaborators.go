package bus

import (
	"context"

	"github.com/forgeloop/crucible/internal/controller"
	"github.com/forgeloop/crucible/internal/council"
	"github.com/forgeloop/crucible/internal/sprint"
)

// ScopeCheckRequest is the wire form of a scope-check call.
type ScopeCheckRequest struct {
	Scope   []string `json:"scope"`
	Changed []string `json:"changed"`
}

// QualityRequest is the wire form of a quality-gate call.
type QualityRequest struct {
	ChangedArtifacts []string `json:"changed_artifacts"`
}

// RequirementsRequest is the wire form of a requirements-check call.
type RequirementsRequest struct {
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	ChangedArtifacts   []string `json:"changed_artifacts"`
}

// VoteRequest is the wire form of the council vote phase: the shared
// failure context plus the full proposal slate.
type VoteRequest struct {
	Context   council.FailureContext `json:"context"`
	Proposals []council.Proposal     `json:"proposals"`
}

// Collaborators implements all four per-task collaborator contracts
// over NATS request/reply.
type Collaborators struct {
	client *Client
}

// NewCollaborators creates the per-task collaborator adapter.
func NewCollaborators(client *Client) *Collaborators {
	return &Collaborators{client: client}
}

var (
	_ controller.Implementer         = (*Collaborators)(nil)
	_ controller.ScopeChecker        = (*Collaborators)(nil)
	_ controller.QualityGate         = (*Collaborators)(nil)
	_ controller.RequirementsChecker = (*Collaborators)(nil)
)

func (c *Collaborators) Implement(ctx context.Context, req controller.ImplementRequest) (controller.ImplementResult, error) {
	var res controller.ImplementResult
	err := c.client.Request(ctx, SubjectImplement, req, &res)
	return res, err
}

func (c *Collaborators) CheckScope(ctx context.Context, scope, changed []string) (controller.ScopeCheckResult, error) {
	var res controller.ScopeCheckResult
	err := c.client.Request(ctx, SubjectScopeCheck, ScopeCheckRequest{Scope: scope, Changed: changed}, &res)
	return res, err
}

func (c *Collaborators) CheckQuality(ctx context.Context, changed []string) (controller.QualityResult, error) {
	var res controller.QualityResult
	err := c.client.Request(ctx, SubjectQuality, QualityRequest{ChangedArtifacts: changed}, &res)
	return res, err
}

func (c *Collaborators) CheckRequirements(ctx context.Context, criteria, changed []string) (controller.RequirementsResult, error) {
	var res controller.RequirementsResult
	err := c.client.Request(ctx, SubjectRequirements, RequirementsRequest{
		AcceptanceCriteria: criteria,
		ChangedArtifacts:   changed,
	}, &res)
	return res, err
}

// Voter is a council voter reached over NATS. Each voter id maps to
// its own propose and vote subjects.
type Voter struct {
	id     string
	client *Client
}

// NewVoter creates a remote voter adapter.
func NewVoter(id string, client *Client) *Voter {
	return &Voter{id: id, client: client}
}

var _ council.Voter = (*Voter)(nil)

func (v *Voter) Propose(ctx context.Context, fc council.FailureContext) (council.Proposal, error) {
	var p council.Proposal
	err := v.client.Request(ctx, ProposeSubject(v.id), fc, &p)
	return p, err
}

func (v *Voter) Vote(ctx context.Context, fc council.FailureContext, proposals []council.Proposal) (council.Ballot, error) {
	var b council.Ballot
	err := v.client.Request(ctx, VoteSubject(v.id), VoteRequest{Context: fc, Proposals: proposals}, &b)
	if err == nil && b.VoterID == "" {
		b.VoterID = v.id
	}
	return b, err
}

// Gate is a sprint-wide gate reached over NATS.
type Gate struct {
	name   sprint.GateName
	client *Client
}

// NewGate creates a remote gate adapter.
func NewGate(name sprint.GateName, client *Client) *Gate {
	return &Gate{name: name, client: client}
}

var _ sprint.Gate = (*Gate)(nil)

func (g *Gate) Name() sprint.GateName { return g.name }

func (g *Gate) Check(ctx context.Context, summary sprint.Summary) (sprint.GateResult, error) {
	var res sprint.GateResult
	err := g.client.Request(ctx, GateSubject(string(g.name)), summary, &res)
	return res, err
}

// AllGates returns remote adapters for the full fixed gate set.
func AllGates(client *Client) []sprint.Gate {
	gates := make([]sprint.Gate, 0, len(sprint.AllGates()))
	for _, name := range sprint.AllGates() {
		gates = append(gates, NewGate(name, client))
	}
	return gates
}
