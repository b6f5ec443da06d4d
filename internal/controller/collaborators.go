package controller

import (
	"context"

	"github.com/forgeloop/crucible/internal/council"
	"github.com/forgeloop/crucible/internal/task"
)

// ImplementRequest carries everything the implementation step needs to
// act on a task. On a retry the full attempt history rides along; if a
// council session just concluded, its synthesis does too.
type ImplementRequest struct {
	TaskID      string             `json:"task_id"`
	Description string             `json:"description"`
	Scope       []string           `json:"scope"`
	Tier        task.Tier          `json:"tier"`
	History     []task.Attempt     `json:"history,omitempty"`
	Synthesis   *council.Synthesis `json:"synthesis,omitempty"`

	// StricterScope is set on the single re-invocation after a scope
	// violation; RevertedArtifacts names what was rolled back.
	StricterScope     bool     `json:"stricter_scope,omitempty"`
	RevertedArtifacts []string `json:"reverted_artifacts,omitempty"`
}

// ImplementResult is the set of artifacts the implementation step
// changed.
type ImplementResult struct {
	ChangedArtifacts []string `json:"changed_artifacts"`
}

// Implementer performs the actual work of an iteration.
type Implementer interface {
	Implement(ctx context.Context, req ImplementRequest) (ImplementResult, error)
}

// ScopeCheckResult reports whether all changed artifacts fall inside
// the declared scope.
type ScopeCheckResult struct {
	Pass       bool     `json:"pass"`
	OutOfScope []string `json:"out_of_scope,omitempty"`
}

// ScopeChecker verifies changed artifacts against a task's scope.
type ScopeChecker interface {
	CheckScope(ctx context.Context, scope, changed []string) (ScopeCheckResult, error)
}

// QualityResult is the quality gate's verdict with structured findings.
// A halt verdict marks the failure as final by policy.
type QualityResult struct {
	Verdict  task.Verdict   `json:"verdict"`
	Findings []task.Finding `json:"findings,omitempty"`
}

// QualityGate inspects changed artifacts for defects.
type QualityGate interface {
	CheckQuality(ctx context.Context, changed []string) (QualityResult, error)
}

// RequirementsResult is the requirements check's verdict with the
// unmet acceptance criteria.
type RequirementsResult struct {
	Verdict task.Verdict `json:"verdict"`
	Gaps    []string     `json:"gaps,omitempty"`
}

// RequirementsChecker verifies changed artifacts against acceptance
// criteria.
type RequirementsChecker interface {
	CheckRequirements(ctx context.Context, criteria, changed []string) (RequirementsResult, error)
}

// Counselor convenes a consensus session over a stuck task's failure
// context. Satisfied by *council.Engine.
type Counselor interface {
	Convene(ctx context.Context, fc council.FailureContext) (*council.Session, error)
}

// Checkpointer persists a task snapshot after each iteration so a
// crash resumes from the last completed iteration.
type Checkpointer interface {
	SaveTask(ctx context.Context, t *task.Task) error
}
