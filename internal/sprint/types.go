package sprint

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/crucible/internal/task"
)

// GateName identifies one of the fixed sprint-wide gates.
type GateName string

const (
	GateIntegration       GateName = "integration"
	GateSecurity          GateName = "security"
	GatePerformance       GateName = "performance"
	GateRequirements      GateName = "requirements"
	GateDocumentation     GateName = "documentation"
	GateProcessCompliance GateName = "process-compliance"
)

// AllGates returns the gate sequence in evaluation order. The set and
// order are fixed; a sprint passes only when every one of them does.
func AllGates() []GateName {
	return []GateName{
		GateIntegration,
		GateSecurity,
		GatePerformance,
		GateRequirements,
		GateDocumentation,
		GateProcessCompliance,
	}
}

// GateResult is one gate's verdict over the sprint aggregate.
type GateResult struct {
	Gate      GateName       `json:"gate"`
	Verdict   task.Verdict   `json:"verdict"`
	Findings  []task.Finding `json:"findings,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Sprint is a batch of tasks validated together. GateResults holds the
// most recent verdict per gate; CorrectionRounds counts how many times
// gate findings have spawned corrective tasks.
type Sprint struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Status           task.Status             `json:"status"`
	Tasks            []*task.Task            `json:"tasks"`
	GateResults      map[GateName]GateResult `json:"gate_results,omitempty"`
	CorrectionRounds int                     `json:"correction_rounds"`
	FailureReason    string                  `json:"failure_reason,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// NewSprint creates a pending sprint over the given tasks.
func NewSprint(name string, tasks []*task.Task) *Sprint {
	now := time.Now()
	return &Sprint{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    task.StatusPending,
		Tasks:     tasks,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TaskByID returns the sprint task with the given id, or nil.
func (s *Sprint) TaskByID(id string) *task.Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ChangedArtifacts returns the union of artifacts changed by every
// attempt across the sprint, normalized.
func (s *Sprint) ChangedArtifacts() []string {
	var all []string
	for _, t := range s.Tasks {
		for _, a := range t.History {
			all = append(all, a.ChangedArtifacts...)
		}
	}
	return task.NormalizeSet(all)
}

// Clone returns a deep copy for durable snapshots.
func (s *Sprint) Clone() *Sprint {
	cp := *s
	cp.Tasks = make([]*task.Task, len(s.Tasks))
	for i, t := range s.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	if s.GateResults != nil {
		cp.GateResults = make(map[GateName]GateResult, len(s.GateResults))
		for k, v := range s.GateResults {
			v.Findings = append([]task.Finding(nil), v.Findings...)
			cp.GateResults[k] = v
		}
	}
	return &cp
}

// Summary is the aggregate handed to each sprint-wide gate.
type Summary struct {
	SprintID         string       `json:"sprint_id"`
	SprintName       string       `json:"sprint_name"`
	Tasks            []*task.Task `json:"tasks"`
	ChangedArtifacts []string     `json:"changed_artifacts,omitempty"`
}
