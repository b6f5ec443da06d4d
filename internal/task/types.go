package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task or sprint.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// Tier is an ordered effort/capability level. Escalation moves
// monotonically up this order; a task's tier is never reset downward.
type Tier int

const (
	TierFast Tier = iota
	TierStandard
	TierDeep
)

// AllTiers returns the tiers in escalation order, lowest first.
func AllTiers() []Tier {
	return []Tier{TierFast, TierStandard, TierDeep}
}

// TopTier is the highest escalation level.
const TopTier = TierDeep

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierStandard:
		return "standard"
	case TierDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// IsTop reports whether the tier is the highest escalation level.
func (t Tier) IsTop() bool {
	return t >= TopTier
}

// Next returns the next-higher tier, saturating at the top.
func (t Tier) Next() Tier {
	if t.IsTop() {
		return TopTier
	}
	return t + 1
}

// Valid reports whether the tier is a known level.
func (t Tier) Valid() bool {
	return t >= TierFast && t <= TierDeep
}

// Verdict is the outcome of a quality or requirements check.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"

	// VerdictHalt marks a failure that is final by policy: no retry,
	// no escalation.
	VerdictHalt Verdict = "halt"
)

// Finding is one structured issue reported by a quality or sprint gate.
type Finding struct {
	Check    string `json:"check"`
	Severity string `json:"severity,omitempty"`
	Artifact string `json:"artifact,omitempty"`
	Message  string `json:"message"`
}

// Attempt records one iteration of a task. Immutable once appended to
// the task history.
type Attempt struct {
	ID                  string    `json:"id"`
	TierUsed            Tier      `json:"tier_used"`
	ChangedArtifacts    []string  `json:"changed_artifacts"`
	QualityVerdict      Verdict   `json:"quality_verdict"`
	RequirementsVerdict Verdict   `json:"requirements_verdict"`
	Findings            []Finding `json:"findings,omitempty"`
	Gaps                []string  `json:"gaps,omitempty"`
	FailureSignature    Signature `json:"failure_signature,omitempty"`
	CouncilAdvised      bool      `json:"council_advised,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Passed reports whether both verdicts passed.
func (a Attempt) Passed() bool {
	return a.QualityVerdict == VerdictPass && a.RequirementsVerdict == VerdictPass
}

// Failed reports whether any verdict failed or halted.
func (a Attempt) Failed() bool {
	return !a.Passed()
}

// Task is one unit of work driven by an iteration controller. A task is
// owned exclusively by its controller; nothing else mutates it.
type Task struct {
	ID                  string    `json:"id"`
	Description         string    `json:"description"`
	Scope               []string  `json:"scope"`
	AcceptanceCriteria  []string  `json:"acceptance_criteria,omitempty"`
	DependsOn           []string  `json:"depends_on,omitempty"`
	Status              Status    `json:"status"`
	Tier                Tier      `json:"tier"`
	Iteration           int       `json:"iteration"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	History             []Attempt `json:"history,omitempty"`
	FailureReason       string    `json:"failure_reason,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// New creates a pending task at the lowest tier.
func New(description string, scope []string) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.New().String(),
		Description: description,
		Scope:       scope,
		Status:      StatusPending,
		Tier:        TierFast,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RecordAttempt appends an attempt to the history. The history is
// append-only, oldest first.
func (t *Task) RecordAttempt(a Attempt) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	a.ChangedArtifacts = NormalizeSet(a.ChangedArtifacts)
	t.History = append(t.History, a)
	t.UpdatedAt = a.Timestamp
}

// LastAttempt returns the most recent attempt, or nil when the task has
// not been attempted yet.
func (t *Task) LastAttempt() *Attempt {
	if len(t.History) == 0 {
		return nil
	}
	return &t.History[len(t.History)-1]
}

// InScope reports whether an artifact falls inside the task's declared
// scope. A scope entry matches exactly, or as a path prefix when the
// entry names an area (directory).
func (t *Task) InScope(artifact string) bool {
	for _, s := range t.Scope {
		if artifact == s {
			return true
		}
		if strings.HasPrefix(artifact, strings.TrimSuffix(s, "/")+"/") {
			return true
		}
	}
	return false
}

// OutOfScope returns the changed artifacts that fall outside the
// declared scope.
func (t *Task) OutOfScope(changed []string) []string {
	var out []string
	for _, a := range changed {
		if !t.InScope(a) {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a deep copy, used for durable snapshots so persistence
// never sees a task mid-mutation.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Scope = append([]string(nil), t.Scope...)
	cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.History = make([]Attempt, len(t.History))
	for i, a := range t.History {
		a.ChangedArtifacts = append([]string(nil), a.ChangedArtifacts...)
		a.Findings = append([]Finding(nil), a.Findings...)
		a.Gaps = append([]string(nil), a.Gaps...)
		cp.History[i] = a
	}
	return &cp
}
