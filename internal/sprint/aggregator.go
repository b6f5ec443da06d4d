package sprint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgeloop/crucible/internal/controller"
	"github.com/forgeloop/crucible/internal/policy"
	"github.com/forgeloop/crucible/internal/task"
)

const instrumentationName = "github.com/forgeloop/crucible/internal/sprint"

// TaskRunner drives one task to a terminal state. Satisfied by
// *controller.Controller.
type TaskRunner interface {
	Run(ctx context.Context, t *task.Task) (*controller.Report, error)
}

// Checkpointer persists a sprint snapshot after each task completes
// and after each gate round.
type Checkpointer interface {
	SaveSprint(ctx context.Context, s *Sprint) error
}

// Config tunes the aggregator.
type Config struct {
	// MaxParallel bounds how many independent tasks run concurrently.
	MaxParallel int

	// MaxCorrectionRounds caps how many times failing gates may spawn
	// corrective tasks. This cap is separate from and outside the
	// per-task iteration cap.
	MaxCorrectionRounds int

	// GateTimeout bounds each gate collaborator call.
	GateTimeout time.Duration
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallel:         4,
		MaxCorrectionRounds: 3,
		GateTimeout:         5 * time.Minute,
	}
}

// Report is the terminal result of a sprint run: the sprint itself
// with final task states and gate verdicts, the per-task controller
// reports, and any gate findings still unresolved when the correction
// rounds ran out.
type Report struct {
	Sprint             *Sprint                       `json:"sprint"`
	TaskReports        map[string]*controller.Report `json:"task_reports,omitempty"`
	UnresolvedFindings []task.Finding                `json:"unresolved_findings,omitempty"`
	Breaker            policy.BreakerSnapshot        `json:"breaker"`
}

// Aggregator runs every task in a sprint through its iteration
// controller in dependency order, then validates the aggregate with
// the fixed gate sequence.
type Aggregator struct {
	cfg        Config
	runner     TaskRunner
	gates      []Gate
	breaker    *policy.Breaker
	checkpoint Checkpointer

	logger *zap.Logger
	tracer trace.Tracer

	taskCounter metric.Int64Counter
	gateCounter metric.Int64Counter
}

// New creates an aggregator. The gate slice must cover the full fixed
// gate set exactly once each.
func New(cfg Config, runner TaskRunner, gates []Gate, breaker *policy.Breaker, checkpoint Checkpointer, logger *zap.Logger) (*Aggregator, error) {
	if runner == nil {
		return nil, fmt.Errorf("aggregator requires a task runner")
	}
	if breaker == nil {
		return nil, fmt.Errorf("aggregator requires the shared circuit breaker")
	}
	if err := validateGates(gates); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.MaxCorrectionRounds <= 0 {
		cfg.MaxCorrectionRounds = def.MaxCorrectionRounds
	}
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = def.GateTimeout
	}

	a := &Aggregator{
		cfg:        cfg,
		runner:     runner,
		gates:      gates,
		breaker:    breaker,
		checkpoint: checkpoint,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}
	a.initMetrics()
	return a, nil
}

func validateGates(gates []Gate) error {
	seen := make(map[GateName]bool, len(gates))
	for _, g := range gates {
		if seen[g.Name()] {
			return fmt.Errorf("duplicate gate %q", g.Name())
		}
		seen[g.Name()] = true
	}
	for _, name := range AllGates() {
		if !seen[name] {
			return fmt.Errorf("missing gate %q", name)
		}
	}
	if len(gates) != len(AllGates()) {
		return fmt.Errorf("unexpected extra gates: got %d, want %d", len(gates), len(AllGates()))
	}
	return nil
}

func (a *Aggregator) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	a.taskCounter, err = meter.Int64Counter("crucible.sprint.tasks_total",
		metric.WithDescription("Total sprint tasks reaching a terminal state"))
	if err != nil {
		a.logger.Warn("failed to create task counter", zap.Error(err))
	}
	a.gateCounter, err = meter.Int64Counter("crucible.sprint.gate_checks_total",
		metric.WithDescription("Total sprint gate evaluations"))
	if err != nil {
		a.logger.Warn("failed to create gate counter", zap.Error(err))
	}
}

// Run drives the sprint to a terminal state. The sprint completes only
// when every task completed and every gate passed within the
// correction-round cap; anything else is failed, with unresolved gate
// findings reported verbatim.
func (a *Aggregator) Run(ctx context.Context, s *Sprint) (*Report, error) {
	ctx, span := a.tracer.Start(ctx, "sprint.Run",
		trace.WithAttributes(
			attribute.String("sprint.id", s.ID),
			attribute.Int("sprint.tasks", len(s.Tasks))))
	defer span.End()

	logger := a.logger.With(zap.String("sprint_id", s.ID), zap.String("sprint", s.Name))
	logger.Info("sprint started", zap.Int("tasks", len(s.Tasks)))

	s.Status = task.StatusInProgress
	report := &Report{
		Sprint:      s,
		TaskReports: make(map[string]*controller.Report),
	}

	a.runTasks(ctx, s, s.Tasks, report, logger)

	var unresolved []task.Finding
	for round := 0; ; round++ {
		failing := a.runGates(ctx, s, logger)
		if len(failing) == 0 {
			unresolved = nil
			break
		}

		unresolved = nil
		for _, res := range failing {
			unresolved = append(unresolved, res.Findings...)
		}
		if round >= a.cfg.MaxCorrectionRounds {
			logger.Warn("correction rounds exhausted",
				zap.Int("rounds", round),
				zap.Int("unresolved_findings", len(unresolved)))
			break
		}
		if !a.breaker.Permit() {
			logger.Warn("circuit open, skipping correction round")
			break
		}

		corrective := a.correctiveTasks(s, failing)
		s.CorrectionRounds = round + 1
		s.Tasks = append(s.Tasks, corrective...)
		logger.Info("running correction round",
			zap.Int("round", s.CorrectionRounds),
			zap.Int("corrective_tasks", len(corrective)))
		a.runTasks(ctx, s, corrective, report, logger)
	}

	s.Status = a.terminalStatus(s, unresolved)
	if s.Status == task.StatusFailed && s.FailureReason == "" {
		s.FailureReason = sprintFailureReason(s, unresolved)
	}
	s.UpdatedAt = time.Now()
	a.save(ctx, s, logger)

	report.UnresolvedFindings = unresolved
	report.Breaker = a.breaker.Snapshot()

	logger.Info("sprint finished",
		zap.String("status", string(s.Status)),
		zap.Int("correction_rounds", s.CorrectionRounds),
		zap.Int("unresolved_findings", len(unresolved)))
	span.SetAttributes(attribute.String("sprint.status", string(s.Status)))
	return report, nil
}

// runTasks executes the given tasks in dependency order. Tasks with no
// dependency edge between them run concurrently up to MaxParallel;
// dependents wait for their dependencies. A task whose dependency ends
// anywhere other than completed is blocked, never attempted.
func (a *Aggregator) runTasks(ctx context.Context, s *Sprint, tasks []*task.Task, report *Report, logger *zap.Logger) {
	pending := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if !t.Status.Terminal() {
			pending[t.ID] = t
		}
	}

	var mu sync.Mutex // guards report.TaskReports across the wave

	for len(pending) > 0 {
		var ready []*task.Task
		for _, t := range pending {
			switch a.dependencyState(s, t) {
			case depsSatisfied:
				ready = append(ready, t)
			case depsUnsatisfiable:
				t.Status = task.StatusBlocked
				t.FailureReason = "dependency not satisfied"
				logger.Warn("task blocked",
					zap.String("task_id", t.ID),
					zap.Strings("depends_on", t.DependsOn))
				delete(pending, t.ID)
			}
		}
		if len(ready) == 0 {
			// Anything left is waiting on something that will never
			// finish in this sprint (a dependency cycle).
			for _, t := range pending {
				t.Status = task.StatusBlocked
				t.FailureReason = "dependency cycle"
				logger.Warn("task blocked by dependency cycle", zap.String("task_id", t.ID))
			}
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.MaxParallel)
		for _, t := range ready {
			delete(pending, t.ID)
			if !a.breaker.Permit() {
				t.Status = task.StatusFailed
				t.FailureReason = "circuit open"
				logger.Warn("task skipped, circuit open", zap.String("task_id", t.ID))
				continue
			}
			g.Go(func() error {
				rep, err := a.runner.Run(gctx, t)
				if err != nil {
					t.Status = task.StatusFailed
					t.FailureReason = fmt.Sprintf("controller error: %v", err)
					logger.Error("task runner failed",
						zap.String("task_id", t.ID), zap.Error(err))
				}
				mu.Lock()
				if rep != nil {
					report.TaskReports[t.ID] = rep
				}
				mu.Unlock()
				if a.taskCounter != nil {
					a.taskCounter.Add(gctx, 1, metric.WithAttributes(
						attribute.String("status", string(t.Status))))
				}
				return nil
			})
		}
		_ = g.Wait() // workers never return errors
		a.save(ctx, s, logger)
	}
}

type depState int

const (
	depsWaiting depState = iota
	depsSatisfied
	depsUnsatisfiable
)

// dependencyState classifies a task's dependencies: all completed,
// still in flight, or never going to complete (failed, blocked, or
// unknown).
func (a *Aggregator) dependencyState(s *Sprint, t *task.Task) depState {
	state := depsSatisfied
	for _, id := range t.DependsOn {
		dep := s.TaskByID(id)
		if dep == nil {
			return depsUnsatisfiable
		}
		switch {
		case dep.Status == task.StatusCompleted:
		case dep.Status.Terminal():
			return depsUnsatisfiable
		default:
			state = depsWaiting
		}
	}
	return state
}

// runGates evaluates the fixed gate sequence against the current
// aggregate and returns the failing results. A gate collaborator error
// counts as a failure with an infrastructure finding.
func (a *Aggregator) runGates(ctx context.Context, s *Sprint, logger *zap.Logger) []GateResult {
	summary := Summary{
		SprintID:         s.ID,
		SprintName:       s.Name,
		Tasks:            s.Tasks,
		ChangedArtifacts: s.ChangedArtifacts(),
	}

	if s.GateResults == nil {
		s.GateResults = make(map[GateName]GateResult, len(a.gates))
	}

	ordered := make(map[GateName]Gate, len(a.gates))
	for _, g := range a.gates {
		ordered[g.Name()] = g
	}

	var failing []GateResult
	for _, name := range AllGates() {
		res := a.checkGate(ctx, ordered[name], summary)
		s.GateResults[name] = res
		if a.gateCounter != nil {
			a.gateCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("gate", string(name)),
				attribute.String("verdict", string(res.Verdict))))
		}
		if res.Verdict != task.VerdictPass {
			logger.Warn("sprint gate failed",
				zap.String("gate", string(name)),
				zap.Int("findings", len(res.Findings)))
			failing = append(failing, res)
		}
	}
	a.save(ctx, s, logger)
	return failing
}

func (a *Aggregator) checkGate(ctx context.Context, g Gate, summary Summary) GateResult {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.GateTimeout)
	defer cancel()

	res, err := g.Check(callCtx, summary)
	if err != nil {
		return GateResult{
			Gate:    g.Name(),
			Verdict: task.VerdictFail,
			Findings: []task.Finding{{
				Check:    string(g.Name()),
				Severity: "error",
				Message:  fmt.Sprintf("gate collaborator failed: %v", err),
			}},
			CheckedAt: time.Now(),
		}
	}
	res.Gate = g.Name()
	if res.CheckedAt.IsZero() {
		res.CheckedAt = time.Now()
	}
	return res
}

// correctiveTasks turns gate findings into new tasks, one per finding,
// each scoped as tightly as the finding allows.
func (a *Aggregator) correctiveTasks(s *Sprint, failing []GateResult) []*task.Task {
	var out []*task.Task
	for _, res := range failing {
		for _, f := range res.Findings {
			scope := []string{f.Artifact}
			if f.Artifact == "" {
				scope = s.ChangedArtifacts()
			}
			t := task.New(
				fmt.Sprintf("resolve %s gate finding: %s", res.Gate, f.Message),
				scope)
			t.AcceptanceCriteria = []string{
				fmt.Sprintf("%s gate no longer reports: %s", res.Gate, f.Message),
			}
			out = append(out, t)
		}
	}
	return out
}

// terminalStatus applies the completion invariant: completed if and
// only if every task completed and every gate last passed.
func (a *Aggregator) terminalStatus(s *Sprint, unresolved []task.Finding) task.Status {
	if len(unresolved) > 0 {
		return task.StatusFailed
	}
	for _, t := range s.Tasks {
		if t.Status != task.StatusCompleted {
			return task.StatusFailed
		}
	}
	for _, name := range AllGates() {
		res, ok := s.GateResults[name]
		if !ok || res.Verdict != task.VerdictPass {
			return task.StatusFailed
		}
	}
	return task.StatusCompleted
}

func sprintFailureReason(s *Sprint, unresolved []task.Finding) string {
	if len(unresolved) > 0 {
		return fmt.Sprintf("%d unresolved gate findings", len(unresolved))
	}
	incomplete := 0
	for _, t := range s.Tasks {
		if t.Status != task.StatusCompleted {
			incomplete++
		}
	}
	if incomplete > 0 {
		return fmt.Sprintf("%d tasks did not complete", incomplete)
	}
	return "gates incomplete"
}

func (a *Aggregator) save(ctx context.Context, s *Sprint, logger *zap.Logger) {
	if a.checkpoint == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.GateTimeout)
	defer cancel()
	if err := a.checkpoint.SaveSprint(saveCtx, s.Clone()); err != nil {
		logger.Error("sprint checkpoint failed", zap.Error(err))
	}
}
