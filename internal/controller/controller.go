package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/forgeloop/crucible/internal/council"
	"github.com/forgeloop/crucible/internal/policy"
	"github.com/forgeloop/crucible/internal/task"
)

const instrumentationName = "github.com/forgeloop/crucible/internal/controller"

// Config tunes one iteration controller. The zero value is usable;
// New fills in defaults.
type Config struct {
	// MaxIterations is the hard cap on loop iterations per task.
	MaxIterations int

	// EscalationThreshold is the consecutive-failure count at one tier
	// that moves the task to the next. One global threshold covers all
	// tier transitions.
	EscalationThreshold int

	// CallTimeout bounds each external collaborator call. A timeout is
	// recorded as a quality failure with a synthetic signature.
	CallTimeout time.Duration

	// AttemptsPerMinute rate-limits implementation-step invocations
	// across iterations. Zero disables limiting.
	AttemptsPerMinute int
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       10,
		EscalationThreshold: policy.DefaultEscalationThreshold,
		CallTimeout:         5 * time.Minute,
		AttemptsPerMinute:   0,
	}
}

// Report is the terminal result of running one task: the full attempt
// history, the last council session if one convened, the breaker state
// at the end, and which gates remain unsatisfied. Nothing is swallowed;
// a human can resume from this without re-deriving the failure.
type Report struct {
	Task             *task.Task             `json:"task"`
	CouncilSession   *council.Session       `json:"council_session,omitempty"`
	Breaker          policy.BreakerSnapshot `json:"breaker"`
	UnsatisfiedGates []string               `json:"unsatisfied_gates,omitempty"`
}

// Controller runs the iteration loop for a single task per Run call.
// Run keeps all mutable state on the task, so one controller may serve
// concurrent Runs; the breaker and rate limiter are shared across them
// on purpose.
type Controller struct {
	cfg          Config
	breaker      *policy.Breaker
	escalator    *policy.Escalator
	implementer  Implementer
	scopeChecker ScopeChecker
	quality      QualityGate
	requirements RequirementsChecker
	counselor    Counselor
	checkpoint   Checkpointer
	limiter      *rate.Limiter

	logger *zap.Logger
	tracer trace.Tracer

	iterationCounter metric.Int64Counter
	councilCounter   metric.Int64Counter
}

// Deps bundles the controller's collaborators. All fields except
// Checkpointer and Counselor are required.
type Deps struct {
	Breaker      *policy.Breaker
	Implementer  Implementer
	ScopeChecker ScopeChecker
	Quality      QualityGate
	Requirements RequirementsChecker
	Counselor    Counselor
	Checkpoint   Checkpointer
}

// New creates a controller. A nil Counselor skips council sessions and
// lets exhaustion fall through to max-iterations failure; a nil
// Checkpointer disables durable snapshots.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if deps.Breaker == nil {
		return nil, fmt.Errorf("controller requires a circuit breaker")
	}
	if deps.Implementer == nil || deps.ScopeChecker == nil || deps.Quality == nil || deps.Requirements == nil {
		return nil, fmt.Errorf("controller requires implementer, scope checker, quality gate, and requirements checker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	var limiter *rate.Limiter
	if cfg.AttemptsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.AttemptsPerMinute)/60.0), 1)
	}

	c := &Controller{
		cfg:          cfg,
		breaker:      deps.Breaker,
		escalator:    policy.NewEscalator(cfg.EscalationThreshold),
		implementer:  deps.Implementer,
		scopeChecker: deps.ScopeChecker,
		quality:      deps.Quality,
		requirements: deps.Requirements,
		counselor:    deps.Counselor,
		checkpoint:   deps.Checkpoint,
		limiter:      limiter,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *Controller) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	c.iterationCounter, err = meter.Int64Counter("crucible.controller.iterations_total",
		metric.WithDescription("Total task iterations executed"))
	if err != nil {
		c.logger.Warn("failed to create iteration counter", zap.Error(err))
	}
	c.councilCounter, err = meter.Int64Counter("crucible.controller.council_sessions_total",
		metric.WithDescription("Total council sessions triggered by stuck or exhausted tasks"))
	if err != nil {
		c.logger.Warn("failed to create council counter", zap.Error(err))
	}
}

// Run drives the task to a terminal state. The task is mutated in
// place and also returned inside the report. Cancellation takes effect
// between iterations, never mid-iteration, and trips the shared
// breaker so sibling controllers stop before their next attempt.
func (c *Controller) Run(ctx context.Context, t *task.Task) (*Report, error) {
	runCtx, span := c.tracer.Start(ctx, "controller.Run",
		trace.WithAttributes(attribute.String("task.id", t.ID)))
	defer span.End()

	logger := c.logger.With(zap.String("task_id", t.ID))
	logger.Info("task started",
		zap.String("tier", t.Tier.String()),
		zap.Int("max_iterations", c.cfg.MaxIterations))

	t.Status = task.StatusInProgress

	var lastSession *council.Session
	var pendingSynthesis *council.Synthesis

	for t.Iteration < c.cfg.MaxIterations && !t.Status.Terminal() {
		if err := runCtx.Err(); err != nil {
			c.breaker.Trip("operator cancellation")
			t.Status = task.StatusFailed
			t.FailureReason = "cancelled between iterations"
			logger.Warn("task cancelled", zap.Error(err))
			break
		}
		if !c.breaker.Permit() {
			t.Status = task.StatusFailed
			t.FailureReason = "circuit open"
			logger.Warn("circuit open, halting task")
			break
		}

		t.Iteration++
		if c.iterationCounter != nil {
			c.iterationCounter.Add(runCtx, 1, metric.WithAttributes(
				attribute.String("tier", t.Tier.String())))
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(runCtx); err != nil {
				c.breaker.Trip("operator cancellation")
				t.Status = task.StatusFailed
				t.FailureReason = "cancelled between iterations"
				break
			}
		}

		attempt := c.runIteration(runCtx, t, pendingSynthesis)
		pendingSynthesis = nil
		t.RecordAttempt(attempt)

		switch {
		case attempt.Passed():
			c.breaker.Record(true, "")
			t.ConsecutiveFailures = 0
			t.Status = task.StatusCompleted
			logger.Info("task completed", zap.Int("iterations", t.Iteration))

		case attempt.QualityVerdict == task.VerdictHalt:
			// Final by policy, not by exhaustion. No escalation, no retry.
			t.Status = task.StatusFailed
			t.FailureReason = "halted by quality policy: " + task.PrimaryError(attempt.Findings)
			logger.Warn("task halted by policy",
				zap.String("reason", t.FailureReason))

		default:
			c.breaker.Record(false, failureReason(attempt))
			t.ConsecutiveFailures++
			stuck := policy.Stuck(t.History)
			nextTier, decision := c.escalator.Next(t.Tier, t.ConsecutiveFailures)

			switch {
			case (stuck && t.Tier.IsTop()) || decision == policy.DecisionExhausted:
				session, err := c.convene(runCtx, t)
				if err != nil {
					// The council itself is a collaborator; a failed
					// session is retried on the next pass through here.
					logger.Warn("council session failed", zap.Error(err))
					break
				}
				lastSession = session
				pendingSynthesis = &session.Synthesis
				t.ConsecutiveFailures = 0
				logger.Info("council convened",
					zap.String("session_id", session.ID),
					zap.String("winner", session.Winner))

			case stuck:
				// Repeating an identical failure is treated the same as
				// reaching the threshold: move up a tier now.
				t.Tier = t.Tier.Next()
				t.ConsecutiveFailures = 0
				logger.Info("stuck loop detected, forcing escalation",
					zap.String("tier", t.Tier.String()))

			case decision == policy.DecisionEscalate:
				t.Tier = nextTier
				t.ConsecutiveFailures = 0
				logger.Info("escalating tier", zap.String("tier", t.Tier.String()))
			}
		}

		c.save(runCtx, t, logger)
	}

	if !t.Status.Terminal() {
		t.Status = task.StatusFailed
		t.FailureReason = fmt.Sprintf("max iterations (%d) exhausted", c.cfg.MaxIterations)
		logger.Warn("task failed", zap.String("reason", t.FailureReason))
		c.save(runCtx, t, logger)
	}

	span.SetAttributes(
		attribute.String("task.status", string(t.Status)),
		attribute.Int("task.iterations", t.Iteration))

	return &Report{
		Task:             t,
		CouncilSession:   lastSession,
		Breaker:          c.breaker.Snapshot(),
		UnsatisfiedGates: unsatisfiedGates(t),
	}, nil
}

// runIteration executes one pass: implement, scope-check with a single
// stricter re-invocation on violation, then quality and requirements.
// Collaborator errors and timeouts become failed attempts with
// synthetic signatures rather than aborting the loop.
func (c *Controller) runIteration(ctx context.Context, t *task.Task, syn *council.Synthesis) task.Attempt {
	ctx, span := c.tracer.Start(ctx, "controller.iteration",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.Int("iteration", t.Iteration),
			attribute.String("tier", t.Tier.String())))
	defer span.End()

	attempt := task.Attempt{
		TierUsed:       t.Tier,
		CouncilAdvised: syn != nil,
	}

	req := ImplementRequest{
		TaskID:      t.ID,
		Description: t.Description,
		Scope:       t.Scope,
		Tier:        t.Tier,
		Synthesis:   syn,
	}
	if len(t.History) > 0 {
		req.History = t.History
	}

	changed, err := c.implement(ctx, req)
	if err != nil {
		return infraAttempt(attempt, "implementation", err)
	}

	scopeRes, err := c.checkScope(ctx, t.Scope, changed)
	if err != nil {
		return infraAttempt(attempt, "scope-check", err)
	}
	if !scopeRes.Pass {
		// Out-of-scope changes are reverted and the step re-invoked once
		// with a stricter instruction.
		retry := req
		retry.StricterScope = true
		retry.RevertedArtifacts = scopeRes.OutOfScope
		changed, err = c.implement(ctx, retry)
		if err != nil {
			return infraAttempt(attempt, "implementation", err)
		}
		scopeRes, err = c.checkScope(ctx, t.Scope, changed)
		if err != nil {
			return infraAttempt(attempt, "scope-check", err)
		}
		if !scopeRes.Pass {
			attempt.ChangedArtifacts = changed
			attempt.QualityVerdict = task.VerdictFail
			attempt.RequirementsVerdict = task.VerdictFail
			for _, a := range scopeRes.OutOfScope {
				attempt.Findings = append(attempt.Findings, task.Finding{
					Check:    "scope",
					Severity: "error",
					Artifact: a,
					Message:  "artifact outside declared scope after re-instruction",
				})
			}
			attempt.FailureSignature = task.ComputeSignature(changed,
				task.FailingChecks(attempt.Findings), task.PrimaryError(attempt.Findings))
			return attempt
		}
	}
	attempt.ChangedArtifacts = changed

	qRes, err := c.checkQuality(ctx, changed)
	if err != nil {
		return infraAttempt(attempt, "quality-gate", err)
	}
	attempt.QualityVerdict = qRes.Verdict
	attempt.Findings = qRes.Findings

	rRes, err := c.checkRequirements(ctx, t.AcceptanceCriteria, changed)
	if err != nil {
		return infraAttempt(attempt, "requirements-check", err)
	}
	attempt.RequirementsVerdict = rRes.Verdict
	attempt.Gaps = rRes.Gaps

	if attempt.Failed() {
		failing := task.FailingChecks(attempt.Findings)
		if rRes.Verdict != task.VerdictPass {
			failing = append(failing, "requirements")
		}
		primary := task.PrimaryError(attempt.Findings)
		if primary == "" && len(rRes.Gaps) > 0 {
			primary = rRes.Gaps[0]
		}
		attempt.FailureSignature = task.ComputeSignature(changed, failing, primary)
	}
	return attempt
}

// callContext bounds a collaborator call by the configured timeout.
// Calls are detached from run cancellation so an in-flight call always
// completes and its attempt record stays intact; cancellation takes
// effect between iterations.
func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
}

func (c *Controller) implement(ctx context.Context, req ImplementRequest) ([]string, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	res, err := c.implementer.Implement(callCtx, req)
	if err != nil {
		return nil, err
	}
	return res.ChangedArtifacts, nil
}

func (c *Controller) checkScope(ctx context.Context, scope, changed []string) (ScopeCheckResult, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.scopeChecker.CheckScope(callCtx, scope, changed)
}

func (c *Controller) checkQuality(ctx context.Context, changed []string) (QualityResult, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.quality.CheckQuality(callCtx, changed)
}

func (c *Controller) checkRequirements(ctx context.Context, criteria, changed []string) (RequirementsResult, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.requirements.CheckRequirements(callCtx, criteria, changed)
}

func (c *Controller) convene(ctx context.Context, t *task.Task) (*council.Session, error) {
	if c.counselor == nil {
		return nil, fmt.Errorf("no council configured")
	}
	if c.councilCounter != nil {
		c.councilCounter.Add(ctx, 1)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.counselor.Convene(callCtx, council.FailureContext{
		TaskID:      t.ID,
		Description: t.Description,
		Scope:       t.Scope,
		History:     t.History,
	})
}

func (c *Controller) save(ctx context.Context, t *task.Task, logger *zap.Logger) {
	if c.checkpoint == nil {
		return
	}
	// Checkpointing uses a fresh context so a cancelled run still
	// persists its final state.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()
	if err := c.checkpoint.SaveTask(saveCtx, t.Clone()); err != nil {
		logger.Error("checkpoint failed", zap.Error(err))
	}
}

// infraAttempt finishes an attempt that never got a real verdict: the
// collaborator was unreachable or timed out. The synthetic signature
// carries the collaborator kind so unrelated infrastructure failures
// never collide, while repeats of the same one still match.
func infraAttempt(attempt task.Attempt, kind string, err error) task.Attempt {
	attempt.QualityVerdict = task.VerdictFail
	attempt.RequirementsVerdict = task.VerdictFail
	attempt.Findings = append(attempt.Findings, task.Finding{
		Check:    "infrastructure",
		Severity: "error",
		Message:  fmt.Sprintf("%s collaborator failed: %v", kind, err),
	})
	attempt.FailureSignature = task.SyntheticSignature(kind, err.Error())
	return attempt
}

func failureReason(a task.Attempt) string {
	if msg := task.PrimaryError(a.Findings); msg != "" {
		return msg
	}
	if len(a.Gaps) > 0 {
		return "unmet criteria: " + strings.Join(a.Gaps, "; ")
	}
	return "attempt failed"
}

// unsatisfiedGates names the checks still failing at the end, taken
// from the last attempt. Empty for a completed task.
func unsatisfiedGates(t *task.Task) []string {
	if t.Status == task.StatusCompleted {
		return nil
	}
	last := t.LastAttempt()
	if last == nil {
		return nil
	}
	var gates []string
	if last.QualityVerdict != task.VerdictPass {
		gates = append(gates, "quality")
	}
	if last.RequirementsVerdict != task.VerdictPass {
		gates = append(gates, "requirements")
	}
	return gates
}
