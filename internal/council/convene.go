package council

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/forgeloop/crucible/internal/council"

// proposalIDs are assigned to voters in order. Five voters is the
// default council size; the alphabet caps it well above anything
// configured in practice.
const proposalIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// EngineConfig configures a consensus engine.
type EngineConfig struct {
	// PhaseTimeout bounds each of the propose and vote phases.
	PhaseTimeout time.Duration
}

// DefaultEngineConfig returns an EngineConfig with sane defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PhaseTimeout: 2 * time.Minute,
	}
}

// Engine convenes a voting session over a panel of independent voters
// and produces a synthesized recommendation for a stuck task.
type Engine struct {
	voters []Voter
	cfg    EngineConfig
	logger *zap.Logger
	tracer trace.Tracer

	sessionCounter metric.Int64Counter
}

// NewEngine creates a consensus engine over the given voter panel.
// At least two voters are required for a meaningful ranked vote.
func NewEngine(voters []Voter, cfg EngineConfig, logger *zap.Logger) (*Engine, error) {
	if len(voters) < 2 {
		return nil, fmt.Errorf("council requires at least 2 voters, got %d", len(voters))
	}
	if len(voters) > len(proposalIDAlphabet) {
		return nil, fmt.Errorf("council supports at most %d voters, got %d", len(proposalIDAlphabet), len(voters))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultEngineConfig().PhaseTimeout
	}

	e := &Engine{
		voters: voters,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	e.sessionCounter, err = meter.Int64Counter("crucible.council.sessions_total",
		metric.WithDescription("Total council sessions convened"))
	if err != nil {
		e.logger.Warn("failed to create council metrics", zap.Error(err))
	}
}

// Convene runs a full session: each voter drafts a proposal, every
// voter ranks the full slate, and instant-runoff tabulation picks the
// winner. The returned session records proposals, ballots, and the
// per-round tallies so a failed fix can be audited afterwards.
func (e *Engine) Convene(ctx context.Context, fc FailureContext) (*Session, error) {
	ctx, span := e.tracer.Start(ctx, "council.Convene",
		trace.WithAttributes(
			attribute.String("task.id", fc.TaskID),
			attribute.Int("council.voters", len(e.voters)),
		))
	defer span.End()

	if e.sessionCounter != nil {
		e.sessionCounter.Add(ctx, 1)
	}

	session := &Session{
		ID:        uuid.New().String(),
		TaskID:    fc.TaskID,
		CreatedAt: time.Now().UTC(),
	}

	proposals, err := e.propose(ctx, fc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "propose phase failed")
		return nil, fmt.Errorf("propose phase: %w", err)
	}
	session.Proposals = proposals

	ballots, err := e.vote(ctx, fc, proposals)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vote phase failed")
		return nil, fmt.Errorf("vote phase: %w", err)
	}
	session.Ballots = ballots

	winner, rounds, err := Tabulate(proposals, ballots)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tabulation failed")
		return nil, fmt.Errorf("tabulate: %w", err)
	}
	session.Rounds = rounds
	session.Winner = winner.ID
	session.Synthesis = Synthesize(winner, proposals)

	e.logger.Info("council session complete",
		zap.String("session_id", session.ID),
		zap.String("task_id", fc.TaskID),
		zap.String("winner", winner.ID),
		zap.Int("rounds", len(rounds)))
	span.SetAttributes(
		attribute.String("council.winner", winner.ID),
		attribute.Int("council.rounds", len(rounds)),
	)
	return session, nil
}

// propose fans the failure context out to every voter in parallel and
// collects one proposal per voter. Proposal IDs are assigned by voter
// position so a session is reproducible from the same panel.
func (e *Engine) propose(ctx context.Context, fc FailureContext) ([]Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	proposals := make([]Proposal, len(e.voters))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range e.voters {
		g.Go(func() error {
			p, err := v.Propose(gctx, fc)
			if err != nil {
				return fmt.Errorf("voter %d propose: %w", i, err)
			}
			p.ID = string(proposalIDAlphabet[i])
			if p.Confidence < 0 {
				p.Confidence = 0
			}
			if p.Confidence > 1 {
				p.Confidence = 1
			}
			proposals[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return proposals, nil
}

// vote hands the full slate to every voter and collects the ranked
// ballots. Each ballot must rank every proposal exactly once;
// tabulation rejects malformed ballots.
func (e *Engine) vote(ctx context.Context, fc FailureContext, proposals []Proposal) ([]Ballot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	ballots := make([]Ballot, len(e.voters))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range e.voters {
		g.Go(func() error {
			b, err := v.Vote(gctx, fc, proposals)
			if err != nil {
				return fmt.Errorf("voter %d vote: %w", i, err)
			}
			if b.VoterID == "" {
				b.VoterID = fmt.Sprintf("voter-%d", i)
			}
			ballots[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ballots, nil
}
