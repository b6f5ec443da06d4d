// Crucibled is the autonomous task execution daemon.
//
// It accepts sprint submissions over NATS, drives each task through the
// iterate/escalate controller loop, convenes voter councils when a tier
// is exhausted, runs the cross-cutting sprint gates, and snapshots all
// state to SQLite.
//
// Configuration is loaded from ~/.config/crucible/config.yaml and
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	crucibled
//
//	# Use an explicit config file
//	crucibled -config /etc/crucible/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/forgeloop/crucible/internal/bus"
	"github.com/forgeloop/crucible/internal/config"
	"github.com/forgeloop/crucible/internal/controller"
	"github.com/forgeloop/crucible/internal/council"
	"github.com/forgeloop/crucible/internal/logging"
	"github.com/forgeloop/crucible/internal/policy"
	"github.com/forgeloop/crucible/internal/sprint"
	"github.com/forgeloop/crucible/internal/store"
	"github.com/forgeloop/crucible/internal/task"
	"github.com/forgeloop/crucible/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  crucibled           Start the crucible daemon\n")
			fmt.Fprintf(os.Stderr, "  crucibled version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

func printVersion() {
	fmt.Printf("crucibled by Forgeloop\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize telemetry and logger
//  3. Start or dial the NATS bus
//  4. Open the snapshot store
//  5. Wire controller, council, and sprint aggregator
//  6. Resume tasks checkpointed by a crashed process
//  7. Serve sprint submissions until shutdown
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting crucibled",
		zap.String("version", version),
		zap.String("service", cfg.Service.Name),
		zap.Bool("telemetry_degraded", tel.Degraded()))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.Bool("bus_embedded", cfg.Bus.Embedded),
		zap.String("store_path", cfg.Store.Path),
		zap.Int("voters", len(cfg.Council.Voters)))

	ctrl, aggregator, err := initPipeline(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	server := bus.NewServer(deps.client, aggregator, logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sprint server: %w", err)
	}

	// Tasks checkpointed by a crashed process continue from their last
	// completed iteration.
	go resumeUnfinishedTasks(ctx, ctrl, deps.snapshots, logger)

	logger.Info("Ready for sprint submissions",
		zap.String("subject", bus.SubjectSprintRun))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Service.ShutdownTimeout.Duration())
	defer cancel()

	server.Stop()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	client    *bus.Client
	embedded  interface{ Shutdown() }
	snapshots *store.Store
	logger    *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.client != nil {
		d.client.Close()
	}
	if d.embedded != nil {
		d.embedded.Shutdown()
	}
	if d.snapshots != nil {
		if err := d.snapshots.Close(); err != nil {
			d.logger.Warn("Store close failed", zap.Error(err))
		}
	}
}

// initLogger builds the structured logger, teeing to the OTLP exporter
// when both logging.otel and telemetry are enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*zap.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logCfg.Output.OTEL = cfg.Logging.OTEL

	if logCfg.Output.OTEL {
		return logging.New(logCfg, tel.LoggerProvider())
	}
	return logging.New(logCfg, nil)
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.Endpoint = cfg.Observability.Endpoint
	tc.Protocol = cfg.Observability.Protocol
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	tc.Insecure = cfg.Observability.Insecure
	return tc
}

// initDependencies starts (or dials) the NATS bus and opens the
// snapshot store.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	url := cfg.Bus.URL
	if cfg.Bus.Embedded {
		srv, err := bus.StartEmbedded(cfg.Bus.Host, cfg.Bus.Port)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded bus: %w", err)
		}
		deps.embedded = srv
		url = srv.ClientURL()
		logger.Info("Embedded bus started", zap.String("url", url))
	}

	client, err := bus.Connect(url, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", url, err)
	}
	deps.client = client

	snapshots, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
	}
	deps.snapshots = snapshots

	return deps, nil
}

// initPipeline wires the full execution pipeline: bus collaborators,
// voter panel, council engine, controller, and sprint aggregator, all
// sharing one circuit breaker and one snapshot store.
func initPipeline(cfg *config.Config, deps *dependencies, logger *zap.Logger) (*controller.Controller, *sprint.Aggregator, error) {
	voters := make([]council.Voter, 0, len(cfg.Council.Voters))
	for _, id := range cfg.Council.Voters {
		voters = append(voters, bus.NewVoter(id, deps.client))
	}
	engine, err := council.NewEngine(voters, council.EngineConfig{
		PhaseTimeout: cfg.Council.PhaseTimeout.Duration(),
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create council engine: %w", err)
	}

	breaker := policy.NewBreaker(cfg.Breaker.MaxFailures, logger)
	collab := bus.NewCollaborators(deps.client)

	ctrl, err := controller.New(controller.Config{
		MaxIterations:       cfg.Controller.MaxIterations,
		EscalationThreshold: cfg.Controller.EscalationThreshold,
		CallTimeout:         cfg.Controller.CallTimeout.Duration(),
		AttemptsPerMinute:   cfg.Controller.AttemptsPerMinute,
	}, controller.Deps{
		Breaker:      breaker,
		Implementer:  collab,
		ScopeChecker: collab,
		Quality:      collab,
		Requirements: collab,
		Counselor: &persistingCounselor{
			engine:   engine,
			sessions: deps.snapshots,
			logger:   logger,
		},
		Checkpoint: deps.snapshots,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create controller: %w", err)
	}

	aggregator, err := sprint.New(sprint.Config{
		MaxParallel:         cfg.Sprint.MaxParallel,
		MaxCorrectionRounds: cfg.Sprint.MaxCorrectionRounds,
		GateTimeout:         cfg.Sprint.GateTimeout.Duration(),
	}, ctrl, bus.AllGates(deps.client), breaker, deps.snapshots, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create aggregator: %w", err)
	}
	return ctrl, aggregator, nil
}

// taskRunner and unfinishedLister narrow the controller and store to
// what the resume path needs.
type taskRunner interface {
	Run(ctx context.Context, t *task.Task) (*controller.Report, error)
}

type unfinishedLister interface {
	ListUnfinishedTasks(ctx context.Context) ([]*task.Task, error)
}

// resumeUnfinishedTasks re-drives tasks a previous process checkpointed
// mid-run. Each task continues from its recorded iteration. The
// original submitter's reply inbox did not survive the crash, so
// outcomes are logged and snapshotted only.
func resumeUnfinishedTasks(ctx context.Context, runner taskRunner, snapshots unfinishedLister, logger *zap.Logger) {
	tasks, err := snapshots.ListUnfinishedTasks(ctx)
	if err != nil {
		logger.Error("Failed to list unfinished tasks", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	logger.Info("Resuming unfinished tasks", zap.Int("count", len(tasks)))
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		report, err := runner.Run(ctx, t)
		if err != nil {
			logger.Error("Failed to resume task",
				zap.String("task_id", t.ID),
				zap.Error(err))
			continue
		}
		logger.Info("Resumed task reached terminal state",
			zap.String("task_id", t.ID),
			zap.String("status", string(report.Task.Status)),
			zap.Int("iterations", report.Task.Iteration))
	}
}

// persistingCounselor snapshots every council session before returning
// it. A failed save is logged, not fatal: the session still guides the
// current task.
type persistingCounselor struct {
	engine   *council.Engine
	sessions *store.Store
	logger   *zap.Logger
}

func (p *persistingCounselor) Convene(ctx context.Context, fc council.FailureContext) (*council.Session, error) {
	session, err := p.engine.Convene(ctx, fc)
	if err != nil {
		return nil, err
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.sessions.SaveSession(saveCtx, session); err != nil {
		p.logger.Warn("Failed to persist council session",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
	return session, nil
}
