// Package config provides configuration loading for crucible.
//
// Configuration is loaded from a YAML file and overridden by
// environment variables, with hardcoded defaults filling the gaps.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete crucible configuration.
type Config struct {
	Service       ServiceConfig       `koanf:"service"`
	Controller    ControllerConfig    `koanf:"controller"`
	Breaker       BreakerConfig       `koanf:"breaker"`
	Council       CouncilConfig       `koanf:"council"`
	Sprint        SprintConfig        `koanf:"sprint"`
	Store         StoreConfig         `koanf:"store"`
	Bus           BusConfig           `koanf:"bus"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name            string   `koanf:"name"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ControllerConfig tunes the per-task iteration loop.
type ControllerConfig struct {
	MaxIterations       int      `koanf:"max_iterations"`
	EscalationThreshold int      `koanf:"escalation_threshold"`
	CallTimeout         Duration `koanf:"call_timeout"`
	AttemptsPerMinute   int      `koanf:"attempts_per_minute"`
}

// BreakerConfig tunes the shared circuit breaker.
type BreakerConfig struct {
	MaxFailures int `koanf:"max_failures"`
}

// CouncilConfig tunes the consensus engine. Voters lists the ids of
// the remote voter collaborators forming the panel.
type CouncilConfig struct {
	Voters       []string `koanf:"voters"`
	PhaseTimeout Duration `koanf:"phase_timeout"`
}

// SprintConfig tunes the sprint aggregator.
type SprintConfig struct {
	MaxParallel         int      `koanf:"max_parallel"`
	MaxCorrectionRounds int      `koanf:"max_correction_rounds"`
	GateTimeout         Duration `koanf:"gate_timeout"`
}

// StoreConfig locates the snapshot database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// BusConfig locates the NATS bus. When Embedded is true an in-process
// server is started instead of dialing URL.
type BusConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
}

// LoggingConfig holds logger settings mapped onto the logging package.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	Insecure        bool   `koanf:"insecure"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "crucible"
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Controller.MaxIterations == 0 {
		cfg.Controller.MaxIterations = 10
	}
	if cfg.Controller.EscalationThreshold == 0 {
		cfg.Controller.EscalationThreshold = 2
	}
	if cfg.Controller.CallTimeout == 0 {
		cfg.Controller.CallTimeout = Duration(5 * time.Minute)
	}

	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}

	if len(cfg.Council.Voters) == 0 {
		cfg.Council.Voters = []string{
			"voter-1", "voter-2", "voter-3", "voter-4", "voter-5",
		}
	}
	if cfg.Council.PhaseTimeout == 0 {
		cfg.Council.PhaseTimeout = Duration(2 * time.Minute)
	}

	if cfg.Sprint.MaxParallel == 0 {
		cfg.Sprint.MaxParallel = 4
	}
	if cfg.Sprint.MaxCorrectionRounds == 0 {
		cfg.Sprint.MaxCorrectionRounds = 3
	}
	if cfg.Sprint.GateTimeout == 0 {
		cfg.Sprint.GateTimeout = Duration(5 * time.Minute)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "crucible.db"
	}

	if cfg.Bus.URL == "" {
		cfg.Bus.URL = "nats://localhost:4222"
	}
	if cfg.Bus.Host == "" {
		cfg.Bus.Host = "127.0.0.1"
	}
	if cfg.Bus.Port == 0 {
		cfg.Bus.Port = -1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.Service.Name
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Controller.MaxIterations < 1 {
		return fmt.Errorf("controller.max_iterations must be positive, got %d", c.Controller.MaxIterations)
	}
	if c.Controller.EscalationThreshold < 1 {
		return fmt.Errorf("controller.escalation_threshold must be positive, got %d", c.Controller.EscalationThreshold)
	}
	if c.Controller.AttemptsPerMinute < 0 {
		return fmt.Errorf("controller.attempts_per_minute cannot be negative, got %d", c.Controller.AttemptsPerMinute)
	}
	if c.Breaker.MaxFailures < 1 {
		return fmt.Errorf("breaker.max_failures must be positive, got %d", c.Breaker.MaxFailures)
	}
	if len(c.Council.Voters) < 2 {
		return fmt.Errorf("council.voters requires at least 2 voters, got %d", len(c.Council.Voters))
	}
	if c.Sprint.MaxParallel < 1 {
		return fmt.Errorf("sprint.max_parallel must be positive, got %d", c.Sprint.MaxParallel)
	}
	if c.Sprint.MaxCorrectionRounds < 1 {
		return fmt.Errorf("sprint.max_correction_rounds must be positive, got %d", c.Sprint.MaxCorrectionRounds)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if !c.Bus.Embedded && c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required when the embedded server is disabled")
	}
	if c.Observability.EnableTelemetry && c.Observability.Endpoint == "" {
		return fmt.Errorf("observability.endpoint is required when telemetry is enabled")
	}
	return nil
}
