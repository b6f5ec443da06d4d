package policy

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/forgeloop/crucible/internal/policy"

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// DefaultMaxFailures is the consecutive-failure limit before the
// breaker opens.
const DefaultMaxFailures = 5

// Breaker is the process-wide guard that halts all further attempts
// once consecutive failures across every task exceed a hard limit. It
// is shared by concurrently running controllers, so all access is
// serialized. There is no recovery path inside the breaker: once open,
// only an external Reset closes it again.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	consecutive int
	maxFailures int
	lastReason  string

	logger      *zap.Logger
	tripCounter metric.Int64Counter
}

// BreakerSnapshot is a point-in-time copy of the breaker state for
// reports.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	MaxFailures         int          `json:"max_failures"`
	LastFailureReason   string       `json:"last_failure_reason,omitempty"`
}

// NewBreaker creates a closed breaker. maxFailures <= 0 falls back to
// DefaultMaxFailures.
func NewBreaker(maxFailures int, logger *zap.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		state:       BreakerClosed,
		maxFailures: maxFailures,
		logger:      logger.With(zap.String("component", "breaker")),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	b.tripCounter, err = meter.Int64Counter(
		"crucible.breaker.trips_total",
		metric.WithDescription("Total number of circuit breaker open transitions"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		b.logger.Warn("failed to create trip counter", zap.Error(err))
	}

	return b
}

// Record registers the outcome of one attempt. A success resets the
// consecutive-failure count; a failure increments it and opens the
// breaker once the limit is reached.
func (b *Breaker) Record(success bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecutive = 0
		return
	}

	b.consecutive++
	b.lastReason = reason
	if b.consecutive >= b.maxFailures && b.state != BreakerOpen {
		b.open(reason)
	}
}

// Trip forces the breaker open immediately, bypassing the failure
// count. Used by operator cancellation so sibling tasks stop before
// their next iteration.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		return
	}
	b.lastReason = reason
	b.open(reason)
}

// open transitions to the open state. Caller holds the lock.
func (b *Breaker) open(reason string) {
	b.state = BreakerOpen
	b.logger.Warn("circuit breaker opened",
		zap.Int("consecutive_failures", b.consecutive),
		zap.Int("max_failures", b.maxFailures),
		zap.String("reason", reason),
	)
	if b.tripCounter != nil {
		b.tripCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
}

// Permit reports whether new attempts may start.
func (b *Breaker) Permit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerClosed
}

// Reset closes the breaker and zeroes the failure count. This is the
// external operator action; nothing inside the controller calls it.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.consecutive = 0
	b.lastReason = ""
	b.logger.Info("circuit breaker reset")
}

// Snapshot returns a copy of the current breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		MaxFailures:         b.maxFailures,
		LastFailureReason:   b.lastReason,
	}
}
