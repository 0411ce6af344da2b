package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

// State is the breaker's position in the CLOSED -> OPEN -> HALF_OPEN cycle.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a circuit breaker.
type Config struct {
	FailureThreshold   int
	RecoveryTimeout    time.Duration
	HalfOpenMaxProbes  int
	MaxRecoveryTimeout time.Duration
}

// DefaultConfig returns conservative breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		RecoveryTimeout:    30 * time.Second,
		HalfOpenMaxProbes:  2,
		MaxRecoveryTimeout: 10 * time.Minute,
	}
}

// Breaker implements a three-state circuit breaker shared by all callers
// of a given upstream. Only failures whose kind counts toward the
// breaker (transient, upstream-unavailable) increment the consecutive
// failure counter; client errors pass through without effect.
//
// A failure while half-open reopens the breaker and doubles the recovery
// timeout, capped at MaxRecoveryTimeout.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	currentRecovery     time.Duration
	halfOpenProbes      int
	halfOpenSuccesses   int
}

// New creates a breaker named after its upstream.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = DefaultConfig().HalfOpenMaxProbes
	}
	if cfg.MaxRecoveryTimeout <= 0 {
		cfg.MaxRecoveryTimeout = DefaultConfig().MaxRecoveryTimeout
	}
	return &Breaker{
		name:            name,
		cfg:             cfg,
		logger:          logger,
		state:           StateClosed,
		currentRecovery: cfg.RecoveryTimeout,
	}
}

// Allow reports whether a call may proceed. When the breaker is open and
// the recovery timeout has elapsed it transitions to half-open and
// admits up to HalfOpenMaxProbes probe calls.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.currentRecovery {
			b.transition(StateHalfOpen)
			b.halfOpenProbes = 1
			b.halfOpenSuccesses = 0
			return nil
		}
		return errors.NewCircuitOpenError(b.name)
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenMaxProbes {
			b.halfOpenProbes++
			return nil
		}
		return errors.NewCircuitOpenError(b.name)
	}
	return errors.NewCircuitOpenError(b.name)
}

// RecordSuccess notes a successful call. Closing from half-open requires
// all admitted probes to succeed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenProbes && b.halfOpenProbes >= b.cfg.HalfOpenMaxProbes {
			b.transition(StateClosed)
			b.consecutiveFailures = 0
			b.currentRecovery = b.cfg.RecoveryTimeout
		}
	}
}

// RecordFailure classifies err and updates the breaker. The transition
// to open happens within the call that produces the threshold-th
// counting failure.
func (b *Breaker) RecordFailure(err error) {
	kind := errors.Classify(err)
	if !errors.CountsTowardBreaker(kind) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		// Any failure during probing reopens with a doubled timeout.
		b.transition(StateOpen)
		b.openedAt = time.Now()
		b.currentRecovery *= 2
		if b.currentRecovery > b.cfg.MaxRecoveryTimeout {
			b.currentRecovery = b.cfg.MaxRecoveryTimeout
		}
	}
}

// State returns the breaker's current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current counting-failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// ProbeEligible reports whether an open breaker has waited out its
// recovery timeout. Routers use this to decide whether a skip is final.
func (b *Breaker) ProbeEligible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return b.state == StateHalfOpen
	}
	return time.Since(b.openedAt) >= b.currentRecovery
}

// Name returns the upstream name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.logger != nil {
		b.logger.Info("circuit breaker state change",
			zap.String("breaker", b.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int("consecutive_failures", b.consecutiveFailures),
			zap.Duration("recovery_timeout", b.currentRecovery))
	}
}
