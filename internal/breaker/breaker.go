// Package breaker implements the circuit breaker pattern.
//
// A breaker protects the gateway from a failing downstream dependency by
// tracking consecutive classified failures and failing fast while the
// dependency is given time to recover.
//
// States:
//   - Closed: normal operation, calls pass through
//   - Open: failure threshold reached, calls fail immediately
//   - HalfOpen: recovery timeout elapsed, one trial call allowed
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds per-instance configuration.
type Config struct {
	// FailureThreshold is the number of consecutive classified failures
	// before the circuit opens (default 3).
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a trial
	// call is allowed (default 30s).
	RecoveryTimeout time.Duration

	// IsFailure classifies errors. Errors for which it returns false pass
	// through without affecting the breaker (e.g. a malformed response
	// body on an otherwise successful call). Nil counts every error.
	IsFailure func(error) bool
}

// Breaker guards a single downstream dependency. One instance per
// dependency; state is never shared across instances.
type Breaker struct {
	name   string
	logger *slog.Logger

	threshold int
	timeout   time.Duration
	isFailure func(error) bool

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	trialInFlight bool
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:      name,
		logger:    logger,
		threshold: cfg.FailureThreshold,
		timeout:   cfg.RecoveryTimeout,
		isFailure: cfg.IsFailure,
		state:     Closed,
	}
}

// Do executes op through the breaker. While the circuit is open, Do returns
// ErrOpen without invoking op. When the recovery timeout has elapsed the
// breaker moves to half-open and allows exactly one trial call; concurrent
// callers during the trial still receive ErrOpen.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.begin()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.record(trial, opErr)
	return opErr
}

// begin decides whether a call may proceed. Returns whether this call is
// the half-open trial.
func (b *Breaker) begin() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil

	case Open:
		if time.Since(b.lastFailure) < b.timeout {
			return false, ErrOpen
		}
		b.transition(HalfOpen)
		b.trialInFlight = true
		return true, nil

	case HalfOpen:
		if b.trialInFlight {
			return false, ErrOpen
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if opErr == nil {
		b.onSuccess()
		return
	}
	if b.isFailure != nil && !b.isFailure(opErr) {
		// Not a dependency failure; pass through untouched.
		return
	}
	b.onFailure()
}

func (b *Breaker) onSuccess() {
	b.successes++

	switch b.state {
	case HalfOpen:
		b.logger.Info("circuit breaker trial succeeded",
			"dependency", b.name,
		)
		b.transition(Closed)
		b.failures = 0
		b.successes = 0
	case Closed:
		if b.failures > 0 {
			b.failures = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case HalfOpen:
		// Trial failed; restart the recovery window.
		b.transition(Open)
	case Closed:
		if b.failures >= b.threshold {
			b.logger.Warn("circuit breaker threshold reached",
				"dependency", b.name,
				"failures", b.failures,
				"recovery_timeout", b.timeout,
			)
			b.transition(Open)
		}
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Info("circuit breaker state change",
		"dependency", b.name,
		"from", b.state.String(),
		"to", to.String(),
	)
	b.state = to
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes the breaker for the health surface.
type Snapshot struct {
	Dependency   string    `json:"dependency"`
	State        string    `json:"state"`
	Failures     int       `json:"failure_count"`
	Successes    int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure_time,omitempty"`
	TimeToRetry  float64   `json:"seconds_until_retry"`
	FailureLimit int       `json:"failure_threshold"`
}

// Snapshot returns the current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Dependency:   b.name,
		State:        b.state.String(),
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailure:  b.lastFailure,
		FailureLimit: b.threshold,
	}
	if b.state == Open {
		if remaining := b.timeout - time.Since(b.lastFailure); remaining > 0 {
			s.TimeToRetry = remaining.Seconds()
		}
	}
	return s
}
