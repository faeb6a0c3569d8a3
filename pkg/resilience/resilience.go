// Package resilience provides retry with exponential backoff and a simple
// circuit breaker for calls to external dependencies.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
)

var (
	retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_retry_attempts_total",
		Help: "Attempts made by Retry by operation and outcome",
	}, []string{"operation", "outcome"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resilience_circuit_breaker_state",
		Help: "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
	}, []string{"name"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_errors_total",
		Help: "Errors seen by Retry by operation and class",
	}, []string{"operation", "error_type"})
)

// Backoff describes an exponential retry schedule
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff is 100ms doubling up to 5s, five attempts
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     100 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// Delay returns the wait after the given 1-based failed attempt
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Permanent marks an error that must not be retried
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry runs fn until it succeeds, returns a Permanent error, ctx ends or
// MaxAttempts is reached. It reports the number of attempts made.
func Retry(ctx context.Context, b Backoff, operation string, fn func(context.Context) error) (int, error) {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			retryAttemptsTotal.WithLabelValues(operation, "success").Inc()
			return attempt, nil
		}
		lastErr = err
		retryAttemptsTotal.WithLabelValues(operation, "failure").Inc()
		errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()

		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		if attempt == b.MaxAttempts {
			break
		}

		delay := b.Delay(attempt)
		logger.Warn("Operation failed, backing off",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, fmt.Errorf("%s interrupted after %d attempts: %w", operation, attempt, ctx.Err())
		case <-t.C:
		}
	}

	return b.MaxAttempts, fmt.Errorf("%s failed after %d attempts: %w", operation, b.MaxAttempts, lastErr)
}

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned while a breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker opens after MaxFailures consecutive failures and lets a
// single trial call through once Cooldown has passed.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		state:       CircuitBreakerClosed,
	}
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitBreakerOpen {
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.setState(CircuitBreakerHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.consecutiveFailures = 0
		cb.setState(CircuitBreakerClosed)
		return nil
	}

	cb.consecutiveFailures++
	if cb.state == CircuitBreakerHalfOpen || cb.consecutiveFailures >= cb.maxFailures {
		cb.openedAt = cb.now()
		if cb.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN",
				zap.String("name", cb.name),
				zap.Int("consecutive_failures", cb.consecutiveFailures))
		}
		cb.setState(CircuitBreakerOpen)
	}
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s CircuitBreakerState) {
	cb.state = s
	switch s {
	case CircuitBreakerClosed:
		circuitBreakerState.WithLabelValues(cb.name).Set(0)
	case CircuitBreakerHalfOpen:
		circuitBreakerState.WithLabelValues(cb.name).Set(1)
	case CircuitBreakerOpen:
		circuitBreakerState.WithLabelValues(cb.name).Set(2)
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	case strings.Contains(errMsg, "circuit breaker"):
		return "circuit_breaker"
	default:
		return "unknown"
	}
}
