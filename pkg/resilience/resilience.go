package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"skillswap-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = stderrors.New("circuit breaker open")

// Config tunes a Retrier
type Config struct {
	// Name labels metrics and logs, e.g. "cockroach_sessions"
	Name string
	// MaxAttempts includes the first try
	MaxAttempts int
	// InitialDelay is doubled after every failed attempt up to MaxDelay
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// FailureThreshold consecutive failed operations open the breaker; 0 disables it
	FailureThreshold int
	// CoolDown is how long the breaker stays open before a half-open probe
	CoolDown time.Duration
}

// DefaultConfig returns three attempts with 100ms doubling backoff
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxAttempts:      3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		FailureThreshold: 5,
		CoolDown:         10 * time.Second,
	}
}

// Retrier wraps durable-store operations with bounded retry, exponential
// backoff and a circuit breaker
type Retrier struct {
	cfg Config

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	now                 func() time.Time
}

type retrierMetrics struct {
	attemptsTotal       *prometheus.CounterVec
	failuresTotal       *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
}

var (
	metricsInstance *retrierMetrics
	metricsOnce     sync.Once
)

func getMetrics() *retrierMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &retrierMetrics{
			attemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "durable_write_attempts_total",
					Help: "Total number of durable store attempts",
				},
				[]string{"store", "status"},
			),
			failuresTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "durable_write_errors_total",
					Help: "Total number of durable store errors by type",
				},
				[]string{"store", "error_type"},
			),
			circuitBreakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "durable_write_circuit_breaker_state",
					Help: "State of the durable store circuit breaker (0=closed, 1=half_open, 2=open)",
				},
				[]string{"store"},
			),
		}
		prometheus.MustRegister(metricsInstance.attemptsTotal)
		prometheus.MustRegister(metricsInstance.failuresTotal)
		prometheus.MustRegister(metricsInstance.circuitBreakerState)
	})
	return metricsInstance
}

// NewRetrier creates a Retrier; zero fields fall back to DefaultConfig
func NewRetrier(cfg Config) *Retrier {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	getMetrics().circuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	return &Retrier{
		cfg:   cfg,
		state: CircuitBreakerClosed,
		now:   time.Now,
	}
}

// permanentError stops retrying immediately
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying (constraint violations, bad input)
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Backoff returns the delay before attempt n (1-based) given the initial delay and cap
func Backoff(n int, initial, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(initial) * math.Pow(2, float64(n-1)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if !r.allow() {
		getMetrics().attemptsTotal.WithLabelValues(r.cfg.Name, "circuit_breaker_open").Inc()
		logger.Warn("Durable store circuit breaker is open, request rejected",
			zap.String("store", r.cfg.Name),
			zap.String("operation", operation),
		)
		return fmt.Errorf("%s %s: %w", r.cfg.Name, operation, ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			getMetrics().attemptsTotal.WithLabelValues(r.cfg.Name, "success").Inc()
			r.recordSuccess()
			if attempt > 1 {
				logger.Info("Durable store operation succeeded after retry",
					zap.String("store", r.cfg.Name),
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		lastErr = err
		getMetrics().attemptsTotal.WithLabelValues(r.cfg.Name, "failure").Inc()
		getMetrics().failuresTotal.WithLabelValues(r.cfg.Name, classifyError(err)).Inc()

		var perm *permanentError
		if stderrors.As(err, &perm) {
			return perm.err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		backoff := Backoff(attempt, r.cfg.InitialDelay, r.cfg.MaxDelay)
		logger.Warn("Durable store operation failed, backing off",
			zap.String("store", r.cfg.Name),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.recordFailure()
			return fmt.Errorf("%s %s cancelled after %d attempts: %w", r.cfg.Name, operation, attempt, lastErr)
		case <-timer.C:
		}
	}

	r.recordFailure()
	return fmt.Errorf("%s %s failed after %d attempts: %w", r.cfg.Name, operation, r.cfg.MaxAttempts, lastErr)
}

// State returns the current circuit breaker state
func (r *Retrier) State() CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Retrier) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != CircuitBreakerOpen {
		return true
	}
	if r.now().Sub(r.openedAt) < r.cfg.CoolDown {
		return false
	}
	r.setState(CircuitBreakerHalfOpen)
	logger.Warn("Durable store circuit breaker HALF-OPEN, allowing probe",
		zap.String("store", r.cfg.Name),
	)
	return true
}

func (r *Retrier) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveFailures = 0
	if r.state != CircuitBreakerClosed {
		r.setState(CircuitBreakerClosed)
		logger.Info("Durable store circuit breaker CLOSED", zap.String("store", r.cfg.Name))
	}
}

func (r *Retrier) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.FailureThreshold <= 0 {
		return
	}
	r.consecutiveFailures++
	if r.state == CircuitBreakerHalfOpen || r.consecutiveFailures >= r.cfg.FailureThreshold {
		r.openedAt = r.now()
		if r.state != CircuitBreakerOpen {
			r.setState(CircuitBreakerOpen)
			logger.Error("Durable store circuit breaker OPEN",
				zap.String("store", r.cfg.Name),
				zap.Int("consecutive_failures", r.consecutiveFailures),
			)
		}
	}
}

// setState must be called with r.mu held
func (r *Retrier) setState(s CircuitBreakerState) {
	r.state = s
	var v float64
	switch s {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	getMetrics().circuitBreakerState.WithLabelValues(r.cfg.Name).Set(v)
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "restart transaction") || strings.Contains(errMsg, "40001"):
		return "serialization"
	case strings.Contains(errMsg, "unavailable") || strings.Contains(errMsg, "no hosts available"):
		return "unavailable"
	default:
		return "unknown"
	}
}
