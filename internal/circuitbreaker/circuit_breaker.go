package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

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

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

type Config struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
	MaxRequests int

	// IsFailure decides whether an error returned by the guarded call trips
	// the breaker. Nil means every non-nil error counts.
	IsFailure func(err error) bool

	OnStateChange func(name string, from State, to State)
}

type CircuitBreaker struct {
	name          string
	maxFailures   int
	timeout       time.Duration
	maxRequests   int
	isFailure     func(err error) bool
	onStateChange func(name string, from State, to State)

	mutex        sync.Mutex
	state        State
	failures     int
	requests     int
	lastFailTime time.Time
	now          func() time.Time

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
	stateChanges    int64
	lastStateChange time.Time

	logger *logrus.Logger
}

func New(config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "unnamed"
	}

	if config.MaxFailures <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.MaxFailures,
			"default_value":   5,
		}).Warn("Invalid MaxFailures value, using default")
		config.MaxFailures = 5
	}

	if config.Timeout <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.Timeout,
			"default_value":   "30s",
		}).Warn("Invalid Timeout value, using default")
		config.Timeout = 30 * time.Second
	}

	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}

	if config.Timeout > 10*time.Minute {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.Timeout,
			"max_allowed":     "10m",
		}).Warn("Timeout too high, capping at maximum")
		config.Timeout = 10 * time.Minute
	}

	return &CircuitBreaker{
		name:          config.Name,
		maxFailures:   config.MaxFailures,
		timeout:       config.Timeout,
		maxRequests:   config.MaxRequests,
		isFailure:     config.IsFailure,
		onStateChange: config.OnStateChange,
		state:         StateClosed,
		now:           time.Now,
		logger:        logger,
	}
}

// Execute runs fn unless the breaker is open. Calls that fail while the
// breaker is half-open send it straight back to open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailTime) <= cb.timeout {
			cb.totalRejected++
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"state":           cb.state.String(),
			}).Debug("Circuit breaker is open, rejecting request")
			return ErrCircuitBreakerOpen
		}
		cb.setState(StateHalfOpen)
		cb.requests = 0
	}

	if cb.state == StateHalfOpen {
		if cb.requests >= cb.maxRequests {
			cb.totalRejected++
			return ErrCircuitBreakerOpen
		}
		cb.requests++
	}

	cb.totalRequests++
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil && cb.counts(err) {
		cb.totalFailures++
		cb.failures++
		cb.lastFailTime = cb.now()

		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
			cb.requests = 0
		}
		return
	}

	cb.totalSuccesses++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.requests = 0
	}
}

func (cb *CircuitBreaker) counts(err error) bool {
	if cb.isFailure == nil {
		return true
	}
	return cb.isFailure(err)
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChanges++
	cb.lastStateChange = cb.now()

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from_state":      oldState.String(),
		"to_state":        newState.String(),
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.notify(cb.name, oldState, newState)
	}
}

func (cb *CircuitBreaker) notify(name string, from State, to State) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	cb.onStateChange(name, from, to)
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return map[string]interface{}{
		"name":            cb.name,
		"state":           cb.state.String(),
		"failures":        cb.failures,
		"total_requests":  cb.totalRequests,
		"total_failures":  cb.totalFailures,
		"total_successes": cb.totalSuccesses,
		"total_rejected":  cb.totalRejected,
		"state_changes":   cb.stateChanges,
		"max_failures":    cb.maxFailures,
		"timeout_seconds": cb.timeout.Seconds(),
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.requests = 0
	cb.lastFailTime = time.Time{}
}

func (cb *CircuitBreaker) String() string {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return fmt.Sprintf("CircuitBreaker(name=%s, state=%s, failures=%d/%d)",
		cb.name, cb.state.String(), cb.failures, cb.maxFailures)
}
