package krequest

import (
	"errors"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Name labels the state gauge. Defaults to "default".
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int

	// IsFailure classifies the outcome of next. Defaults to DefaultCircuitFailure.
	IsFailure func(err error, c *Context) bool
}

// CircuitBreaker stops sending requests to a failing upstream. It opens after
// FailureThreshold consecutive failures, rejects requests for RecoveryTimeout, then lets
// requests through half-open until SuccessThreshold successes close it again.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
}

// DefaultCircuitFailure counts network errors, timeouts and 5xx responses as failures.
func DefaultCircuitFailure(err error, c *Context) bool {
	if err == nil {
		err = statusError(c)
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return false
	}
	switch clientErr.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultCircuitFailure
	}

	return &CircuitBreaker{
		config: config,
		state:  int64(StateClosed),
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Allow checks if the request should be allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() bool {
	now := time.Now().UnixNano()

	switch cb.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if now-lastFailure >= int64(cb.config.RecoveryTimeout) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
			}
			return true
		}
		return false
	default:
		return false
	}
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, time.Now().UnixNano())

	switch cb.State() {
	case StateClosed:
		failures := atomic.AddInt64(&cb.failures, 1)
		if failures >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateOpen))
		}
	case StateHalfOpen:
		// a single failure while probing reopens
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.state, int64(StateOpen))
		atomic.StoreInt64(&cb.successes, 0)
	}
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateHalfOpen:
		successes := atomic.AddInt64(&cb.successes, 1)
		if successes >= int64(cb.config.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
		}
	}
}

// Middleware rejects requests with ErrCircuitOpen while the breaker is open and feeds
// the outcome of next back into the breaker. Register it per host with Client.UseHost
// to isolate upstreams.
func (cb *CircuitBreaker) Middleware() Middleware {
	return func(c *Context, next Next) error {
		if !cb.Allow() {
			c.Metrics().RecordError(ErrorTypeCircuitOpen, c.Method, c.Endpoint())
			c.Metrics().RecordCircuitBreakerState(cb.config.Name, StateOpen)
			if c.debugEnabled(func(d *DebugConfig) bool { return d.LogCircuitBreaker }) {
				c.Logger().Warn("Circuit breaker open", "requestID", c.RequestID, "breaker", cb.config.Name, "endpoint", c.Endpoint())
			}
			return newClientError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen, c)
		}

		err := next()
		switch {
		case cb.config.IsFailure(err, c):
			cb.RecordFailure()
		case err == nil:
			cb.RecordSuccess()
		}

		state := cb.State()
		c.Metrics().RecordCircuitBreakerState(cb.config.Name, state)
		if c.debugEnabled(func(d *DebugConfig) bool { return d.LogCircuitBreaker }) {
			c.Logger().Debug("Circuit breaker state", "requestID", c.RequestID, "breaker", cb.config.Name, "state", state.String())
		}
		return err
	}
}
