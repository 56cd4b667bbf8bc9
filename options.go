package krequest

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// WithTimeout sets the default per-attempt timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets the *http.Client used as transport
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.transport = client
	}
}

// WithTransport sets a custom transport
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithHTTP2 uses an HTTP/2 capable transport, falling back to HTTP/1.1 when the server
// does not negotiate h2.
func WithHTTP2() Option {
	return func(c *Client) {
		t1 := http.DefaultTransport.(*http.Transport).Clone()
		if err := http2.ConfigureTransport(t1); err != nil {
			c.validationError = &ClientError{
				Type:    ErrorTypeValidation,
				Message: "http2 transport configuration failed",
				Cause:   err,
			}
			return
		}
		c.transport = &http.Client{Transport: t1}
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithRetry sets the retry policy applied to requests that do not set their own.
func WithRetry(times int, delay RetryDelay, on RetryOn) Option {
	return func(c *Client) {
		c.retry = RetryPolicy{Times: times, Delay: delay, On: on}
	}
}

// WithCircuitBreaker registers a circuit breaker covering every request of the client.
// Use NewCircuitBreaker with Client.UseHost for one breaker per upstream.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakers = append(c.breakers, config)
		c.middleware = append(c.middleware, NewCircuitBreaker(config).Middleware())
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets the logger. Warnings go to it even when debug logging is disabled.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithGlobal shares g between clients.
func WithGlobal(g *Global) Option {
	return func(c *Client) {
		c.global = g
	}
}

// WithFlowControlRegistry shares a flow control registry between clients, so that
// requests of different clients supersede each other.
func WithFlowControlRegistry(r *FlowControlRegistry) Option {
	return func(c *Client) {
		c.flow = r
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateTransportConfig()...)
	errors = append(errors, c.validateCircuitBreakerConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	if c.validationError != nil {
		return c.validationError
	}

	return nil
}

func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.retry.Times < 0 {
		errors = append(errors, "retry times must be non-negative")
	}

	if c.timeout < 0 {
		errors = append(errors, "timeout must be non-negative")
	}

	return errors
}

func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

func (c *Client) validateTransportConfig() []string {
	var errors []string

	if c.transport == nil {
		errors = append(errors, "transport cannot be nil")
	}
	if c.flow == nil {
		errors = append(errors, "flow control registry cannot be nil")
	}
	if c.global == nil {
		errors = append(errors, "global cannot be nil")
	}

	return errors
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var errors []string

	for _, cfg := range c.breakers {
		if cfg.FailureThreshold < 0 {
			errors = append(errors, "circuitBreaker FailureThreshold must be positive")
		}
		if cfg.RecoveryTimeout < 0 {
			errors = append(errors, "circuitBreaker RecoveryTimeout must be positive")
		}
		if cfg.SuccessThreshold < 0 {
			errors = append(errors, "circuitBreaker SuccessThreshold must be positive")
		}
	}

	return errors
}

func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.retry.Times > 100 {
		errors = append(errors, "retry times > 100 may cause excessive resource usage")
	}

	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}

	return errors
}
