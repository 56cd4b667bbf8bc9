package krequest

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "api",
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	})

	if cb.config.FailureThreshold != 3 {
		t.Errorf("Expected FailureThreshold=3, got %d", cb.config.FailureThreshold)
	}
	if cb.config.RecoveryTimeout != 30*time.Second {
		t.Errorf("Expected RecoveryTimeout=30s, got %v", cb.config.RecoveryTimeout)
	}
	if cb.config.SuccessThreshold != 2 {
		t.Errorf("Expected SuccessThreshold=2, got %d", cb.config.SuccessThreshold)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected initial state=closed, got %v", cb.State())
	}
}

func TestNewCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.config.Name != "default" {
		t.Errorf("Expected default name, got %q", cb.config.Name)
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("Expected default FailureThreshold=5, got %d", cb.config.FailureThreshold)
	}
	if cb.config.RecoveryTimeout != 60*time.Second {
		t.Errorf("Expected default RecoveryTimeout=60s, got %v", cb.config.RecoveryTimeout)
	}
	if cb.config.SuccessThreshold != 2 {
		t.Errorf("Expected default SuccessThreshold=2, got %d", cb.config.SuccessThreshold)
	}
	if cb.config.IsFailure == nil {
		t.Error("Expected a default failure classifier")
	}
}

func TestCircuitBreakerRecordFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("Expected state=closed after 2 failures, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("Expected state=open after 3 failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("Expected false when circuit breaker is open")
	}

	cb.RecordFailure()
	if cb.failures != 3 {
		t.Errorf("Expected failures=3 (unchanged when open), got %d", cb.failures)
	}
}

func TestCircuitBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("Expected state=closed, failures were not consecutive, got %v", cb.State())
	}
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("Expected state=open, got %v", cb.State())
	}

	time.Sleep(30 * time.Millisecond)
	if !cb.Allow() {
		t.Error("Expected true after recovery timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state=half-open, got %v", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state=half-open after 1 success, got %v", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("Expected state=closed after 2 successes, got %v", cb.State())
	}
	if cb.failures != 0 || cb.successes != 0 {
		t.Errorf("Expected counters reset, got failures=%d successes=%d", cb.failures, cb.successes)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("Expected state=open after a half-open failure, got %v", cb.State())
	}
}

func TestDefaultCircuitFailure(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		want   bool
	}{
		{"success", nil, http.StatusOK, false},
		{"client error status", nil, http.StatusNotFound, false},
		{"server error status", nil, http.StatusBadGateway, true},
		{"network", &ClientError{Type: ErrorTypeNetwork}, 0, true},
		{"timeout", &ClientError{Type: ErrorTypeTimeout, Cause: ErrTimeout}, 0, true},
		{"superseded", &ClientError{Type: ErrorTypeCanceled, Cause: ErrSuperseded}, 0, false},
		{"usage", usageError("bad", ErrDoubleNext), 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newChainContext(t)
			if tc.status != 0 {
				c.Response = textResponse(tc.status, "")
			}
			if got := DefaultCircuitFailure(tc.err, c); got != tc.want {
				t.Errorf("DefaultCircuitFailure() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCircuitBreakerMiddlewareShortCircuits(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)
	transport := &scriptedTransport{outcomes: []func() (*http.Response, error){failNetwork}}
	client := New(
		WithTransport(transport),
		WithMetricsCollector(collector),
		WithCircuitBreaker(CircuitBreakerConfig{Name: "api", FailureThreshold: 2, RecoveryTimeout: time.Hour}),
	)

	for i := 0; i < 2; i++ {
		_, err := client.Get("http://example.com/a").Exec(context.Background())
		var clientErr *ClientError
		if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeNetwork {
			t.Fatalf("Expected a network error, got %v", err)
		}
	}

	_, err := client.Get("http://example.com/a").Exec(context.Background())
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeCircuitOpen {
		t.Fatalf("Expected a circuit open error, got %v", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen cause, got %v", err)
	}
	if got := transport.calls.Load(); got != 2 {
		t.Errorf("Expected the open breaker to skip the transport, got %d calls", got)
	}

	if got := testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("api")); got != 1 {
		t.Errorf("Expected breaker state gauge=1, got %v", got)
	}
	if got := testutil.ToFloat64(collector.shortCircuits.WithLabelValues("GET", "example.com/a")); got != 1 {
		t.Errorf("Expected 1 short circuit, got %v", got)
	}
	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues(ErrorTypeCircuitOpen, "GET", "example.com/a")); got != 1 {
		t.Errorf("Expected 1 circuit open error, got %v", got)
	}
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	transport := &scriptedTransport{outcomes: []func() (*http.Response, error){
		func() (*http.Response, error) { return textResponse(http.StatusServiceUnavailable, "down"), nil },
	}}
	client := New(WithTransport(transport), WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}))

	for i := 0; i < 2; i++ {
		out, err := client.Get("http://example.com/a").Exec(context.Background())
		if err != nil || out != "down" {
			t.Fatalf("Expected the 503 body without error, got %v, %v", out, err)
		}
	}

	_, err := client.Get("http://example.com/a").Exec(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerPerHost(t *testing.T) {
	transport := &scriptedTransport{outcomes: []func() (*http.Response, error){failNetwork}}
	client := New(WithTransport(transport))
	client.UseHost("a.example.com", NewCircuitBreaker(CircuitBreakerConfig{Name: "a", FailureThreshold: 1, RecoveryTimeout: time.Hour}).Middleware())

	_, _ = client.Get("http://a.example.com/x").Exec(context.Background())
	_, err := client.Get("http://a.example.com/x").Exec(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected the a.example.com breaker to be open, got %v", err)
	}

	_, err = client.Get("http://b.example.com/x").Exec(context.Background())
	if errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected b.example.com to bypass the breaker, got %v", err)
	}
	if got := transport.calls.Load(); got != 2 {
		t.Errorf("Expected 2 transport calls, got %d", got)
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	transport := &scriptedTransport{outcomes: []func() (*http.Response, error){failNetwork, okResponse}}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, SuccessThreshold: 1})
	client := New(WithTransport(transport), WithMiddleware(cb.Middleware()))

	_, _ = client.Get("http://example.com/a").Exec(context.Background())
	if _, err := client.Get("http://example.com/a").Exec(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	out, err := client.Get("http://example.com/a").Exec(context.Background())
	if err != nil || out != "ok" {
		t.Fatalf("Expected the half-open request to succeed, got %v, %v", out, err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state=closed, got %v", cb.State())
	}
}
