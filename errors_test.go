package krequest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Val-istar-Guo/krequest/formdata"
)

func TestClientError(t *testing.T) {
	err := &ClientError{
		Type:    ErrorTypeNetwork,
		Message: "connection timeout",
	}

	expectedMsg := "NetworkError: connection timeout"
	if err.Error() != expectedMsg {
		t.Errorf("Expected '%s', got '%s'", expectedMsg, err.Error())
	}

	cause := errors.New("underlying error")
	errWithCause := &ClientError{
		Type:    ErrorTypeServer,
		Message: "internal server error",
		Cause:   cause,
	}

	expectedMsgWithCause := "ServerError: internal server error (underlying error)"
	if errWithCause.Error() != expectedMsgWithCause {
		t.Errorf("Expected '%s', got '%s'", expectedMsgWithCause, errWithCause.Error())
	}
}

func TestClientErrorWithRequestContext(t *testing.T) {
	err := &ClientError{
		Type:       ErrorTypeTimeout,
		Message:    "request timed out",
		RequestID:  "req-1",
		Attempt:    2,
		MaxRetries: 3,
	}

	expected := "[req-1] TimeoutError: request timed out (attempt 2/3)"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}

	var nilErr *ClientError
	if nilErr.Error() != "<nil>" {
		t.Errorf("Expected '<nil>' for nil error, got '%s'", nilErr.Error())
	}
}

func TestClientErrorUnwrap(t *testing.T) {
	cause := errors.New("original error")
	err := &ClientError{Type: ErrorTypeNetwork, Message: "test message", Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Expected unwrapped error to be %v, got %v", cause, unwrapped)
	}

	noCause := &ClientError{Type: ErrorTypeNetwork, Message: "test message"}
	if unwrapped := noCause.Unwrap(); unwrapped != nil {
		t.Errorf("Expected unwrapped error to be nil, got %v", unwrapped)
	}
}

func TestClientErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ClientError{Type: ErrorTypeCanceled, Message: "canceled", Cause: ErrSuperseded})

	if !errors.Is(err, &ClientError{Type: ErrorTypeCanceled}) {
		t.Error("Expected errors.Is to match on error type")
	}
	if errors.Is(err, &ClientError{Type: ErrorTypeNetwork}) {
		t.Error("Expected errors.Is not to match a different error type")
	}
	if !errors.Is(err, ErrSuperseded) {
		t.Error("Expected errors.Is to reach the cause")
	}
}

func TestClientErrorDebugInfo(t *testing.T) {
	err := &ClientError{
		Type:       ErrorTypeServer,
		Message:    "bad gateway",
		RequestID:  "req-42",
		Method:     "GET",
		URL:        "http://example.com/a",
		StatusCode: 502,
		Attempt:    1,
		MaxRetries: 2,
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:   150 * time.Millisecond,
		Cause:      errors.New("upstream"),
	}

	info := err.DebugInfo()
	for _, want := range []string{
		"Error Type: ServerError",
		"Message: bad gateway",
		"Request ID: req-42",
		"Method: GET",
		"URL: http://example.com/a",
		"Status Code: 502",
		"Attempt: 1/2",
		"Timestamp: 2024-01-02T03:04:05Z",
		"Duration: 150ms",
		"Cause: upstream",
	} {
		if !strings.Contains(info, want) {
			t.Errorf("Expected DebugInfo to contain %q, got:\n%s", want, info)
		}
	}
}

func TestIsUsageError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"double next", ErrDoubleNext, true},
		{"next after settle", fmt.Errorf("x: %w", ErrNextAfterSettle), true},
		{"missing key", usageError("missing", ErrMissingFlowControlKey), true},
		{"invalid file value", formdata.ErrInvalidFileValue, true},
		{"consumed stream", &ClientError{Type: ErrorTypeNetwork, Cause: fmt.Errorf("write body: %w", formdata.ErrSourceConsumed)}, true},
		{"usage type", &ClientError{Type: ErrorTypeUsage}, true},
		{"network", &ClientError{Type: ErrorTypeNetwork}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUsageError(tc.err); got != tc.want {
				t.Errorf("IsUsageError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsCanceled(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"superseded", ErrSuperseded, true},
		{"aborted", ErrAborted, true},
		{"timeout", ErrTimeout, true},
		{"context canceled", context.Canceled, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled type", &ClientError{Type: ErrorTypeCanceled}, true},
		{"timeout type", &ClientError{Type: ErrorTypeTimeout}, true},
		{"network", &ClientError{Type: ErrorTypeNetwork, Cause: errors.New("reset")}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsCanceled(tc.err); got != tc.want {
				t.Errorf("IsCanceled(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &ClientError{Type: ErrorTypeNetwork}, true},
		{"timeout", &ClientError{Type: ErrorTypeTimeout}, true},
		{"server", &ClientError{Type: ErrorTypeServer, StatusCode: 503}, true},
		{"rate limit", &ClientError{Type: ErrorTypeRateLimit}, true},
		{"client 429", &ClientError{Type: ErrorTypeClient, StatusCode: 429}, true},
		{"client 404", &ClientError{Type: ErrorTypeClient, StatusCode: 404}, false},
		{"circuit open", &ClientError{Type: ErrorTypeCircuitOpen, Cause: ErrCircuitOpen}, true},
		{"canceled", &ClientError{Type: ErrorTypeCanceled, Cause: ErrSuperseded}, false},
		{"usage", ErrDoubleNext, false},
		{"plain", errors.New("boom"), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCancellationErrorClassifiesCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrSuperseded)
	err := cancellationError(ctx, nil)
	if err.Type != ErrorTypeCanceled {
		t.Errorf("Expected %s, got %s", ErrorTypeCanceled, err.Type)
	}
	if !errors.Is(err, ErrSuperseded) {
		t.Errorf("Expected cause %v, got %v", ErrSuperseded, err.Cause)
	}

	tctx, tcancel := context.WithTimeoutCause(context.Background(), time.Nanosecond, ErrTimeout)
	defer tcancel()
	<-tctx.Done()
	err = cancellationError(tctx, nil)
	if err.Type != ErrorTypeTimeout {
		t.Errorf("Expected %s, got %s", ErrorTypeTimeout, err.Type)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		wantType  string
		transient bool
	}{
		{"ok", http.StatusOK, "", false},
		{"redirect", http.StatusFound, "", false},
		{"not found", http.StatusNotFound, ErrorTypeClient, false},
		{"too many requests", http.StatusTooManyRequests, ErrorTypeClient, true},
		{"bad gateway", http.StatusBadGateway, ErrorTypeServer, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/items?page=2", nil)
			resp := &http.Response{StatusCode: tc.status, Request: req}

			err := StatusError(resp)
			if tc.wantType == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}

			var clientErr *ClientError
			if !errors.As(err, &clientErr) {
				t.Fatalf("Expected a ClientError, got %v", err)
			}
			if clientErr.Type != tc.wantType || clientErr.StatusCode != tc.status {
				t.Errorf("Expected %s with status %d, got %s with %d", tc.wantType, tc.status, clientErr.Type, clientErr.StatusCode)
			}
			if clientErr.Endpoint != "example.com/items" || clientErr.Method != http.MethodGet {
				t.Errorf("Unexpected request details %+v", clientErr)
			}
			if IsTransient(err) != tc.transient {
				t.Errorf("IsTransient() = %v, want %v", IsTransient(err), tc.transient)
			}
		})
	}
}

func TestErrorsCarryEndpoint(t *testing.T) {
	transport := &scriptedTransport{outcomes: []func() (*http.Response, error){failNetwork}}
	_, err := New(WithTransport(transport)).Get("http://example.com/users/:id").Params("id", 3).Exec(context.Background())

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected a ClientError, got %v", err)
	}
	if clientErr.Endpoint != "example.com/users/3" {
		t.Errorf("Expected endpoint example.com/users/3, got %q", clientErr.Endpoint)
	}
	if !strings.Contains(clientErr.DebugInfo(), "Endpoint: example.com/users/3") {
		t.Errorf("Expected the endpoint in debug info, got %s", clientErr.DebugInfo())
	}
}

func TestRaiseForStatus(t *testing.T) {
	transport := &scriptedTransport{outcomes: []func() (*http.Response, error){
		func() (*http.Response, error) { return textResponse(http.StatusServiceUnavailable, "down"), nil },
		okResponse,
	}}
	client := New(WithTransport(transport), WithMiddleware(RaiseForStatus()))

	out, err := client.Get("http://example.com/a").Retry(1, nil, nil).Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() returned error: %v", err)
	}
	if out != "ok" || transport.calls.Load() != 2 {
		t.Errorf("Expected the 503 to be retried by the default predicate, got %v after %d calls", out, transport.calls.Load())
	}

	transport = &scriptedTransport{outcomes: []func() (*http.Response, error){
		func() (*http.Response, error) { return textResponse(http.StatusNotFound, "missing"), nil },
	}}
	client = New(WithTransport(transport), WithMiddleware(RaiseForStatus()))
	_, err = client.Get("http://example.com/a").Exec(context.Background())

	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeClient || clientErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected a 404 client error, got %v", err)
	}
}

func TestConsumedStreamIsNotRetried(t *testing.T) {
	var calls int
	client := New(WithTransport(TransportFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if _, err := io.Copy(io.Discard, req.Body); err != nil {
			return nil, err
		}
		return nil, errors.New("connection reset")
	})))

	_, err := client.Post("http://example.com/upload").
		Attach("log", io.MultiReader(strings.NewReader("once")), formdata.WithFilename("app.log")).
		Retry(5, nil, nil).
		Exec(context.Background())

	if !errors.Is(err, formdata.ErrSourceConsumed) {
		t.Fatalf("Expected ErrSourceConsumed, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected the loop to stop on the first replay, got %d calls", calls)
	}
}
