package krequest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Val-istar-Guo/krequest/formdata"
)

// Sentinel errors for usage defects and cancellation.
var (
	// ErrDoubleNext is returned by a continuation that is invoked a second time by the
	// same middleware invocation. The remaining chain is not run again.
	ErrDoubleNext = errors.New("krequest: next() called multiple times")

	// ErrNextAfterSettle is returned by a continuation invoked after its middleware returned.
	ErrNextAfterSettle = errors.New("krequest: next() called after middleware returned")

	// ErrMissingFlowControlKey is returned when a flow control key cannot be resolved.
	ErrMissingFlowControlKey = errors.New("krequest: flow control key is required")

	// ErrInvalidArguments is returned by builder methods called with unusable arguments.
	ErrInvalidArguments = errors.New("krequest: invalid arguments")

	// ErrAborted is the cause of a request aborted through Context.Abort without a reason.
	ErrAborted = errors.New("krequest: request aborted")

	// ErrSuperseded is the cause of a request cancelled by flow control because a newer
	// request with the same key started.
	ErrSuperseded = errors.New("krequest: the previous request was not completed, so flow control aborted it")

	// ErrTimeout is the cause of a request that exceeded its timeout.
	ErrTimeout = errors.New("krequest: request timeout")

	// ErrCircuitOpen is the cause of a request rejected by an open circuit breaker.
	ErrCircuitOpen = errors.New("krequest: circuit open")
)

// IsUsageError reports whether err is a programming defect: a misbehaving middleware,
// an invalid builder call, an invalid form field or a single-use stream body sent twice.
// Usage errors are never retried.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) && clientErr.Type == ErrorTypeUsage {
		return true
	}
	return errors.Is(err, ErrDoubleNext) ||
		errors.Is(err, ErrNextAfterSettle) ||
		errors.Is(err, ErrMissingFlowControlKey) ||
		errors.Is(err, ErrInvalidArguments) ||
		errors.Is(err, formdata.ErrInvalidFileValue) ||
		errors.Is(err, formdata.ErrInvalidArguments) ||
		errors.Is(err, formdata.ErrSourceConsumed)
}

// IsCanceled reports whether err is the result of a manual abort, a flow control
// supersession, a timeout or the cancellation of the caller's context.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) && (clientErr.Type == ErrorTypeCanceled || clientErr.Type == ErrorTypeTimeout) {
		return true
	}
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, ErrSuperseded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, 5xx server responses, rate limiting (429) and an open circuit breaker.
// Returns false for usage errors, cancellations and 4xx client errors (except 429).
func IsTransient(err error) bool {
	if err == nil || IsUsageError(err) {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypeCircuitOpen:
			return true
		case ErrorTypeClient:
			return clientErr.StatusCode == 429
		default:
			return false
		}
	}

	return !IsCanceled(err)
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

func usageError(message string, cause error) *ClientError {
	return &ClientError{
		Type:      ErrorTypeUsage,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// cancellationError converts the cause of a done context into a ClientError.
func cancellationError(ctx context.Context, c *Context) *ClientError {
	cause := context.Cause(ctx)
	errType := ErrorTypeCanceled
	message := "request canceled"
	if errors.Is(cause, ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		errType = ErrorTypeTimeout
		message = "request timed out"
	}
	return newClientError(errType, message, cause, c)
}

func newClientError(errType, message string, cause error, c *Context) *ClientError {
	err := &ClientError{
		Type:      errType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
	if c != nil {
		err.RequestID = c.RequestID
		err.Method = c.Method
		if c.URL != nil {
			err.URL = c.URL.String()
		}
		err.Endpoint = c.Endpoint()
		err.Attempt = c.Attempt
		err.MaxRetries = c.maxRetries
		err.Duration = time.Since(c.start)
		if c.Response != nil {
			err.StatusCode = c.Response.StatusCode
		}
	}
	return err
}

// statusError reports a 4xx or 5xx response of c as a ClientError of type ClientError or
// ServerError carrying the status code. It returns nil for any other outcome.
func statusError(c *Context) error {
	if c == nil || c.Response == nil || c.Response.StatusCode < 400 {
		return nil
	}
	errType, message := statusErrorType(c.Response.StatusCode)
	return newClientError(errType, message, nil, c)
}

func statusErrorType(code int) (errType, message string) {
	message = fmt.Sprintf("server responded %d %s", code, http.StatusText(code))
	if code >= 500 {
		return ErrorTypeServer, message
	}
	return ErrorTypeClient, message
}

// StatusError returns a ClientError for a 4xx or 5xx response, and nil otherwise.
// Responses never fail a request on their own; callers and middleware opt in.
func StatusError(resp *http.Response) error {
	if resp == nil || resp.StatusCode < 400 {
		return nil
	}
	errType, message := statusErrorType(resp.StatusCode)
	err := &ClientError{
		Type:       errType,
		Message:    message,
		StatusCode: resp.StatusCode,
		Timestamp:  time.Now(),
	}
	if req := resp.Request; req != nil {
		err.Method = req.Method
		if req.URL != nil {
			err.URL = req.URL.String()
			err.Endpoint = getEndpoint(req.URL)
		}
	}
	return err
}

// RaiseForStatus fails the attempt when the response is a 4xx or 5xx, which makes such
// responses visible to retry predicates and outer middleware as errors.
func RaiseForStatus() Middleware {
	return func(c *Context, next Next) error {
		if err := next(); err != nil {
			return err
		}
		return statusError(c)
	}
}
