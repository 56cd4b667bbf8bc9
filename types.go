package krequest

import (
	"net/http"
	"time"
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeUsage       = "UsageError"
	ErrorTypeCanceled    = "CanceledError"
	ErrorTypeTimeout     = "TimeoutError"
	ErrorTypeNetwork     = "NetworkError"
	ErrorTypeServer      = "ServerError"
	ErrorTypeClient      = "ClientError"
	ErrorTypeRateLimit   = "RateLimitError"
	ErrorTypeValidation  = "ValidationError"
	ErrorTypeCircuitOpen = "CircuitOpenError"
)

// ClientError represents an error from the client
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
	StatusCode int
	Endpoint   string
}

// Transport performs the network call at the end of the middleware chain.
// *http.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(*http.Request) (*http.Response, error)

// Do implements Transport.
func (f TransportFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Next runs the remaining middleware of a chain. It must be called at most once.
type Next func() error

// Middleware wraps the remaining chain. Code before next runs outer to inner, code after
// next runs inner to outer. Returning without calling next short-circuits the chain.
type Middleware func(c *Context, next Next) error

// RetryDelay computes the wait before the attempt following attempt.
type RetryDelay func(attempt int, err error, c *Context) time.Duration

// RetryOn decides whether another attempt runs after attempt settled with err.
type RetryOn func(attempt int, err error, c *Context) bool

// FlowMode selects the flow control policy of a request.
type FlowMode string

// FlowAbort cancels the unfinished request holding the same key when a new one starts.
const FlowAbort FlowMode = "abort"

// FlowKeyFunc derives a flow control key from the request context.
type FlowKeyFunc func(c *Context) (string, error)

// OutputMode selects how the response is resolved into Context.Output.
type OutputMode string

const (
	// OutputAuto picks json, text or bytes from the response Content-Type.
	OutputAuto     OutputMode = ""
	OutputResponse OutputMode = "response"
	OutputText     OutputMode = "text"
	OutputBytes    OutputMode = "bytes"
	OutputJSON     OutputMode = "json"
)

// Option represents a configuration option
type Option func(*Client)

// CacheEntry represents a cached response
type CacheEntry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	ExpiresAt  time.Time
}

// Cache interface for response caching
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
}

// CacheCondition determines whether a request should be cached
type CacheCondition func(c *Context) bool

// Option keys understood by Context.Options.
const (
	OptionCache = "cache"
)

// CacheControl overrides the cache middleware for a single request when stored under
// the "cache" option.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}
