package krequest

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// RedirectMode is forwarded to the transport when it is an *http.Client.
type RedirectMode string

const (
	RedirectFollow RedirectMode = "follow"
	RedirectError  RedirectMode = "error"
	RedirectManual RedirectMode = "manual"
)

// Context describes one attempt of a request. It is shared by every middleware of the
// attempt and must not be retained after the request settles.
type Context struct {
	URL         *url.URL
	Method      string
	Header      http.Header
	RouteParams map[string]string
	Body        Body
	Redirect    RedirectMode

	// Options holds free-form per-request options, including the ones set by the builder.
	Options map[string]any

	// Global is shared by every request of the client for the lifetime of the process.
	Global *Global

	Response *http.Response
	Output   any

	Attempt   int
	RequestID string

	exec       *execution
	ctx        context.Context
	client     *Client
	maxRetries int
	start      time.Time
	outputMode OutputMode
	into       any
	values     map[string]any
}

// execution is the state shared by all attempts of one Exec call.
type execution struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	signal context.Context

	mu      sync.Mutex
	cleanup []func()
}

func (e *execution) onFinish(fn func()) {
	e.mu.Lock()
	e.cleanup = append(e.cleanup, fn)
	e.mu.Unlock()
}

func (e *execution) finish() {
	e.mu.Lock()
	fns := e.cleanup
	e.cleanup = nil
	e.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Context returns the cancellation of this attempt. It is done when the request is
// aborted, superseded by flow control, timed out, or when the caller context is done.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Signal returns the cancellation supplied by the caller through Request.Signal, or nil.
func (c *Context) Signal() context.Context {
	if c.exec == nil {
		return nil
	}
	return c.exec.signal
}

// Abort cancels the request, including any pending retry. A nil reason uses ErrAborted.
func (c *Context) Abort(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	if c.exec != nil && c.exec.cancel != nil {
		c.exec.cancel(reason)
	}
}

// Set stores a value owned by a middleware for the rest of the attempt.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Get returns a value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Option returns a per-request option.
func (c *Context) Option(key string) (any, bool) {
	v, ok := c.Options[key]
	return v, ok
}

// Logger returns the client logger. It is never nil.
func (c *Context) Logger() Logger {
	if c.client == nil || c.client.logger == nil {
		return noopLogger{}
	}
	return c.client.logger
}

// Metrics returns the client metrics collector, possibly nil. MetricsCollector methods
// are nil-safe.
func (c *Context) Metrics() *MetricsCollector {
	if c.client == nil {
		return nil
	}
	return c.client.metrics
}

// MaxRetries returns the number of additional attempts allowed after the first.
func (c *Context) MaxRetries() int {
	return c.maxRetries
}

// Elapsed returns the time spent since the request started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.start)
}

// debugEnabled reports whether the category selected by pick is logged.
func (c *Context) debugEnabled(pick func(*DebugConfig) bool) bool {
	if c.client == nil || c.client.logger == nil {
		return false
	}
	d := c.client.debug
	return d != nil && d.Enabled && pick(d)
}

// Endpoint returns host and path, used as a low cardinality metrics label.
func (c *Context) Endpoint() string {
	return getEndpoint(c.URL)
}

func getEndpoint(u *url.URL) string {
	if u == nil {
		return "unknown"
	}
	if u.Host == "" {
		return u.Path
	}
	return u.Host + u.Path
}

// Global is a process-wide map shared by all requests of a client. It is safe for
// concurrent use.
type Global struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewGlobal returns an empty Global.
func NewGlobal() *Global {
	return &Global{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (g *Global) Get(key string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[key]
	return v, ok
}

// Set stores value under key.
func (g *Global) Set(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[key] = value
}

// Delete removes key.
func (g *Global) Delete(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.values, key)
}

// Update replaces the value under key with the result of fn, atomically.
func (g *Global) Update(key string, fn func(old any, ok bool) any) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	old, ok := g.values[key]
	v := fn(old, ok)
	g.values[key] = v
	return v
}

// Keys returns the stored keys in no particular order.
func (g *Global) Keys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]string, 0, len(g.values))
	for k := range g.values {
		keys = append(keys, k)
	}
	return keys
}
