package krequest

import (
	"net/http"
	"sync"
	"time"
)

// Client owns the middleware registry, the flow control registry and the Global map
// shared by every request it creates. It is safe for concurrent use.
type Client struct {
	transport Transport
	timeout   time.Duration
	retry     RetryPolicy

	mu         sync.RWMutex
	middleware []Middleware

	flow    *FlowControlRegistry
	global  *Global
	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	breakers []CircuitBreakerConfig

	validationError error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		transport: &http.Client{},
		timeout:   30 * time.Second,
		flow:      NewFlowControlRegistry(),
		global:    NewGlobal(),
		debug:     DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

var defaultClient = sync.OnceValue(func() *Client {
	return New(WithLogger(NewSlogLogger(nil)))
})

// Default returns the process-wide client, created on first use.
func Default() *Client {
	return defaultClient()
}

// Use registers middleware. Requests created afterwards run it; requests already
// created keep the list they were created with.
func (cl *Client) Use(mws ...Middleware) *Client {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, mw := range mws {
		if mw != nil {
			cl.middleware = append(cl.middleware, mw)
		}
	}
	return cl
}

// UseRoute registers middleware that only runs for requests selected by m.
func (cl *Client) UseRoute(m Matcher, mws ...Middleware) *Client {
	return cl.Use(Route(m, Compose(mws...)))
}

// UseHost registers middleware for requests to host.
func (cl *Client) UseHost(host string, mws ...Middleware) *Client {
	return cl.UseRoute(HostRoute(host), mws...)
}

func (cl *Client) snapshot() Chain {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return Chain(nil).With(cl.middleware...)
}

// Global returns the map shared by all requests of the client.
func (cl *Client) Global() *Global {
	return cl.global
}

// FlowControl returns the flow control registry of the client.
func (cl *Client) FlowControl() *FlowControlRegistry {
	return cl.flow
}

// Metrics returns the metrics collector, or nil when metrics are disabled.
func (cl *Client) Metrics() *MetricsCollector {
	return cl.metrics
}

// IsValid reports whether the configuration passed validation.
func (cl *Client) IsValid() bool {
	return cl.validationError == nil
}

// ValidationError returns the configuration error found by New, if any.
func (cl *Client) ValidationError() error {
	return cl.validationError
}

// Request starts a request with an arbitrary method.
func (cl *Client) Request(method, rawURL string) *Request {
	return newRequest(cl, method, rawURL)
}

// Get starts a GET request.
func (cl *Client) Get(rawURL string) *Request { return cl.Request(http.MethodGet, rawURL) }

// Head starts a HEAD request.
func (cl *Client) Head(rawURL string) *Request { return cl.Request(http.MethodHead, rawURL) }

// Post starts a POST request.
func (cl *Client) Post(rawURL string) *Request { return cl.Request(http.MethodPost, rawURL) }

// Put starts a PUT request.
func (cl *Client) Put(rawURL string) *Request { return cl.Request(http.MethodPut, rawURL) }

// Patch starts a PATCH request.
func (cl *Client) Patch(rawURL string) *Request { return cl.Request(http.MethodPatch, rawURL) }

// Delete starts a DELETE request.
func (cl *Client) Delete(rawURL string) *Request { return cl.Request(http.MethodDelete, rawURL) }

// Get starts a GET request on the default client.
func Get(rawURL string) *Request { return Default().Get(rawURL) }

// Post starts a POST request on the default client.
func Post(rawURL string) *Request { return Default().Post(rawURL) }

// Put starts a PUT request on the default client.
func Put(rawURL string) *Request { return Default().Put(rawURL) }

// Patch starts a PATCH request on the default client.
func Patch(rawURL string) *Request { return Default().Patch(rawURL) }

// Delete starts a DELETE request on the default client.
func Delete(rawURL string) *Request { return Default().Delete(rawURL) }

// Head starts a HEAD request on the default client.
func Head(rawURL string) *Request { return Default().Head(rawURL) }

// Use registers middleware on the default client.
func Use(mws ...Middleware) *Client { return Default().Use(mws...) }
