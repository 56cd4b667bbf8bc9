// Package krequest is an HTTP request builder that runs every request through a
// middleware chain.
//
//   - Fluent request description: headers, query, route params, body, output mode
//   - Onion middleware with single next() discipline and short-circuiting
//   - Flow control: a new request with the same key aborts the previous one
//   - Bounded retries with pluggable delay and predicate
//   - Lazy multipart bodies (see package formdata) with exact Content-Length when known
//   - Prometheus metrics, structured logging, response cache and rate limiting middleware
//
// Typical usage:
//
//	client := krequest.New(
//	    krequest.WithTimeout(10*time.Second),
//	    krequest.WithMetrics(),
//	)
//	client.Use(func(c *krequest.Context, next krequest.Next) error {
//	    c.Header.Set("X-Trace", c.RequestID)
//	    return next()
//	})
//	user, err := krequest.Fetch[User](ctx, client.Get("https://api.example.com/users/:id").
//	    Params("id", 42).
//	    Retry(2, krequest.FixedDelay(time.Second), nil).
//	    FlowControl(krequest.FlowAbort, "user"))
//
// Builder methods never fail: the first usage error is kept and returned by Exec before
// any middleware runs. Errors are *ClientError values; use IsCanceled, IsUsageError and
// IsTransient to branch on them.
package krequest
