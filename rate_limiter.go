package krequest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc derives a rate limiter key from the request context.
type KeyFunc func(c *Context) string

// RateLimiterRegistry selects a limiter per key, falling back to a default limiter.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	keyFunc  KeyFunc
	fallback *rate.Limiter
}

// NewRateLimiterRegistry creates a new rate limiter registry with the given key function and fallback limiter.
func NewRateLimiterRegistry(keyFunc KeyFunc, fallback *rate.Limiter) *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		keyFunc:  keyFunc,
		fallback: fallback,
	}
}

// NewLimiter returns a token bucket of burst tokens refilled one every interval.
func NewLimiter(burst int, interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), burst)
}

// RegisterLimiter adds a limiter for the given key.
func (r *RateLimiterRegistry) RegisterLimiter(key string, limiter *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[key] = limiter
}

// GetLimiter returns the limiter for the request and the key it was found under.
// If no specific limiter is found, returns the fallback limiter.
func (r *RateLimiterRegistry) GetLimiter(c *Context) (*rate.Limiter, string) {
	if r.keyFunc == nil {
		return r.fallback, "default"
	}

	key := r.keyFunc(c)

	r.mu.RLock()
	limiter, exists := r.limiters[key]
	r.mu.RUnlock()

	if exists {
		return limiter, key
	}
	if r.fallback != nil {
		return r.fallback, "default"
	}
	return nil, key
}

// DefaultHostKeyFunc generates a key based on the request host.
func DefaultHostKeyFunc(c *Context) string {
	if c.URL != nil && c.URL.Host != "" {
		return "host:" + c.URL.Host
	}
	return "host:unknown"
}

// DefaultRouteKeyFunc generates a key based on the request method and path.
func DefaultRouteKeyFunc(c *Context) string {
	path := ""
	if c.URL != nil {
		path = c.URL.Path
	}
	return "route:" + c.Method + ":" + path
}

// RateLimit waits for a token of limiter before calling next. The wait is cancelled
// with the request.
func RateLimit(limiter *rate.Limiter) Middleware {
	return RateLimitRegistry(NewRateLimiterRegistry(nil, limiter))
}

// RateLimitRegistry waits for a token of the limiter selected by registry.
func RateLimitRegistry(registry *RateLimiterRegistry) Middleware {
	return func(c *Context, next Next) error {
		limiter, key := registry.GetLimiter(c)
		if limiter == nil {
			return next()
		}

		start := time.Now()
		if err := limiter.Wait(c.Context()); err != nil {
			if c.Context().Err() != nil {
				return cancellationError(c.Context(), c)
			}
			c.Metrics().RecordError(ErrorTypeRateLimit, c.Method, c.Endpoint())
			if c.debugEnabled(func(d *DebugConfig) bool { return d.LogRateLimit }) {
				c.Logger().Warn("Rate limit exceeded", "requestID", c.RequestID, "key", key)
			}
			return newClientError(ErrorTypeRateLimit, "rate limit exceeded", err, c)
		}

		waited := time.Since(start)
		c.Metrics().RecordRateLimitWait(key, waited)
		if waited > 0 && c.debugEnabled(func(d *DebugConfig) bool { return d.LogRateLimit }) {
			c.Logger().Debug("Rate limiter delayed request", "requestID", c.RequestID, "key", key, "waited", waited)
		}
		return next()
	}
}
