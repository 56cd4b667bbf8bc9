package krequest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Val-istar-Guo/krequest/internal/backoff"
)

// RetryPolicy bounds how many times the chain runs for one request.
// Times is the number of additional attempts after the first.
//
// On is consulted after every attempt, successful ones included, so a predicate can
// retry on a response it considers unusable. The default predicate, DefaultRetryOn, only
// retries failed attempts, so with it the loop stops as soon as the chain succeeds.
type RetryPolicy struct {
	Times int
	Delay RetryDelay
	On    RetryOn
}

// DefaultRetryOn retries whenever the previous attempt failed.
func DefaultRetryOn(_ int, err error, _ *Context) bool {
	return err != nil
}

// TransientRetryOn retries network failures, timeouts, 429 and 5xx responses.
func TransientRetryOn(_ int, err error, c *Context) bool {
	if err == nil {
		err = statusError(c)
	}
	return IsTransient(err)
}

// FixedDelay waits d between attempts.
func FixedDelay(d time.Duration) RetryDelay {
	calc := backoff.NewCalculator(backoff.Constant(d))
	return func(attempt int, _ error, _ *Context) time.Duration {
		return calc.Next(attempt)
	}
}

// ExponentialDelay grows the delay by multiplier each attempt, with uniform jitter in
// [0, jitter] of the delay, capped at maxDelay.
func ExponentialDelay(initial, maxDelay time.Duration, multiplier, jitter float64) RetryDelay {
	calc := backoff.NewCalculator(backoff.ExponentialJitter{
		Initial:    initial,
		Max:        maxDelay,
		Multiplier: multiplier,
		Jitter:     jitter,
	})
	return func(attempt int, _ error, _ *Context) time.Duration {
		return calc.Next(attempt)
	}
}

// DecorrelatedDelay picks a random delay between initial and three times the previous
// delay, capped at maxDelay.
func DecorrelatedDelay(initial, maxDelay time.Duration) RetryDelay {
	calc := backoff.NewCalculator(backoff.DecorrelatedJitter{Initial: initial, Max: maxDelay})
	return func(attempt int, _ error, _ *Context) time.Duration {
		return calc.Next(attempt)
	}
}

// RetryAfterDelay honors a Retry-After header on the failed response and falls back
// otherwise.
func RetryAfterDelay(fallback RetryDelay) RetryDelay {
	return func(attempt int, err error, c *Context) time.Duration {
		if c != nil && c.Response != nil {
			if d := parseRetryAfter(c.Response.Header.Get("Retry-After")); d > 0 {
				return d
			}
		}
		if fallback == nil {
			return 0
		}
		return fallback(attempt, err, c)
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, time.Hour)
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return min(d, time.Hour)
		}
	}
	return 0
}

// retryHooks observes the retry loop.
type retryHooks struct {
	beforeWait func(c *Context, attempt int, err error, delay time.Duration)
}

// run executes attempt until it succeeds without the predicate asking for more, the
// predicate declines, or Times additional attempts ran. Usage errors and cancellation of
// ctx stop the loop. The last attempt's outcome is returned as is.
func (p RetryPolicy) run(ctx context.Context, attempt func(n int) (*Context, error), hooks retryHooks) (*Context, error) {
	on := p.On
	if on == nil {
		on = DefaultRetryOn
	}

	for n := 0; ; n++ {
		c, err := attempt(n)
		if n >= p.Times || IsUsageError(err) || ctx.Err() != nil || !on(n, err, c) {
			return c, err
		}

		var delay time.Duration
		if p.Delay != nil {
			delay = max(p.Delay(n, err, c), 0)
		}
		if hooks.beforeWait != nil {
			hooks.beforeWait(c, n, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return c, cancellationError(ctx, c)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
