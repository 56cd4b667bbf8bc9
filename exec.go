package krequest

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// execOptions are the builder options decoded from the per-request option map.
type execOptions struct {
	RetryTimes  *int           `mapstructure:"retryTimes"`
	RetryDelay  *time.Duration `mapstructure:"retryDelay"`
	Timeout     *time.Duration `mapstructure:"timeout"`
	ResolveWith string         `mapstructure:"resolveWith"`

	retryDelay RetryDelay
	retryOn    RetryOn
	flow       *FlowControl
}

var durationType = reflect.TypeOf(time.Duration(0))

// millisecondsHook decodes bare numbers into durations as milliseconds.
func millisecondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Millisecond, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Millisecond)), nil
	default:
		return data, nil
	}
}

func decodeOptions(raw map[string]any) (execOptions, error) {
	var o execOptions
	scalars := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case OptionRetryDelay:
			switch fn := v.(type) {
			case RetryDelay:
				o.retryDelay = fn
				continue
			case func(int, error, *Context) time.Duration:
				o.retryDelay = fn
				continue
			}
		case OptionRetryOn:
			switch fn := v.(type) {
			case RetryOn:
				o.retryOn = fn
			case func(int, error, *Context) bool:
				o.retryOn = fn
			case nil:
			default:
				return o, fmt.Errorf("%w: retryOn has unsupported type %T", ErrInvalidArguments, v)
			}
			continue
		case OptionFlowControl:
			switch fc := v.(type) {
			case *FlowControl:
				o.flow = fc
			case FlowControl:
				o.flow = &fc
			case nil:
			default:
				return o, fmt.Errorf("%w: flowControl has unsupported type %T", ErrInvalidArguments, v)
			}
			continue
		case OptionRetryTimes, OptionTimeout, OptionResolveWith:
		default:
			continue
		}
		scalars[k] = v
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			millisecondsHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           &o,
	})
	if err != nil {
		return o, err
	}
	if err := decoder.Decode(scalars); err != nil {
		return o, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return o, nil
}

// Exec runs the request and returns its output, resolved according to ResolveWith.
//
// Usage errors recorded by the builder are returned before anything runs. The chain runs
// once per attempt, with a fresh Context, until the retry policy stops; the outcome of
// the last attempt is returned.
func (r *Request) Exec(ctx context.Context) (any, error) {
	c, err := r.exec(ctx)
	if c == nil {
		return nil, err
	}
	return c.Output, err
}

// Do runs the request and returns the raw response. The caller must close its body.
func (r *Request) Do(ctx context.Context) (*http.Response, error) {
	c, err := r.Clone().ResolveWith(OutputResponse).exec(ctx)
	if err != nil {
		if c != nil && c.Response != nil && c.Response.Body != nil {
			_ = c.Response.Body.Close()
		}
		return nil, err
	}
	return c.Response, nil
}

// Fetch runs r and decodes a JSON response into T.
func Fetch[T any](ctx context.Context, r *Request) (T, error) {
	var out T
	cp := r.Clone().ResolveWith(OutputJSON)
	cp.into = &out
	_, err := cp.exec(ctx)
	return out, err
}

func (r *Request) exec(ctx context.Context) (*Context, error) {
	if r.err != nil {
		return nil, r.err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cl := r.client

	opts, err := decodeOptions(r.options)
	if err != nil {
		return nil, usageError("invalid request options", err)
	}

	policy := cl.retry
	if opts.RetryTimes != nil {
		policy = RetryPolicy{Times: *opts.RetryTimes}
	}
	if opts.retryDelay != nil {
		policy.Delay = opts.retryDelay
	} else if opts.RetryDelay != nil {
		policy.Delay = FixedDelay(*opts.RetryDelay)
	}
	if opts.retryOn != nil {
		policy.On = opts.retryOn
	}
	if policy.Times < 0 {
		return nil, usageError("retry times must be non-negative", ErrInvalidArguments)
	}

	timeout := cl.timeout
	if opts.Timeout != nil {
		timeout = *opts.Timeout
	}

	base, cancel := context.WithCancelCause(ctx)
	exec := &execution{ctx: base, cancel: cancel, signal: r.signal}
	exec.onFinish(func() { cancel(nil) })
	if r.signal != nil {
		stop := context.AfterFunc(r.signal, func() { cancel(context.Cause(r.signal)) })
		exec.onFinish(func() { stop() })
	}

	start := time.Now()
	requestID := ""
	if cl.debug != nil && cl.debug.RequestIDGen != nil {
		requestID = cl.debug.RequestIDGen()
	}

	first := r.newContext(exec, 0, policy.Times, OutputMode(opts.ResolveWith), requestID, start)

	release, err := cl.enterFlowControl(exec, opts.flow, first)
	if err != nil {
		exec.finish()
		return nil, err
	}

	endpoint := first.Endpoint()
	cl.metrics.RecordRequestStart(r.method, endpoint)
	if first.debugEnabled(func(d *DebugConfig) bool { return d.LogRequests }) {
		first.Logger().Debug("Starting request", "requestID", requestID, "method", r.method, "url", first.URL.String(), "endpoint", endpoint)
	}

	attempt := func(n int) (*Context, error) {
		c := first
		if n > 0 {
			c = r.newContext(exec, n, policy.Times, OutputMode(opts.ResolveWith), requestID, start)
		}
		c.ctx = exec.ctx
		if timeout > 0 {
			actx, acancel := context.WithTimeoutCause(exec.ctx, timeout, ErrTimeout)
			c.ctx = actx
			exec.onFinish(acancel)
		}
		chain := Chain{resolveOutput}.With(r.middleware...).With(cl.fetch)
		return c, chain.Run(c)
	}

	hooks := retryHooks{
		beforeWait: func(c *Context, n int, err error, delay time.Duration) {
			discardResponse(c)
			cl.metrics.RecordRetry(c.Method, endpoint, n+1)
			if c.debugEnabled(func(d *DebugConfig) bool { return d.LogRetries }) {
				c.Logger().Info("Scheduling retry", "requestID", requestID, "attempt", n+1, "maxRetries", policy.Times, "delay", delay, "error", err)
			}
		},
	}

	c, err := policy.run(exec.ctx, attempt, hooks)
	release()
	cl.metrics.RecordRequestEnd(r.method, endpoint)

	if err != nil {
		if c != nil && c.Response != nil && c.outputMode == OutputResponse {
			discardResponse(c)
		}
		if first.debugEnabled(func(d *DebugConfig) bool { return d.LogRequests }) {
			first.Logger().Debug("Request failed", "requestID", requestID, "duration", time.Since(start), "error", err)
		}
		exec.finish()
		return c, err
	}

	if resp, ok := c.Output.(*http.Response); ok && resp.Body != nil {
		resp.Body = &finishOnClose{ReadCloser: resp.Body, finish: exec.finish}
	} else {
		exec.finish()
	}

	if first.debugEnabled(func(d *DebugConfig) bool { return d.LogRequests }) {
		status := 0
		if c.Response != nil {
			status = c.Response.StatusCode
		}
		first.Logger().Debug("Request completed", "requestID", requestID, "status", status, "duration", time.Since(start))
	}
	return c, nil
}

func (r *Request) newContext(exec *execution, attempt, maxRetries int, mode OutputMode, requestID string, start time.Time) *Context {
	u := *r.url
	return &Context{
		URL:         &u,
		Method:      r.method,
		Header:      r.header.Clone(),
		RouteParams: maps.Clone(r.params),
		Body:        r.body,
		Redirect:    r.redirect,
		Options:     maps.Clone(r.options),
		Global:      r.client.global,
		Attempt:     attempt,
		RequestID:   requestID,
		exec:        exec,
		ctx:         exec.ctx,
		client:      r.client,
		maxRetries:  maxRetries,
		start:       start,
		outputMode:  mode,
		into:        r.into,
	}
}

// discardResponse closes a response left open by an attempt that will not be returned.
func discardResponse(c *Context) {
	if c == nil || c.Response == nil || c.Response.Body == nil {
		return
	}
	if _, ok := c.Output.(*http.Response); ok {
		_, _ = io.Copy(io.Discard, io.LimitReader(c.Response.Body, 4096))
		_ = c.Response.Body.Close()
	}
}

// finishOnClose releases the request resources when the caller closes the body.
type finishOnClose struct {
	io.ReadCloser
	finish func()
	closed bool
}

func (f *finishOnClose) Close() error {
	err := f.ReadCloser.Close()
	if !f.closed {
		f.closed = true
		f.finish()
	}
	return err
}
