package krequest

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
)

// FlowControl configures how concurrent requests sharing a key are coordinated.
// Key takes precedence over KeyFunc when both are set.
type FlowControl struct {
	Mode    FlowMode
	Key     string
	KeyFunc FlowKeyFunc
}

// FlowControlRegistry maps a flow control key to the cancellation of the most recent
// unfinished request holding it. It is safe for concurrent use.
type FlowControlRegistry struct {
	mu      sync.Mutex
	handles map[string]*flowHandle
}

type flowHandle struct {
	key    string
	cancel context.CancelCauseFunc
}

// NewFlowControlRegistry returns an empty registry.
func NewFlowControlRegistry() *FlowControlRegistry {
	return &FlowControlRegistry{handles: make(map[string]*flowHandle)}
}

// Acquire cancels the current holder of key with ErrSuperseded and registers a new
// handle derived from parent. The returned release removes the registration if it still
// belongs to this handle; it does not cancel the returned context, cancel does.
func (r *FlowControlRegistry) Acquire(parent context.Context, key string) (ctx context.Context, release func(), cancel context.CancelCauseFunc, superseded bool) {
	ctx, cancel = context.WithCancelCause(parent)
	h := &flowHandle{key: key, cancel: cancel}

	r.mu.Lock()
	if prev, ok := r.handles[key]; ok {
		prev.cancel(ErrSuperseded)
		superseded = true
	}
	r.handles[key] = h
	r.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			r.mu.Lock()
			if r.handles[key] == h {
				delete(r.handles, key)
			}
			r.mu.Unlock()
		})
	}
	return ctx, release, cancel, superseded
}

// Active reports whether an unfinished request currently holds key.
func (r *FlowControlRegistry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[key]
	return ok
}

// Len returns the number of held keys.
func (r *FlowControlRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// resolveKey returns the key of fc for c.
func (fc *FlowControl) resolveKey(c *Context) (string, error) {
	if fc.Key != "" {
		return fc.Key, nil
	}
	if fc.KeyFunc == nil {
		return "", usageError("flow control key is empty", ErrMissingFlowControlKey)
	}
	key, err := fc.KeyFunc(c)
	if err != nil {
		return "", usageError("flow control key function failed", fmt.Errorf("%w: %w", ErrMissingFlowControlKey, err))
	}
	if key == "" {
		return "", usageError("flow control key function returned an empty key", ErrMissingFlowControlKey)
	}
	return key, nil
}

// callSite identifies the caller skip frames above it, used as the default flow control key.
func callSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return ""
	}
	name := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s@%s:%d", name, filepath.Base(file), line)
}

// enterFlowControl applies flow control to the base context of an execution. The returned
// release must be called once the request settles.
func (cl *Client) enterFlowControl(exec *execution, fc *FlowControl, c *Context) (func(), error) {
	noop := func() {}
	if fc == nil || fc.Mode == "" {
		return noop, nil
	}
	if fc.Mode != FlowAbort {
		if c.debugEnabled(func(d *DebugConfig) bool { return d.LogFlowControl }) {
			c.Logger().Debug("Flow control mode is not supported, ignoring", "requestID", c.RequestID, "mode", fc.Mode)
		}
		return noop, nil
	}
	if exec.signal != nil {
		c.Logger().Warn("Request signal was set manually, flow control will not take effect", "requestID", c.RequestID, "url", c.URL.String())
		return noop, nil
	}

	key, err := fc.resolveKey(c)
	if err != nil {
		return noop, c.reportDefect(-1, "missing_flow_control_key", err.(*ClientError))
	}

	ctx, release, cancel, superseded := cl.flow.Acquire(exec.ctx, key)
	exec.ctx = ctx
	exec.onFinish(func() { cancel(nil) })

	if superseded {
		cl.metrics.RecordFlowAbort(string(fc.Mode))
		if c.debugEnabled(func(d *DebugConfig) bool { return d.LogFlowControl }) {
			c.Logger().Debug("Flow control aborted the previous request", "requestID", c.RequestID, "key", key)
		}
	}
	return release, nil
}
