package krequest

import (
	"sync/atomic"
)

// Chain is an ordered middleware list. Index 0 is the outermost layer.
type Chain []Middleware

// With returns a new chain with mws appended. The receiver is not modified.
func (ch Chain) With(mws ...Middleware) Chain {
	out := make(Chain, 0, len(ch)+len(mws))
	out = append(out, ch...)
	for _, mw := range mws {
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out
}

// Run executes the chain in onion order around a no-op terminal.
func (ch Chain) Run(c *Context) error {
	return ch.dispatch(c, 0)
}

// Compose merges mws into a single middleware. The composed middleware calls its own
// next after the innermost of mws calls next.
func Compose(mws ...Middleware) Middleware {
	chain := Chain(nil).With(mws...)
	return func(c *Context, next Next) error {
		return chain.With(func(_ *Context, _ Next) error {
			return next()
		}).Run(c)
	}
}

const (
	stateIdle int32 = iota
	stateEntered
	stateContinued
	stateSettled
)

// invocation guards a single call of one middleware.
type invocation struct {
	state  atomic.Int32
	defect atomic.Pointer[ClientError]
}

func (ch Chain) dispatch(c *Context, i int) error {
	if i >= len(ch) {
		return nil
	}

	inv := &invocation{}
	inv.state.Store(stateEntered)

	next := func() error {
		if inv.state.CompareAndSwap(stateEntered, stateContinued) {
			return ch.dispatch(c, i+1)
		}
		if inv.state.Load() == stateSettled {
			return c.reportDefect(i, "next_after_settle", usageError("next() called after middleware returned", ErrNextAfterSettle))
		}
		err := c.reportDefect(i, "double_next", usageError("next() called multiple times", ErrDoubleNext))
		inv.defect.CompareAndSwap(nil, err)
		return err
	}

	err := ch[i](c, next)
	prev := inv.state.Swap(stateSettled)

	if defect := inv.defect.Load(); defect != nil {
		return defect
	}

	if prev == stateEntered && i+1 < len(ch) {
		c.Metrics().RecordShortCircuit(c.Method, c.Endpoint())
		if c.debugEnabled(func(d *DebugConfig) bool { return d.LogMiddleware }) {
			c.Logger().Debug("Middleware short-circuited the chain", "requestID", c.RequestID, "index", i, "skipped", len(ch)-i-1)
		}
	}

	return err
}

func (c *Context) reportDefect(index int, kind string, err *ClientError) *ClientError {
	err.RequestID = c.RequestID
	err.Method = c.Method
	if c.URL != nil {
		err.URL = c.URL.String()
	}
	err.Endpoint = c.Endpoint()
	c.Metrics().RecordUsageDefect(kind)
	c.Logger().Error("Middleware defect", "requestID", c.RequestID, "index", index, "error", err.Error())
	return err
}
