package krequest

import (
	"path"
	"strings"
)

// Matcher selects the requests a routed middleware applies to.
type Matcher func(c *Context) bool

// HostRoute matches the request host, with or without port.
func HostRoute(host string) Matcher {
	return func(c *Context) bool {
		if c.URL == nil {
			return false
		}
		return strings.EqualFold(c.URL.Host, host) || strings.EqualFold(c.URL.Hostname(), host)
	}
}

// PathRoute matches the request path against a path.Match pattern. A trailing "/**"
// matches the prefix and everything below it.
func PathRoute(pattern string) Matcher {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return func(c *Context) bool {
			if c.URL == nil {
				return false
			}
			p := c.URL.Path
			return p == prefix || strings.HasPrefix(p, prefix+"/")
		}
	}
	return func(c *Context) bool {
		if c.URL == nil {
			return false
		}
		ok, err := path.Match(pattern, c.URL.Path)
		return err == nil && ok
	}
}

// MethodRoute matches any of the given methods, case-insensitively.
func MethodRoute(methods ...string) Matcher {
	return func(c *Context) bool {
		for _, m := range methods {
			if strings.EqualFold(m, c.Method) {
				return true
			}
		}
		return false
	}
}

// AllRoutes matches when every matcher matches.
func AllRoutes(matchers ...Matcher) Matcher {
	return func(c *Context) bool {
		for _, m := range matchers {
			if !m(c) {
				return false
			}
		}
		return true
	}
}

// Route applies mw only to requests selected by m. Other requests pass through.
func Route(m Matcher, mw Middleware) Middleware {
	return func(c *Context, next Next) error {
		if m(c) {
			return mw(c, next)
		}
		return next()
	}
}
