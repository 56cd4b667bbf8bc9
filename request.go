package krequest

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"reflect"
	"time"

	"github.com/Val-istar-Guo/krequest/formdata"
)

// Option keys written by the builder and read back when the request executes.
const (
	OptionRetryTimes  = "retryTimes"
	OptionRetryDelay  = "retryDelay"
	OptionRetryOn     = "retryOn"
	OptionTimeout     = "timeout"
	OptionResolveWith = "resolveWith"
	OptionFlowControl = "flowControl"
)

// Request describes a request fluently. Builder methods record the first usage error
// they meet; Exec returns it without running anything.
//
// A Request snapshots the client middleware when it is created. It may be executed
// several times, but must not be modified concurrently.
type Request struct {
	client     *Client
	method     string
	url        *url.URL
	header     http.Header
	params     map[string]string
	body       Body
	options    map[string]any
	middleware Chain
	redirect   RedirectMode
	signal     context.Context
	into       any
	err        error
}

func newRequest(cl *Client, method, rawURL string) *Request {
	r := &Request{
		client:     cl,
		method:     method,
		header:     make(http.Header),
		params:     make(map[string]string),
		options:    make(map[string]any),
		middleware: cl.snapshot(),
		redirect:   RedirectFollow,
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		r.fail("invalid url", err)
		u = &url.URL{}
	}
	r.url = u
	return r
}

func (r *Request) fail(message string, cause error) *Request {
	if r.err == nil {
		r.err = usageError(message, cause)
	}
	return r
}

// Err returns the first usage error recorded by the builder.
func (r *Request) Err() error {
	return r.err
}

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// URL returns a copy of the request URL, including the query built so far.
func (r *Request) URL() *url.URL {
	u := *r.url
	return &u
}

// Header returns the request headers.
func (r *Request) Header() http.Header { return r.header }

// Set sets a request header.
func (r *Request) Set(key, value string) *Request {
	if key == "" {
		return r.fail("header name is empty", ErrInvalidArguments)
	}
	r.header.Set(key, value)
	return r
}

// SetHeaders sets every header of h, replacing existing values.
func (r *Request) SetHeaders(h map[string]string) *Request {
	for k, v := range h {
		r.Set(k, v)
	}
	return r
}

// Query appends a query parameter. Slices append one value per element; nil is skipped.
// Supported scalar values are strings, booleans, integers and floats.
func (r *Request) Query(key string, value any) *Request {
	if key == "" {
		return r.fail("query key is empty", ErrInvalidArguments)
	}
	if value == nil {
		return r
	}

	q := r.url.Query()
	rv := reflect.ValueOf(value)
	if _, isBytes := value.([]byte); !isBytes && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		for i := 0; i < rv.Len(); i++ {
			s, ok := queryString(rv.Index(i).Interface())
			if !ok {
				return r.fail(fmt.Sprintf("query value of %q has unsupported type %T", key, value), ErrInvalidArguments)
			}
			q.Add(key, s)
		}
	} else {
		s, ok := queryString(value)
		if !ok {
			return r.fail(fmt.Sprintf("query value of %q has unsupported type %T", key, value), ErrInvalidArguments)
		}
		q.Add(key, s)
	}
	r.url.RawQuery = q.Encode()
	return r
}

func queryString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case fmt.Stringer:
		return val.String(), true
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val), true
	default:
		return "", false
	}
}

// QueryMap appends every entry of m with Query.
func (r *Request) QueryMap(m map[string]any) *Request {
	for k, v := range m {
		r.Query(k, v)
	}
	return r
}

// Params sets a route parameter, substituted into ":name" and "{name}" path segments.
func (r *Request) Params(key string, value any) *Request {
	if key == "" {
		return r.fail("route param name is empty", ErrInvalidArguments)
	}
	r.params[key] = fmt.Sprint(value)
	return r
}

// Body replaces the request body.
func (r *Request) Body(b Body) *Request {
	r.body = b
	return r
}

// Send sets a body from a value. Strings become text bodies, *formdata.FormData a
// multipart body and url.Values a urlencoded form; other values are structured data.
// Maps are merged into an existing map body.
func (r *Request) Send(value any) *Request {
	switch v := value.(type) {
	case nil:
		return r.fail("send value is nil", ErrInvalidArguments)
	case string:
		r.body = TextBody(v)
	case *formdata.FormData:
		r.body = FormBody(v)
		r.setTypeIfEmpty("form-data")
	case url.Values:
		r.body = mergeData(r.body, v)
		r.setTypeIfEmpty("form")
	default:
		r.body = mergeData(r.body, v)
		r.setTypeIfEmpty("json")
	}
	return r
}

func (r *Request) form() *formdata.FormData {
	if r.body.kind != BodyForm || r.body.form == nil {
		r.body = FormBody(formdata.New())
	}
	r.setTypeIfEmpty("form-data")
	return r.body.form
}

// Field appends a text field to the multipart body, creating it when the current body is
// not multipart. Slices append one value per element.
func (r *Request) Field(name string, value any) *Request {
	if name == "" || value == nil {
		return r.fail("field requires a name and a value", ErrInvalidArguments)
	}
	fd := r.form()
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice {
		if _, isBytes := value.([]byte); !isBytes {
			for i := 0; i < rv.Len(); i++ {
				if err := fd.Append(name, rv.Index(i).Interface()); err != nil {
					return r.fail("invalid field", err)
				}
			}
			return r
		}
	}
	if err := fd.Append(name, value); err != nil {
		return r.fail("invalid field", err)
	}
	return r
}

// Attach appends a file to the multipart body. value is a *formdata.File, []byte or
// io.Reader; the filename defaults to "file".
func (r *Request) Attach(name string, value any, opts ...formdata.FieldOption) *Request {
	if name == "" {
		return r.fail("attach requires a field name", ErrInvalidArguments)
	}
	switch value.(type) {
	case *formdata.File, []byte:
	default:
		if _, ok := value.(io.Reader); !ok {
			return r.fail(fmt.Sprintf("attach value has unsupported type %T", value), ErrInvalidArguments)
		}
	}
	opts = append([]formdata.FieldOption{formdata.WithFilename("file")}, opts...)
	if err := r.form().Append(name, value, opts...); err != nil {
		return r.fail("invalid attachment", err)
	}
	return r
}

// Type sets the Content-Type. Shorthands json, form, form-data, text, html and xml expand
// to their media types.
func (r *Request) Type(contentType string) *Request {
	return r.Set("Content-Type", fixContentType(contentType))
}

func (r *Request) setTypeIfEmpty(contentType string) {
	if r.header.Get("Content-Type") == "" {
		r.Type(contentType)
	}
}

// Auth sets HTTP basic authentication.
func (r *Request) Auth(username, password string) *Request {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return r.Set("Authorization", "Basic "+token)
}

// Option sets a per-request option readable by middleware through Context.Options.
func (r *Request) Option(key string, value any) *Request {
	if key == "" {
		return r.fail("option key is empty", ErrInvalidArguments)
	}
	r.options[key] = value
	return r
}

// Options merges opts into the per-request options.
func (r *Request) Options(opts map[string]any) *Request {
	for k, v := range opts {
		r.Option(k, v)
	}
	return r
}

// Use appends middleware run after the client middleware.
func (r *Request) Use(mws ...Middleware) *Request {
	r.middleware = r.middleware.With(mws...)
	return r
}

// Retry allows times additional attempts. delay and on may be nil; on defaults to
// DefaultRetryOn.
func (r *Request) Retry(times int, delay RetryDelay, on RetryOn) *Request {
	if times < 0 {
		return r.fail("retry times must be non-negative", ErrInvalidArguments)
	}
	r.options[OptionRetryTimes] = times
	if delay != nil {
		r.options[OptionRetryDelay] = delay
	}
	if on != nil {
		r.options[OptionRetryOn] = on
	}
	return r
}

// FlowControl coordinates this request with other requests using the same key. An empty
// key identifies the calling source line, so repeated calls from one place supersede
// each other.
func (r *Request) FlowControl(mode FlowMode, key string) *Request {
	if key == "" {
		key = callSite(1)
	}
	if key == "" {
		return r.fail("flow control key could not be derived", ErrMissingFlowControlKey)
	}
	r.options[OptionFlowControl] = &FlowControl{Mode: mode, Key: key}
	return r
}

// FlowControlFunc is FlowControl with a key computed from the request context right
// before the first attempt.
func (r *Request) FlowControlFunc(mode FlowMode, fn FlowKeyFunc) *Request {
	if fn == nil {
		return r.fail("flow control key function is nil", ErrMissingFlowControlKey)
	}
	r.options[OptionFlowControl] = &FlowControl{Mode: mode, KeyFunc: fn}
	return r
}

// Timeout bounds each attempt.
func (r *Request) Timeout(d time.Duration) *Request {
	if d < 0 {
		return r.fail("timeout must be non-negative", ErrInvalidArguments)
	}
	r.options[OptionTimeout] = d
	return r
}

// Redirect sets how redirects are handled by an *http.Client transport.
func (r *Request) Redirect(mode RedirectMode) *Request {
	switch mode {
	case RedirectFollow, RedirectError, RedirectManual:
		r.redirect = mode
		return r
	default:
		return r.fail(fmt.Sprintf("unknown redirect mode %q", mode), ErrInvalidArguments)
	}
}

// Signal ties the request to a caller managed cancellation. Flow control is disabled for
// requests with a signal.
func (r *Request) Signal(ctx context.Context) *Request {
	if ctx == nil {
		return r.fail("signal is nil", ErrInvalidArguments)
	}
	r.signal = ctx
	return r
}

// ResolveWith selects how the response is turned into the output.
func (r *Request) ResolveWith(mode OutputMode) *Request {
	switch mode {
	case OutputAuto, OutputResponse, OutputText, OutputBytes, OutputJSON:
		r.options[OptionResolveWith] = string(mode)
		return r
	default:
		return r.fail(fmt.Sprintf("unknown output mode %q", mode), ErrInvalidArguments)
	}
}

// Clone returns an independent copy of the request. Bodies are shared.
func (r *Request) Clone() *Request {
	cp := *r
	u := *r.url
	cp.url = &u
	cp.header = r.header.Clone()
	cp.params = maps.Clone(r.params)
	cp.options = maps.Clone(r.options)
	cp.middleware = r.middleware.With()
	return &cp
}
