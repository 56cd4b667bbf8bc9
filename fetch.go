package krequest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var errRedirectNotAllowed = errors.New("krequest: redirect not allowed")

// fetch is the innermost stage: it builds the *http.Request from the context and calls
// the transport.
func (cl *Client) fetch(c *Context, next Next) error {
	req, err := c.buildRequest()
	if err != nil {
		return err
	}

	endpoint := c.Endpoint()
	start := time.Now()
	resp, err := cl.transportFor(c.Redirect).Do(req)
	duration := time.Since(start)

	if err != nil {
		cerr := c.transportError(err)
		cl.metrics.RecordRequest(c.Method, endpoint, 0, duration)
		cl.metrics.RecordError(cerr.Type, c.Method, endpoint)
		return cerr
	}

	cl.metrics.RecordRequest(c.Method, endpoint, resp.StatusCode, duration)
	c.Response = resp
	return next()
}

func (cl *Client) transportFor(mode RedirectMode) Transport {
	hc, ok := cl.transport.(*http.Client)
	if !ok || mode == "" || mode == RedirectFollow {
		return cl.transport
	}
	cp := *hc
	switch mode {
	case RedirectManual:
		cp.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case RedirectError:
		cp.CheckRedirect = func(*http.Request, []*http.Request) error {
			return errRedirectNotAllowed
		}
	}
	return &cp
}

// transportError classifies a transport failure. Failures caused by a done context are
// reported as cancellations carrying the context cause.
func (c *Context) transportError(err error) *ClientError {
	if c.Context().Err() != nil {
		return cancellationError(c.Context(), c)
	}
	var cerr *ClientError
	if errors.As(err, &cerr) {
		return cerr
	}
	return newClientError(ErrorTypeNetwork, "network request failed", err, c)
}

func (c *Context) buildRequest() (*http.Request, error) {
	u, err := c.resolveURL()
	if err != nil {
		return nil, err
	}

	header := c.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	body, length, err := c.encodeBody(header)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(c.Context(), c.Method, u.String(), body)
	if err != nil {
		if body != nil {
			_ = body.Close()
		}
		return nil, newClientError(ErrorTypeUsage, "cannot build request", err, c)
	}
	req.Header = header
	if body != nil {
		switch {
		case length > 0:
			req.ContentLength = length
		case length == 0:
			_ = body.Close()
			req.Body = http.NoBody
			req.ContentLength = 0
		default:
			req.ContentLength = -1
		}
	}
	return req, nil
}

// resolveURL substitutes route params into ":name" and "{name}" path segments.
func (c *Context) resolveURL() (*url.URL, error) {
	if c.URL == nil {
		return nil, newClientError(ErrorTypeUsage, "request url is empty", ErrInvalidArguments, c)
	}
	u := *c.URL
	if len(c.RouteParams) == 0 {
		return &u, nil
	}

	segments := strings.Split(u.Path, "/")
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
		name, ok := routeParamName(seg)
		if !ok {
			continue
		}
		value, ok := c.RouteParams[name]
		if !ok {
			continue
		}
		segments[i] = value
		escaped[i] = url.PathEscape(value)
	}
	u.Path = strings.Join(segments, "/")
	u.RawPath = strings.Join(escaped, "/")
	return &u, nil
}

func routeParamName(seg string) (string, bool) {
	if len(seg) > 1 && seg[0] == ':' {
		return seg[1:], true
	}
	if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

// encodeBody returns the body reader and its length, -1 when unknown. It sets a default
// Content-Type in header when none is present.
func (c *Context) encodeBody(header http.Header) (io.ReadCloser, int64, error) {
	b := c.Body
	switch b.kind {
	case BodyNone:
		return nil, 0, nil

	case BodyText:
		setDefault(header, "Content-Type", "text/plain;charset=UTF-8")
		return io.NopCloser(strings.NewReader(b.text)), int64(len(b.text)), nil

	case BodyData:
		if mediaType(header) == "application/x-www-form-urlencoded" {
			values, err := encodeForm(b.data)
			if err != nil {
				return nil, 0, newClientError(ErrorTypeUsage, "cannot encode form body", err, c)
			}
			return io.NopCloser(strings.NewReader(values)), int64(len(values)), nil
		}
		data, err := json.Marshal(b.data)
		if err != nil {
			return nil, 0, newClientError(ErrorTypeUsage, "cannot encode json body", err, c)
		}
		setDefault(header, "Content-Type", "application/json")
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil

	case BodyForm:
		header.Set("Content-Type", b.form.ContentType())
		length, ok := b.form.ComputedLength()
		if !ok {
			length = -1
		}
		return b.form.Encoder(c.Context()), length, nil

	case BodyBinary:
		rc, err := b.file.Open()
		if err != nil {
			return nil, 0, newClientError(ErrorTypeUsage, "cannot open binary body", err, c)
		}
		contentType := b.file.Type
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		setDefault(header, "Content-Type", contentType)
		return rc, b.file.Size, nil

	default:
		return nil, 0, newClientError(ErrorTypeUsage, fmt.Sprintf("unknown body kind %d", b.kind), ErrInvalidArguments, c)
	}
}

func setDefault(header http.Header, key, value string) {
	if header.Get(key) == "" {
		header.Set(key, value)
	}
}

func mediaType(header http.Header) string {
	ct := header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func encodeForm(data any) (string, error) {
	if s, ok := data.(string); ok {
		return s, nil
	}
	m, ok := toStringMap(data)
	if !ok {
		return "", fmt.Errorf("%w: form body must be a map, got %T", ErrInvalidArguments, data)
	}
	values := url.Values{}
	for k, v := range m {
		switch vv := v.(type) {
		case []string:
			for _, s := range vv {
				values.Add(k, s)
			}
		case []any:
			for _, s := range vv {
				values.Add(k, fmt.Sprint(s))
			}
		case nil:
		default:
			values.Add(k, fmt.Sprint(vv))
		}
	}
	return values.Encode(), nil
}

// resolveOutput is the outermost stage: once the chain returns it turns the response into
// Context.Output, unless a middleware already set one.
func resolveOutput(c *Context, next Next) error {
	if err := next(); err != nil {
		if c.Response != nil && c.Response.Body != nil {
			_ = c.Response.Body.Close()
		}
		return err
	}
	if c.Output != nil || c.Response == nil {
		return nil
	}

	mode := c.outputMode
	if mode == OutputResponse {
		c.Output = c.Response
		return nil
	}

	data, err := readBody(c)
	if err != nil {
		return err
	}

	if mode == OutputAuto {
		mode = detectOutputMode(c.Response.Header.Get("Content-Type"))
	}

	switch mode {
	case OutputText:
		c.Output = string(data)
	case OutputJSON:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if c.into != nil {
			if err := json.Unmarshal(data, c.into); err != nil {
				return newClientError(ErrorTypeValidation, "cannot decode json response", err, c)
			}
			c.Output = c.into
			return nil
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return newClientError(ErrorTypeValidation, "cannot decode json response", err, c)
		}
		c.Output = v
	default:
		c.Output = data
	}
	return nil
}

func readBody(c *Context) ([]byte, error) {
	if c.Response.Body == nil {
		return nil, nil
	}
	defer c.Response.Body.Close()
	data, err := io.ReadAll(c.Response.Body)
	if err != nil {
		return nil, c.transportError(err)
	}
	c.Response.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func detectOutputMode(contentType string) OutputMode {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return OutputBytes
	}
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return OutputJSON
	case strings.HasPrefix(mt, "text/"):
		return OutputText
	default:
		return OutputBytes
	}
}
