package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/Val-istar-Guo/krequest"
	"github.com/Val-istar-Guo/krequest/formdata"
)

var errFailStatus = errors.New("server returned an error status")

type rootOptions struct {
	headers    []string
	queries    []string
	params     []string
	fields     []string
	data       string
	jsonBody   string
	retry      int
	retryDelay time.Duration
	transient  bool
	timeout    time.Duration
	configPath string
	envFiles   []string
	include    bool
	fail       bool
	verbose    bool
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "krequest [method] url",
		Short: "Send an HTTP request through the krequest middleware chain",
		Long: `krequest sends a single HTTP request and writes the response body to stdout.

The method defaults to GET, or POST when a body is given. Route params fill ":name"
and "{name}" path segments. Form fields given with -F build a multipart body; a value
of @path attaches a file and @- attaches stdin.`,
		Example: `  krequest https://httpbin.org/get -q page=2
  krequest post https://api.example.com/users/:id -p id=42 --json '{"name":"gopher"}'
  krequest put https://api.example.com/upload -F kind=log -F file=@app.log --retry 2`,
		Args:          cobra.RangeArgs(1, 2),
		Version:       krequest.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd, args, stdin, stdout, stderr)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.StringArrayVarP(&o.headers, "header", "H", nil, "request header as 'Name: value'")
	f.StringArrayVarP(&o.queries, "query", "q", nil, "query parameter as key=value, repeatable")
	f.StringArrayVarP(&o.params, "param", "p", nil, "route param as name=value")
	f.StringArrayVarP(&o.fields, "form", "F", nil, "multipart field as name=value, name=@path or name=@-")
	f.StringVarP(&o.data, "data", "d", "", "text body")
	f.StringVar(&o.jsonBody, "json", "", "JSON body")
	f.IntVar(&o.retry, "retry", 0, "additional attempts after the first")
	f.DurationVar(&o.retryDelay, "retry-delay", 0, "wait between attempts")
	f.BoolVar(&o.transient, "transient", false, "only retry network errors, timeouts, 429 and 5xx")
	f.DurationVar(&o.timeout, "timeout", 0, "per-attempt timeout")
	f.StringVarP(&o.configPath, "config", "c", "", "YAML client configuration")
	f.StringArrayVar(&o.envFiles, "env-file", []string{".env"}, "dotenv files read for KREQUEST_* variables")
	f.BoolVarP(&o.include, "include", "i", false, "print the status line and response headers")
	f.BoolVarP(&o.fail, "fail", "f", false, "exit with an error on 4xx and 5xx responses")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "log the request lifecycle to stderr")

	return cmd
}

func (o *rootOptions) run(ctx context.Context, cmd *cobra.Command, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := o.client(stderr)
	if err != nil {
		return err
	}

	method, target := o.target(args)
	r := client.Request(method, target).Set("User-Agent", krequest.UserAgent())
	if err := o.build(r, stdin); err != nil {
		return err
	}
	if cmd.Flags().Changed("retry") {
		r.Retry(o.retry, o.delay(), o.retryOn())
	}
	if cmd.Flags().Changed("timeout") {
		r.Timeout(o.timeout)
	}
	if err := r.Err(); err != nil {
		return err
	}

	start := time.Now()
	resp, err := r.Do(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if o.include {
		writeHead(stdout, resp)
	}
	n, err := io.Copy(stdout, resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if o.verbose {
		fmt.Fprintf(stderr, "%s %s (%s) in %s\n", resp.Proto, resp.Status, humanize.Bytes(uint64(n)), time.Since(start).Round(time.Millisecond))
	}
	if o.fail {
		if err := krequest.StatusError(resp); err != nil {
			return fmt.Errorf("%w: %w", errFailStatus, err)
		}
	}
	return nil
}

func (o *rootOptions) client(stderr io.Writer) (*krequest.Client, error) {
	cfg := &krequest.Config{}
	if o.configPath != "" {
		loaded, err := krequest.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(o.envFiles...); err != nil {
		return nil, err
	}

	opts := cfg.Options()
	if o.verbose || cfg.Debug {
		handler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		opts = append(opts, krequest.WithLogger(krequest.NewSlogLogger(slog.New(handler))), krequest.WithDebug())
	} else {
		handler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
		opts = append(opts, krequest.WithLogger(krequest.NewSlogLogger(slog.New(handler))))
	}

	client := krequest.New(opts...)
	if err := client.ValidationError(); err != nil {
		return nil, err
	}
	return client, nil
}

func (o *rootOptions) target(args []string) (method, target string) {
	if len(args) == 2 {
		return strings.ToUpper(args[0]), args[1]
	}
	if o.data != "" || o.jsonBody != "" || len(o.fields) > 0 {
		return http.MethodPost, args[0]
	}
	return http.MethodGet, args[0]
}

func (o *rootOptions) build(r *krequest.Request, stdin io.Reader) error {
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		r.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	for _, q := range o.queries {
		key, value, ok := strings.Cut(q, "=")
		if !ok {
			return fmt.Errorf("invalid query %q, expected key=value", q)
		}
		r.Query(key, value)
	}
	for _, p := range o.params {
		name, value, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("invalid param %q, expected name=value", p)
		}
		r.Params(name, value)
	}

	if o.data != "" {
		r.Send(o.data)
	}
	if o.jsonBody != "" {
		var v any
		if err := json.Unmarshal([]byte(o.jsonBody), &v); err != nil {
			return fmt.Errorf("invalid --json body: %w", err)
		}
		r.Type("json").Body(krequest.DataBody(v))
	}

	for _, field := range o.fields {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("invalid form field %q, expected name=value", field)
		}
		path, isFile := strings.CutPrefix(value, "@")
		switch {
		case !isFile:
			r.Field(name, value)
		case path == "-":
			r.Attach(name, stdin, formdata.WithFilename("stdin"))
		default:
			file, err := formdata.OpenFile(path)
			if err != nil {
				return fmt.Errorf("attach %s: %w", path, err)
			}
			r.Attach(name, file)
		}
	}
	return nil
}

func (o *rootOptions) delay() krequest.RetryDelay {
	if o.retryDelay <= 0 {
		return nil
	}
	return krequest.FixedDelay(o.retryDelay)
}

func (o *rootOptions) retryOn() krequest.RetryOn {
	if o.transient {
		return krequest.TransientRetryOn
	}
	return nil
}

func writeHead(w io.Writer, resp *http.Response) {
	fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
	}
	fmt.Fprintln(w)
}
