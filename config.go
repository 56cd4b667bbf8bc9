package krequest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the file and environment form of the client options.
type Config struct {
	Timeout time.Duration     `yaml:"timeout"`
	HTTP2   bool              `yaml:"http2"`
	Headers map[string]string `yaml:"headers"`
	Retry   RetryConfig       `yaml:"retry"`
	Debug   bool              `yaml:"debug"`
	Metrics bool              `yaml:"metrics"`
}

// RetryConfig configures the default retry policy of a client.
type RetryConfig struct {
	Times      int           `yaml:"times"`
	Delay      time.Duration `yaml:"delay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
	// Transient restricts retries to network failures, timeouts, 429 and 5xx responses.
	Transient bool `yaml:"transient"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvTimeout        = "KREQUEST_TIMEOUT"
	EnvHTTP2          = "KREQUEST_HTTP2"
	EnvRetryTimes     = "KREQUEST_RETRY_TIMES"
	EnvRetryDelay     = "KREQUEST_RETRY_DELAY"
	EnvRetryTransient = "KREQUEST_RETRY_TRANSIENT"
	EnvDebug          = "KREQUEST_DEBUG"
	EnvMetrics        = "KREQUEST_METRICS"
	envHeaderPrefix   = "KREQUEST_HEADER_"
)

// ApplyEnv overlays KREQUEST_* variables on cfg. Files listed in envFiles are loaded
// first with godotenv; variables already set in the process win over file values.
// Missing files are ignored.
func (cfg *Config) ApplyEnv(envFiles ...string) error {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	if v, ok := os.LookupEnv(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		cfg.Timeout = d
	}
	if v, ok := os.LookupEnv(EnvRetryDelay); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetryDelay, err)
		}
		cfg.Retry.Delay = d
	}
	if v, ok := os.LookupEnv(EnvRetryTimes); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetryTimes, err)
		}
		cfg.Retry.Times = n
	}

	for name, dst := range map[string]*bool{
		EnvHTTP2:          &cfg.HTTP2,
		EnvRetryTransient: &cfg.Retry.Transient,
		EnvDebug:          &cfg.Debug,
		EnvMetrics:        &cfg.Metrics,
	} {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}

	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if name, ok := strings.CutPrefix(key, envHeaderPrefix); ok && name != "" {
			if cfg.Headers == nil {
				cfg.Headers = make(map[string]string)
			}
			cfg.Headers[strings.ReplaceAll(name, "_", "-")] = value
		}
	}
	return nil
}

// Options converts the configuration into client options.
func (cfg *Config) Options() []Option {
	var opts []Option
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if cfg.HTTP2 {
		opts = append(opts, WithHTTP2())
	}
	if cfg.Retry.Times > 0 {
		opts = append(opts, WithRetry(cfg.Retry.Times, cfg.Retry.delay(), cfg.Retry.on()))
	}
	if len(cfg.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		opts = append(opts, WithMiddleware(DefaultHeaders(headers)))
	}
	if cfg.Debug {
		opts = append(opts, WithSimpleLogger())
	}
	if cfg.Metrics {
		opts = append(opts, WithMetrics())
	}
	return opts
}

func (rc RetryConfig) delay() RetryDelay {
	if rc.Delay <= 0 {
		return nil
	}
	if rc.Multiplier <= 1 && rc.Jitter <= 0 {
		return FixedDelay(rc.Delay)
	}
	maxDelay := rc.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return ExponentialDelay(rc.Delay, maxDelay, max(rc.Multiplier, 1), rc.Jitter)
}

func (rc RetryConfig) on() RetryOn {
	if rc.Transient {
		return TransientRetryOn
	}
	return nil
}

// DefaultHeaders sets headers that the request did not set itself.
func DefaultHeaders(headers map[string]string) Middleware {
	return func(c *Context, next Next) error {
		for k, v := range headers {
			if c.Header.Get(k) == "" {
				c.Header.Set(k, v)
			}
		}
		return next()
	}
}
