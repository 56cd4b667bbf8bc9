package krequest

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger receives structured log records as a message followed by key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DebugConfig selects which request lifecycle events are logged at debug level.
// Warnings are emitted whenever a logger is configured, regardless of Enabled.
type DebugConfig struct {
	Enabled           bool
	LogRequests       bool
	LogRetries        bool
	LogFlowControl    bool
	LogMiddleware     bool
	LogCache          bool
	LogRateLimit      bool
	LogCircuitBreaker bool
	RequestIDGen      func() string
}

// DefaultDebugConfig returns a disabled configuration with every category selected.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:           false,
		LogRequests:       true,
		LogRetries:        true,
		LogFlowControl:    true,
		LogMiddleware:     true,
		LogCache:          true,
		LogRateLimit:      true,
		LogCircuitBreaker: true,
		RequestIDGen:      generateRequestID,
	}
}

func generateRequestID() string {
	return uuid.NewString()
}

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger adapts a *slog.Logger. A nil logger uses slog.Default().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

// NewSimpleLogger returns a text logger writing every level to stderr.
func NewSimpleLogger() Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &slogLogger{l: slog.New(h).With("component", "krequest")}
}

func (s *slogLogger) Debug(msg string, kv ...any) { s.l.Log(context.Background(), slog.LevelDebug, msg, kv...) }
func (s *slogLogger) Info(msg string, kv ...any)  { s.l.Log(context.Background(), slog.LevelInfo, msg, kv...) }
func (s *slogLogger) Warn(msg string, kv ...any)  { s.l.Log(context.Background(), slog.LevelWarn, msg, kv...) }
func (s *slogLogger) Error(msg string, kv ...any) { s.l.Log(context.Background(), slog.LevelError, msg, kv...) }

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger adapts a logrus logger. A nil logger uses logrus.StandardLogger().
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) with(kv []any) *logrus.Entry {
	if len(kv) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		fields["!BADKEY"] = kv[len(kv)-1]
	}
	return l.entry.WithFields(fields)
}

func (l *logrusLogger) Debug(msg string, kv ...any) { l.with(kv).Debug(msg) }
func (l *logrusLogger) Info(msg string, kv ...any)  { l.with(kv).Info(msg) }
func (l *logrusLogger) Warn(msg string, kv ...any)  { l.with(kv).Warn(msg) }
func (l *logrusLogger) Error(msg string, kv ...any) { l.with(kv).Error(msg) }

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
