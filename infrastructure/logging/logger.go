// Package logging provides structured logging with trace ID support
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SourceKey is the context key for the resolved request source
	SourceKey ContextKey = "source"
	// ComponentKey is the context key for component name
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.ToLower(format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewDefault creates a logger with info level and text output.
func NewDefault(component string) *Logger {
	return New(component, "info", "text")
}

// NewNop creates a logger that discards all output. Intended for tests.
func NewNop() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger, component: "nop"}
}

// Component returns the component name the logger was created with.
func (l *Logger) Component() string { return l.component }

// WithComponent returns an entry carrying the component field.
func (l *Logger) WithComponent() *logrus.Entry {
	return l.WithField("component", l.component)
}

// WithContext returns an entry enriched with trace/source values from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.WithField("component", l.component)
	if ctx == nil {
		return entry
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if source, ok := ctx.Value(SourceKey).(string); ok && source != "" {
		entry = entry.WithField("source", source)
	}
	return entry
}

// AddHook registers a logrus hook on the underlying logger.
func (l *Logger) AddHook(hook logrus.Hook) {
	l.Logger.AddHook(hook)
}

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace ID in the context, generating one when empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSource stores the resolved request source in the context.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

// SourceFromContext extracts the resolved source, if any.
func SourceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if source, ok := ctx.Value(SourceKey).(string); ok {
		return source
	}
	return ""
}
