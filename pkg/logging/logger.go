// Package logging provides structured logging for the transcription worker.
// It wraps zerolog behind a small interface so components can be handed a
// logger with pre-attached fields (component, meeting_id, task_id) and tests
// can use a no-op implementation.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	meetingIDKey ctxKey = iota
	taskIDKey
)

// Level represents logging severity levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a user-supplied level name. Unknown names map to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Config holds logger configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level Level

	// ServiceName is included in all log entries and in shipped LogMessages.
	ServiceName string

	// Environment is included in all log entries.
	Environment string

	// JSONFormat enables JSON output when true, console output when false.
	JSONFormat bool

	// Output sets the writer for logs (defaults to os.Stdout).
	Output io.Writer

	// Sinks receive a copy of every entry for async shipping.
	Sinks []Sink
}

// DefaultConfig returns a Config with development defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "transcription-service",
		Environment: "development",
		Output:      os.Stdout,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger with the given fields attached to all subsequent entries.
	With(fields ...Field) Logger

	// WithContext returns a Logger carrying the meeting and task ids stored by
	// ContextWithTask and the trace id of the active span, if any.
	WithContext(ctx context.Context) Logger

	// Zerolog returns the underlying zerolog.Logger.
	Zerolog() zerolog.Logger
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field with the given key and value.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates a Field for an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Component tags entries with the emitting component.
func Component(name string) Field {
	return Field{Key: "component", Value: name}
}

// ContextWithTask stores meeting and task ids for WithContext.
func ContextWithTask(ctx context.Context, meetingID, taskID string) context.Context {
	ctx = context.WithValue(ctx, meetingIDKey, meetingID)
	return context.WithValue(ctx, taskIDKey, taskID)
}

type logger struct {
	zl          zerolog.Logger
	serviceName string
	sinks       []Sink
	// bound holds fields attached via With so sinks see them too.
	bound []Field
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(output).
		Level(toZerolog(cfg.Level)).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	return &logger{
		zl:          zl,
		serviceName: cfg.ServiceName,
		sinks:       cfg.Sinks,
	}
}

func (l *logger) Zerolog() zerolog.Logger {
	return l.zl
}

func toZerolog(l Level) zerolog.Level {
	zl, err := zerolog.ParseLevel(string(l))
	if err != nil || zl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return zl
}

func (l *logger) Debug(msg string, fields ...Field) {
	l.emit(l.zl.Debug(), zerolog.DebugLevel, msg, fields)
}

func (l *logger) Info(msg string, fields ...Field) {
	l.emit(l.zl.Info(), zerolog.InfoLevel, msg, fields)
}

func (l *logger) Warn(msg string, fields ...Field) {
	l.emit(l.zl.Warn(), zerolog.WarnLevel, msg, fields)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.emit(l.zl.Error(), zerolog.ErrorLevel, msg, fields)
}

// emit writes the event and forwards it to sinks. A nil event means the level
// is disabled, in which case sinks are skipped as well.
func (l *logger) emit(event *zerolog.Event, level zerolog.Level, msg string, fields []Field) {
	if event == nil {
		return
	}
	event.Fields(pairs(fields)).Msg(msg)
	l.sendToSinks(level.String(), msg, fields)
}

func (l *logger) With(fields ...Field) Logger {
	bound := make([]Field, 0, len(l.bound)+len(fields))
	bound = append(bound, l.bound...)
	bound = append(bound, fields...)
	return &logger{
		zl:          l.zl.With().Fields(pairs(fields)).Logger(),
		serviceName: l.serviceName,
		sinks:       l.sinks,
		bound:       bound,
	}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	var fields []Field
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, F("trace_id", sc.TraceID().String()))
	}
	if v, _ := ctx.Value(meetingIDKey).(string); v != "" {
		fields = append(fields, F("meeting_id", v))
	}
	if v, _ := ctx.Value(taskIDKey).(string); v != "" {
		fields = append(fields, F("task_id", v))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// pairs flattens fields into the key/value list zerolog's Fields accepts.
func pairs(fields []Field) []interface{} {
	kv := make([]interface{}, 0, 2*len(fields))
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

func (l *logger) sendToSinks(level, msg string, fields []Field) {
	if len(l.sinks) == 0 {
		return
	}

	details := make(map[string]string, len(l.bound)+len(fields))
	for _, f := range l.bound {
		details[f.Key] = fmt.Sprint(f.Value)
	}
	for _, f := range fields {
		details[f.Key] = fmt.Sprint(f.Value)
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   l.serviceName,
		Message:   msg,
		Fields:    details,
		Caller:    getCaller(4),
	}
	for _, sink := range l.sinks {
		sink.Write(entry)
	}
}

var global atomic.Pointer[Logger]

// SetGlobal replaces the process-wide logger.
func SetGlobal(l Logger) {
	global.Store(&l)
}

// MustGlobal returns the process-wide logger, creating a default one on
// first use.
func MustGlobal() Logger {
	if l := global.Load(); l != nil && *l != nil {
		return *l
	}
	l := NewLogger(DefaultConfig())
	global.Store(&l)
	return l
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...Field)      {}
func (n *nopLogger) Info(msg string, fields ...Field)       {}
func (n *nopLogger) Warn(msg string, fields ...Field)       {}
func (n *nopLogger) Error(msg string, fields ...Field)      {}
func (n *nopLogger) With(fields ...Field) Logger            { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger { return n }
func (n *nopLogger) Zerolog() zerolog.Logger                { return zerolog.Nop() }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return &nopLogger{}
}
