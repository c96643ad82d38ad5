// Package logging provides structured logging for the ballistic limit service
// and CLI.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log entry.
type LogLevel string

const (
	// DebugLevel logs every trial decision; usually disabled outside of
	// troubleshooting.
	DebugLevel LogLevel = "DEBUG"
	// InfoLevel is the default logging priority.
	InfoLevel LogLevel = "INFO"
	// WarnLevel marks failed experiments and degraded searches.
	WarnLevel LogLevel = "WARN"
	// ErrorLevel marks configurations that could not be solved.
	ErrorLevel LogLevel = "ERROR"
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel LogLevel = "FATAL"
)

var levelOrder = map[LogLevel]int{
	DebugLevel: 0,
	InfoLevel:  1,
	WarnLevel:  2,
	ErrorLevel: 3,
	FatalLevel: 4,
}

// Format selects how entries are rendered.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// lockedWriter serializes writes so concurrent solves never interleave lines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func lock(w io.Writer) io.Writer {
	if _, ok := w.(*lockedWriter); ok {
		return w
	}
	return &lockedWriter{w: w}
}

// Logger represents an active logging object. Loggers are immutable; the
// With* methods return copies.
type Logger struct {
	level  LogLevel
	format Format
	output io.Writer
	fields map[string]interface{}
}

// New creates a new JSON Logger with the specified log level and output.
func New(level LogLevel, output io.Writer) *Logger {
	return NewWithFormat(level, FormatJSON, output)
}

// NewWithFormat creates a Logger rendering entries in the given format.
func NewWithFormat(level LogLevel, format Format, output io.Writer) *Logger {
	if format != FormatText {
		format = FormatJSON
	}
	return &Logger{
		level:  level,
		format: format,
		output: lock(output),
		fields: make(map[string]interface{}),
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(ErrorLevel, io.Discard)
}

func (l *Logger) clone(fields map[string]interface{}) *Logger {
	return &Logger{
		level:  l.level,
		format: l.format,
		output: l.output,
		fields: fields,
	}
}

// WithFields returns a new Logger with the specified fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return l.clone(newFields)
}

// WithField returns a new Logger with the specified key-value pair.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithError returns a new Logger with the error field set.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Tee returns a Logger that also writes every entry to w.
func (l *Logger) Tee(w io.Writer) *Logger {
	t := l.clone(l.fields)
	t.output = io.MultiWriter(l.output, lock(w))
	return t
}

// Level returns the minimum level written by the logger.
func (l *Logger) Level() LogLevel {
	return l.level
}

// log writes a log entry with the given level and message.
func (l *Logger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "???"
		line = 0
	} else {
		parts := strings.Split(file, "/")
		if len(parts) > 2 {
			file = strings.Join(parts[len(parts)-2:], "/")
		}
	}

	allFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		allFields[k] = v
	}
	for k, v := range fields {
		allFields[k] = v
	}
	if _, ok := allFields["caller"]; !ok {
		allFields["caller"] = fmt.Sprintf("%s:%d", file, line)
	}

	now := time.Now().UTC()
	var data []byte
	if l.format == FormatText {
		data = renderText(now, level, msg, allFields)
	} else {
		data = renderJSON(now, level, msg, allFields)
	}
	_, _ = l.output.Write(data)

	if level == FatalLevel {
		os.Exit(1)
	}
}

func renderJSON(ts time.Time, level LogLevel, msg string, fields map[string]interface{}) []byte {
	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		entry[k] = jsonSafe(v)
	}
	entry["timestamp"] = ts.Format(time.RFC3339Nano)
	entry["level"] = level
	entry["message"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		return []byte(fmt.Sprintf("%s [%s] %s: %+v\n", ts.Format(time.RFC3339), level, msg, fields))
	}
	return append(data, '\n')
}

// jsonSafe replaces values encoding/json rejects, such as an open +Inf
// bracket end, with their string form.
func jsonSafe(v interface{}) interface{} {
	switch f := v.(type) {
	case float64:
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprint(f)
		}
	case error:
		return f.Error()
	}
	return v
}

func renderText(ts time.Time, level LogLevel, msg string, fields map[string]interface{}) []byte {
	var b strings.Builder
	b.WriteString(ts.Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(string(level))
	b.WriteString("] ")
	b.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// shouldLog returns true if the given level should be logged.
func (l *Logger) shouldLog(level LogLevel) bool {
	want, ok := levelOrder[level]
	if !ok {
		return false
	}
	current, ok := levelOrder[l.level]
	if !ok {
		return false
	}
	return want >= current
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a message at DebugLevel.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(DebugLevel, msg, first(fields))
}

// Info logs a message at InfoLevel.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(InfoLevel, msg, first(fields))
}

// Warn logs a message at WarnLevel.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(WarnLevel, msg, first(fields))
}

// Error logs a message at ErrorLevel.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(ErrorLevel, msg, first(fields))
}

// Fatal logs a message at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	l.log(FatalLevel, msg, first(fields))
}

// CtxLogger is a logger that can be used with context.
type CtxLogger struct {
	*Logger
}

// FromContext returns a logger from the context or a new one if none exists.
func FromContext(ctx context.Context) *CtxLogger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*CtxLogger); ok {
		return logger
	}
	return &CtxLogger{New(InfoLevel, os.Stderr)}
}

// WithContext returns a new context with the logger.
func (l *CtxLogger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, l)
}

type ctxLoggerKey struct{}
