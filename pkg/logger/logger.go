// Package logger is the component-tagged structured logger used across tiermem.
//
// Callers log with a component name and an optional field map:
//
//	logger.InfoCF("queue", "Switched embedding mode", map[string]interface{}{"mode": "remote"})
//
// Output goes through log/slog so the handler (text or JSON) and level can be
// swapped at startup or in tests.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// Level mirrors slog levels under names used in config files.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

type state struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

var current atomic.Pointer[state]

func init() {
	Configure(os.Stderr, "text", INFO)
}

// Configure replaces the process logger. format is "json" or "text".
func Configure(w io.Writer, format string, level Level) {
	if w == nil {
		w = os.Stderr
	}
	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())
	opts := &slog.HandlerOptions{Level: lv}

	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	current.Store(&state{logger: slog.New(h), level: lv})
}

// SetLevel adjusts the minimum level without replacing the handler.
func SetLevel(level Level) {
	current.Load().level.Set(level.slogLevel())
}

// Discard silences all output. Mostly useful in tests.
func Discard() {
	Configure(io.Discard, "text", ERROR)
}

func logf(level Level, component, message string, fields map[string]interface{}) {
	st := current.Load()
	if st == nil {
		return
	}
	sl := level.slogLevel()
	if !st.logger.Enabled(context.Background(), sl) {
		return
	}

	attrs := make([]any, 0, 2+len(fields)*2)
	if component != "" {
		attrs = append(attrs, "component", component)
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, k, fields[k])
		}
	}
	st.logger.Log(context.Background(), sl, message, attrs...)
}

func Debug(message string) { logf(DEBUG, "", message, nil) }
func Info(message string)  { logf(INFO, "", message, nil) }
func Warn(message string)  { logf(WARN, "", message, nil) }
func Error(message string) { logf(ERROR, "", message, nil) }

func DebugC(component, message string) { logf(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logf(INFO, component, message, nil) }
func WarnC(component, message string)  { logf(WARN, component, message, nil) }
func ErrorC(component, message string) { logf(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logf(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logf(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logf(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logf(ERROR, component, message, fields)
}
