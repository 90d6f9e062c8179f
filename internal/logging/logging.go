// Package logging provides leveled logging with text and JSON output formats.
// All functions are safe for concurrent use.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the uppercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level.
// Accepts any casing; "warning" is an alias for "warn".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG", "Debug":
		return LevelDebug, nil
	case "info", "INFO", "Info":
		return LevelInfo, nil
	case "warn", "WARN", "Warn", "warning", "WARNING", "Warning":
		return LevelWarn, nil
	case "error", "ERROR", "Error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

var (
	mu         sync.Mutex
	level      = LevelInfo
	format     = "text"
	simpleMode bool
	out        io.Writer = os.Stderr
)

// SetLevel sets the minimum level that will be logged.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// GetLevel returns the current minimum log level.
func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool {
	return GetLevel() <= LevelDebug
}

// SetFormat sets the output format: "text" (default) or "json".
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	if f == "json" {
		format = "json"
	} else {
		format = "text"
	}
}

// SetSimpleMode strips timestamps from text output, e.g. when another
// component owns the terminal.
func SetSimpleMode(on bool) {
	mu.Lock()
	defer mu.Unlock()
	simpleMode = on
}

// SetOutput redirects log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		out = os.Stderr
	} else {
		out = w
	}
}

type jsonEntry struct {
	TS    string `json:"ts"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func logf(l Level, msg string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	text := fmt.Sprintf(msg, args...)
	now := time.Now().UTC()
	if format == "json" {
		entry := jsonEntry{
			TS:    now.Format(time.RFC3339Nano),
			Level: map[Level]string{LevelDebug: "debug", LevelInfo: "info", LevelWarn: "warn", LevelError: "error"}[l],
			Msg:   text,
		}
		b, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(out, "[%s] %s\n", l, text)
			return
		}
		fmt.Fprintln(out, string(b))
		return
	}
	if simpleMode {
		fmt.Fprintf(out, "[%s] %s\n", l, text)
		return
	}
	fmt.Fprintf(out, "%s [%s] %s\n", now.Format("2006-01-02T15:04:05.000Z"), l, text)
}

// Debug logs at debug level with Printf-style formatting.
func Debug(msg string, args ...interface{}) { logf(LevelDebug, msg, args...) }

// Info logs at info level with Printf-style formatting.
func Info(msg string, args ...interface{}) { logf(LevelInfo, msg, args...) }

// Warn logs at warn level with Printf-style formatting.
func Warn(msg string, args ...interface{}) { logf(LevelWarn, msg, args...) }

// Error logs at error level with Printf-style formatting.
func Error(msg string, args ...interface{}) { logf(LevelError, msg, args...) }
