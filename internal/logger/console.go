// Package logger provides the diagnostic output path for pargrep.
//
// Matches go to the configured destination; everything else (per-file
// warnings, debug traces, hard errors) goes through a Console writing to a
// diagnostic stream, normally stderr. The Console is safe for concurrent use
// by the master, every worker and every decompression goroutine, and keeps a
// running warning count consulted for exit reporting only, never for
// control flow.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Log level constants for filtering
const (
	levelDebug int = 0
	levelInfo  int = 1
	levelWarn  int = 2
	levelError int = 3
)

// Console logs diagnostics to a writer with a program-name prefix and thread
// safety. It supports log level filtering to control message verbosity.
// Color output is automatically enabled for terminal output.
type Console struct {
	writer      io.Writer
	program     string
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	warnings    atomic.Int64
}

// NewConsole creates a Console that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// logLevel determines the minimum log level for messages to be output.
// Valid levels: debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "warn".
// Color output is automatically enabled when writing to a TTY.
func NewConsole(writer io.Writer, program, logLevel string) *Console {
	return &Console{
		writer:      writer,
		program:     program,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		// The color package's NoColor already honors NO_COLOR.
		return !color.NoColor && isatty.IsTerminal(f.Fd())
	}
	return false
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "warn" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))

	switch normalized {
	case "debug", "info", "warn", "error":
		return normalized
	}
	return "warn"
}

func logLevelToInt(level string) int {
	switch level {
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelWarn
	}
}

func (c *Console) shouldLog(messageLevel int) bool {
	return messageLevel >= logLevelToInt(c.logLevel)
}

// Debugf logs a debug-level message.
// Format: "<program>: debug: <message>"
func (c *Console) Debugf(format string, args ...interface{}) {
	c.logWithLevel(levelDebug, "debug", format, args...)
}

// Infof logs an info-level message.
func (c *Console) Infof(format string, args ...interface{}) {
	c.logWithLevel(levelInfo, "info", format, args...)
}

// Warnf logs a warning and increments the shared warning counter. Warnings
// never influence control flow; the search always proceeds to the next file.
func (c *Console) Warnf(format string, args ...interface{}) {
	c.warnings.Add(1)
	c.logWithLevel(levelWarn, "warning", format, args...)
}

// Errorf logs an error-level message.
func (c *Console) Errorf(format string, args ...interface{}) {
	c.logWithLevel(levelError, "error", format, args...)
}

// Warnings returns the number of warnings emitted so far.
func (c *Console) Warnings() int64 {
	return c.warnings.Load()
}

func (c *Console) logWithLevel(level int, tag, format string, args ...interface{}) {
	if c == nil || c.writer == nil || !c.shouldLog(level) {
		return
	}

	message := fmt.Sprintf(format, args...)
	prefix := fmt.Sprintf("%s: %s:", c.program, tag)
	if c.colorOutput {
		switch level {
		case levelWarn:
			prefix = color.New(color.FgYellow, color.Bold).Sprint(prefix)
		case levelError:
			prefix = color.New(color.FgRed, color.Bold).Sprint(prefix)
		case levelDebug:
			prefix = color.New(color.FgCyan).Sprint(prefix)
		}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	fmt.Fprintf(c.writer, "%s %s\n", prefix, message)
}
