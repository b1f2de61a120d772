// Package logger builds the process-wide hclog logger and offers
// package-level helpers for code that has no logger injected.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Name is the root logger name.
const Name = "framecast"

// Options selects the level and output format.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

var (
	mu      sync.RWMutex
	current hclog.Logger = hclog.New(&hclog.LoggerOptions{Name: Name, Level: hclog.Info})
)

// New builds a logger. An unknown level falls back to info; format "json"
// selects JSON output.
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       Name,
		Level:      ParseLevel(opts.Level),
		Output:     out,
		JSONFormat: strings.EqualFold(opts.Format, "json"),
	})
}

// ParseLevel maps a level name to an hclog level.
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(strings.TrimSpace(level))
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}

// SetDefault replaces the logger used by the package-level helpers.
func SetDefault(l hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Default returns the logger used by the package-level helpers.
func Default() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetLevel changes the level of the default logger.
func SetLevel(level string) {
	Default().SetLevel(ParseLevel(level))
}

// Info logs informational messages with key/value pairs
func Info(msg string, args ...interface{}) {
	Default().Info(msg, args...)
}

// Warn logs warning messages
func Warn(msg string, args ...interface{}) {
	Default().Warn(msg, args...)
}

// Error logs error messages
func Error(msg string, args ...interface{}) {
	Default().Error(msg, args...)
}

// Debug logs debug messages
func Debug(msg string, args ...interface{}) {
	Default().Debug(msg, args...)
}
