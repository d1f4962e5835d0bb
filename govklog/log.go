// Package govklog provides the leveled status logger used across the
// assembly and exchange engine. The teacher narrates progress with direct
// fmt.Printf/log.Printf calls (see cmd/2D.go's InputParameters.Print and
// main.go); this package generalizes that into a single gate controlled by
// the spec's log_level bitset so every package logs the same way.
package govklog

import (
	"fmt"
	"log"
	"os"

	"github.com/notargets/govk/govktypes"
)

// Logger gates output by level and prefixes every line with the rank it
// runs on, so interleaved goroutine-rank output in tests stays readable.
type Logger struct {
	level  govktypes.LogLevel
	rank   int
	stdlog *log.Logger
}

// New creates a Logger writing to stderr with the given level mask.
func New(level govktypes.LogLevel, rank int) *Logger {
	return &Logger{
		level:  level,
		rank:   rank,
		stdlog: log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) enabled(mask govktypes.LogLevel) bool {
	return l != nil && l.level&mask != 0
}

func (l *Logger) emit(tag, format string, args ...interface{}) {
	l.stdlog.Printf("[rank %d] %s: %s", l.rank, tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.enabled(govktypes.LogErrors) {
		l.emit("error", format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.enabled(govktypes.LogWarnings) {
		l.emit("warn", format, args...)
	}
}

func (l *Logger) Status(format string, args ...interface{}) {
	if l.enabled(govktypes.LogStatus) {
		l.emit("status", format, args...)
	}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.enabled(govktypes.LogDebug) {
		l.emit("debug", format, args...)
	}
}

// Nop returns a Logger with every level disabled -- useful as a default in
// components that accept an optional logger.
func Nop() *Logger {
	return &Logger{level: 0, rank: 0, stdlog: log.New(os.Stderr, "", 0)}
}
