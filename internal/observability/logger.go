// Package observability defines the internal diagnostic channel. The primary
// log pipeline never logs through itself; components report their own
// failures here instead.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured diagnostic behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured diagnostics.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global diagnostic logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global diagnostic logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewStdLogger adapts a standard library logger to the Logger interface.
// A nil argument uses the process default logger.
func NewStdLogger(l *log.Logger) Logger {
	if l == nil {
		l = log.Default()
	}
	return &stdLogger{out: l}
}

type stdLogger struct {
	out *log.Logger
}

func (s *stdLogger) Debug(msg string, fields ...Field) { s.print("DEBUG", msg, fields) }
func (s *stdLogger) Info(msg string, fields ...Field)  { s.print("INFO", msg, fields) }
func (s *stdLogger) Error(msg string, fields ...Field) { s.print("ERROR", msg, fields) }

func (s *stdLogger) print(level, msg string, fields []Field) {
	if len(fields) == 0 {
		s.out.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	s.out.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
