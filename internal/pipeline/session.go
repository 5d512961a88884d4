package pipeline

import (
	"fmt"
	"runtime/debug"

	"github.com/convolog/convolog/internal/domain/logstore"
)

// Session binds a session id to every call made through it. It is a plain
// view over the shared logger: entries still flow through the one queue and
// worker, and a flush triggered here flushes the shared buffer globally.
type Session struct {
	logger *Logger
	id     string
}

// Session returns a view of the logger scoped to the given session id.
func (l *Logger) Session(id string) *Session {
	return &Session{logger: l, id: id}
}

// ID returns the bound session id.
func (s *Session) ID() string { return s.id }

// Log records a message at the given level under the bound session id.
func (s *Session) Log(message string, level logstore.Level, attrs map[string]any) {
	s.logger.Log(message, level, attrs, s.id)
}

// Debug logs at DEBUG level under the bound session id.
func (s *Session) Debug(message string, attrs map[string]any) {
	s.Log(message, logstore.LevelDebug, attrs)
}

// Info logs at INFO level under the bound session id.
func (s *Session) Info(message string, attrs map[string]any) {
	s.Log(message, logstore.LevelInfo, attrs)
}

// Warning logs at WARNING level under the bound session id.
func (s *Session) Warning(message string, attrs map[string]any) {
	s.Log(message, logstore.LevelWarning, attrs)
}

// Error logs at ERROR level under the bound session id.
func (s *Session) Error(message string, attrs map[string]any) {
	s.Log(message, logstore.LevelError, attrs)
}

// Critical logs at CRITICAL level under the bound session id.
func (s *Session) Critical(message string, attrs map[string]any) {
	s.Log(message, logstore.LevelCritical, attrs)
}

// Run executes fn under the session scope. On exit the shared buffer is
// always flushed. An error returned by fn is first logged at ERROR level
// under the session id, then returned unchanged; a panic is logged with its
// stack trace and re-raised unchanged after the flush.
func (s *Session) Run(fn func(*Session) error) (err error) {
	defer s.logger.Flush()
	defer func() {
		if r := recover(); r != nil {
			s.Error(fmt.Sprintf("panic: %v\n%s", r, debug.Stack()), nil)
			panic(r)
		}
	}()

	err = fn(s)
	if err != nil {
		s.Error(fmt.Sprintf("unhandled error: %+v", err), map[string]any{"error": err.Error()})
	}
	return err
}
