// Package errs provides structured error types and helpers for convolog components.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a pipeline error category.
type Code string

const (
	// CodeInvalid indicates invalid input or configuration provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConnection indicates the backing store could not be reached at connect time.
	CodeConnection Code = "connection"
	// CodeStorage indicates a persist failure against an established store connection.
	CodeStorage Code = "storage"
	// CodeSerialization indicates an entry could not be encoded for persistence.
	CodeSerialization Code = "serialization"
	// CodeUnavailable indicates the component is closed or temporarily unusable.
	CodeUnavailable Code = "unavailable"
	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout Code = "timeout"
)

// E captures structured error information produced across the convolog stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Backend   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Backend:   "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithBackend records which store backend produced the failure.
func WithBackend(backend string) Option {
	trimmed := strings.TrimSpace(backend)
	return func(e *E) {
		e.Backend = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Backend != "" {
		parts = append(parts, "backend="+e.Backend)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *E
	return errors.As(err, &e) && e.Code == code
}
