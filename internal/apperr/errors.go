// Package apperr defines the application error taxonomy shared by adapters, pipeline and API.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", ErrX) or New.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")
	ErrTooLarge     = errors.New("payload too large")
)

// Error carries a message that is safe to show to API clients, plus the underlying cause
// which is only ever logged.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// New returns an Error of the given kind.
func New(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound returns a not-found error with message.
func NotFound(message string) *Error { return New(ErrNotFound, message, nil) }

// Conflict returns a conflict error with message.
func Conflict(message string) *Error { return New(ErrConflict, message, nil) }

// Invalid returns an input error with message and optional cause.
func Invalid(message string, cause error) *Error { return New(ErrInvalidInput, message, cause) }

// PublicMessage returns the client-safe message of err. Errors that are not *Error
// yield fallback so upstream details never leak.
func PublicMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	}
	return fallback
}

// Stage names an extraction stage.
type Stage string

const (
	StageAgentic Stage = "agentic"
	StageLocal   Stage = "local"
	StageVision  Stage = "vision"
	StagePersist Stage = "persist"
)

// StageError is returned by extraction adapters. Fatal errors abort the attempt; soft
// errors degrade the result.
type StageError struct {
	Stage Stage
	Fatal bool
	Err   error
}

func (e *StageError) Error() string {
	kind := "soft"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s stage (%s): %v", e.Stage, kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fatal wraps err as a fatal failure of stage.
func Fatal(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Fatal: true, Err: err}
}

// Soft wraps err as a degradable failure of stage.
func Soft(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Fatal: false, Err: err}
}

// IsFatal reports whether err is, or wraps, a fatal StageError.
// Errors without a stage are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Fatal
	}
	return true
}
