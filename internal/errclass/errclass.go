package errclass

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// Code identifies the structural failure category of an error produced
// anywhere in the processing engine. Classification is by category, not
// by free-text matching, so provider wire messages are mapped to a Code
// once at the client call site and never re-parsed.
type Code string

const (
	ErrLockDenied           Code = "LOCK_DENIED"
	ErrNoProviderAvailable  Code = "NO_PROVIDER_AVAILABLE"
	ErrProviderTransient    Code = "PROVIDER_TRANSIENT"
	ErrProviderFatal        Code = "PROVIDER_FATAL"
	ErrPersistenceTransient Code = "PERSISTENCE_TRANSIENT"
	ErrPersistenceFatal     Code = "PERSISTENCE_FATAL"
	ErrInternal             Code = "INTERNAL"
)

// Class is the retry decision derived from a Code.
type Class int

const (
	// Fatal errors are rethrown immediately, no further attempts.
	Fatal Class = iota
	// Retriable errors are retried under the bounded backoff policy.
	Retriable
)

func (c Class) String() string {
	if c == Fatal {
		return "FATAL"
	}
	return "RETRIABLE"
}

// Error carries a failure category alongside the underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from an error, or ErrInternal when the error
// carries no category.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given failure category.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Classify maps a failure to its retry class.
//
// Known categories classify directly. Uncategorized errors fall through
// structural checks: net timeouts and dropped database connections are
// recognizable without inspecting message text. Anything still unknown
// defaults to Retriable so the bounded retry budget, not the classifier,
// decides when to give up.
func Classify(err error) Class {
	if err == nil {
		return Retriable
	}

	switch CodeOf(err) {
	case ErrProviderFatal, ErrPersistenceFatal, ErrNoProviderAvailable, ErrLockDenied:
		return Fatal
	case ErrProviderTransient, ErrPersistenceTransient:
		return Retriable
	}

	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, driver.ErrBadConn) {
		return Fatal
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return Fatal
		case "connection_exception", "connection_failure", "admin_shutdown":
			return Fatal
		}
		return Retriable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retriable
	}

	return Retriable
}
