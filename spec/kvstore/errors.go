package kvstore

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrOpen    = errors.New("kvstore: connection could not be established")
	ErrPrepare = errors.New("kvstore: statement did not compile")
	ErrBind    = errors.New("kvstore: parameter could not be bound")
	ErrStep    = errors.New("kvstore: statement did not complete as expected")
	ErrQuery   = errors.New("kvstore: key does not exist")

	// ErrClosed is returned by operations on a closed engine or manager.
	ErrClosed = fs.ErrClosed
)

const noMessage = "No error message provided from sqlite."

// Error carries one of the failure kinds above together with the message
// reported by the underlying engine. Error() returns that message verbatim.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func newError(kind error, cause error) error {
	msg := noMessage
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return &Error{
		Kind:    kind,
		Message: msg,
		Err:     cause,
	}
}

func OpenError(cause error) error {
	return newError(ErrOpen, cause)
}

func PrepareError(cause error) error {
	return newError(ErrPrepare, cause)
}

func BindError(cause error) error {
	return newError(ErrBind, cause)
}

func StepError(cause error) error {
	return newError(ErrStep, cause)
}

// QueryError reports an unmet "key must already exist" precondition.
func QueryError(format string, args ...any) error {
	return &Error{
		Kind:    ErrQuery,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindName maps err to a short label, mostly for logs and metrics.
func KindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrQuery):
		return "query"
	case errors.Is(err, ErrStep):
		return "step"
	case errors.Is(err, ErrBind):
		return "bind"
	case errors.Is(err, ErrPrepare):
		return "prepare"
	case errors.Is(err, ErrOpen):
		return "open"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
