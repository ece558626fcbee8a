package rpc

import (
	"errors"
	"fmt"
)

const (
	CodeValidation = "ValidationError"
	CodeInternal   = "InternalError"
)

var (
	// ErrTimeout settles a call that saw no matching reply in time. A
	// missing owner and a slow one are indistinguishable; callers must
	// treat this exactly like a not-found reply.
	ErrTimeout = errors.New("rpc: timeout")

	// ErrValidation marks malformed requests and arguments.
	ErrValidation = &Error{Code: CodeValidation, Message: "invalid request"}
)

// Coded is implemented by errors that keep their identity across the
// bridge. The code travels on the wire; the remote side rebuilds an *Error
// that matches the local sentinel under errors.Is.
type Coded interface {
	error
	ErrorCode() string
}

// Error is a failure reported by the remote handler.
type Error struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *Error) Error() string     { return e.Message }
func (e *Error) ErrorCode() string { return e.Code }

// Is matches any error carrying the same code, so a reply rebuilt on the
// caller side equals the sentinel the handler returned.
func (e *Error) Is(target error) bool {
	c, ok := target.(Coded)
	return ok && c.ErrorCode() == e.Code
}

func toError(err error) *Error {
	var coded Coded
	if errors.As(err, &coded) {
		return &Error{Code: coded.ErrorCode(), Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
