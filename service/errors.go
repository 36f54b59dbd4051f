package service

import "fmt"

// ErrorCode classifies a domain failure so the hosting layer can map it onto
// a stable wire code. Domain errors are ordinary responses to the requesting
// peer; they are distinct from transport failures (peer disconnect, I/O
// error), which never take this form.
type ErrorCode string

const (
	// CodeInvalidArgument indicates the operation arguments were malformed or
	// failed validation.
	CodeInvalidArgument ErrorCode = "invalid_argument"
	// CodeNotFound indicates a referenced entity does not exist.
	CodeNotFound ErrorCode = "not_found"
	// CodeFailedPrecondition indicates the operation cannot run in the
	// service's current state.
	CodeFailedPrecondition ErrorCode = "failed_precondition"
	// CodeInternal indicates an unexpected failure inside the service.
	CodeInternal ErrorCode = "internal"
)

// Error is a domain-defined operation failure. It is representable in the
// protocol's response encoding and is surfaced to the requesting peer; the
// session remains open.
type Error struct {
	Code    ErrorCode
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a domain error with the given code.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgumentf builds a CodeInvalidArgument error.
func InvalidArgumentf(format string, args ...any) *Error {
	return Errorf(CodeInvalidArgument, format, args...)
}

// NotFoundf builds a CodeNotFound error.
func NotFoundf(format string, args ...any) *Error {
	return Errorf(CodeNotFound, format, args...)
}

// FailedPreconditionf builds a CodeFailedPrecondition error.
func FailedPreconditionf(format string, args ...any) *Error {
	return Errorf(CodeFailedPrecondition, format, args...)
}
