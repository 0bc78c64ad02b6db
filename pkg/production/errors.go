package production

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable engine error kind.
type ErrorCode string

const (
	CodeTankUnavailable         ErrorCode = "TANK_UNAVAILABLE"
	CodeScheduleConflict        ErrorCode = "SCHEDULE_CONFLICT"
	CodeIncompatiblePhase       ErrorCode = "INCOMPATIBLE_PHASE"
	CodeInvalidSplit            ErrorCode = "INVALID_SPLIT"
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeInvalidStatusTransition ErrorCode = "INVALID_STATUS_TRANSITION"
	CodeInvalidArgument         ErrorCode = "INVALID_ARGUMENT"
)

// Error is a structured engine error. Any Error returned from an operation
// means the enclosing transaction was rolled back.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrTankUnavailable         = &Error{Code: CodeTankUnavailable}
	ErrScheduleConflict        = &Error{Code: CodeScheduleConflict}
	ErrIncompatiblePhase       = &Error{Code: CodeIncompatiblePhase}
	ErrInvalidSplit            = &Error{Code: CodeInvalidSplit}
	ErrNotFound                = &Error{Code: CodeNotFound}
	ErrInvalidStatusTransition = &Error{Code: CodeInvalidStatusTransition}
	ErrInvalidArgument         = &Error{Code: CodeInvalidArgument}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFound(kind, id string) *Error {
	return Errorf(CodeNotFound, "%s %q not found", kind, id)
}

// CodeOf returns the engine code carried by err, or "" for unexpected errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an engine error code to the status returned at the API
// boundary.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case "":
		return http.StatusInternalServerError
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
