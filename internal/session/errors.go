package session

import (
	"errors"
	"fmt"
)

// Code classifies a session error.
type Code string

const (
	CodeWorkspace    Code = "WORKSPACE"
	CodeCompile      Code = "COMPILE"
	CodeToolchain    Code = "TOOLCHAIN"
	CodeSpawn        Code = "SPAWN"
	CodeStreamFault  Code = "STREAM_FAULT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeNotRunning   Code = "NOT_RUNNING"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeCapacity     Code = "CAPACITY"
	CodeStreamBusy   Code = "STREAM_BUSY"
	CodeTimeLimit    Code = "TIME_LIMIT"
)

// Error is returned by every Manager operation that fails for a reason a
// client can act on. Compile errors carry the compiler output in Diagnostic.
type Error struct {
	Code       Code
	Message    string
	Diagnostic string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound   = &Error{Code: CodeNotFound, Message: "session not found"}
	ErrNotRunning = &Error{Code: CodeNotRunning, Message: "process finished"}
	ErrCapacity   = &Error{Code: CodeCapacity, Message: "too many active sessions"}
	ErrStreamBusy = &Error{Code: CodeStreamBusy, Message: "output is already being streamed"}
)

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
