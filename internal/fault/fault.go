// Package fault defines the stable error codes Stagehand surfaces to
// callers. Every error that crosses a component boundary carries a code so
// the HTTP layer can emit a uniform {code, message} envelope and callers
// can tell transient conditions from permanent ones.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes are part of the external contract
// and must not change between releases.
type Code string

const (
	// CodeResourceExhausted means the engine instance cap is reached.
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	// CodeSpawnFailed means the engine executable is missing or not runnable.
	CodeSpawnFailed Code = "SPAWN_FAILED"
	// CodeStartupTimeout means the engine's command interface never became
	// reachable within the startup deadline.
	CodeStartupTimeout Code = "STARTUP_TIMEOUT"
	// CodeEngineUnavailable means the engine process died or is unreachable.
	CodeEngineUnavailable Code = "ENGINE_UNAVAILABLE"
	// CodeCommandTimeout means a command exceeded its deadline. The
	// engine-side effect may still have happened; the engine exposes no
	// cancel primitive.
	CodeCommandTimeout Code = "COMMAND_TIMEOUT"
	// CodeSessionNotReady means the session's mapped process is not running.
	CodeSessionNotReady Code = "SESSION_NOT_READY"
	// CodeNotFound means the session or job does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeSessionCreationFailed wraps spawn failures without a typed code.
	CodeSessionCreationFailed Code = "SESSION_CREATION_FAILED"
	// CodeInvalidCommand means a command or job parameter failed validation.
	CodeInvalidCommand Code = "INVALID_COMMAND"
	// CodeRenderingFailed means the engine errored or produced no artifact.
	CodeRenderingFailed Code = "RENDERING_FAILED"
	// CodeQueueFull means the optional pending-job bound was hit.
	CodeQueueFull Code = "QUEUE_FULL"
	// CodeInternal covers everything without a more specific code.
	CodeInternal Code = "INTERNAL"
)

// Error is an error with a stable code. Message never contains internal
// paths or stack detail.
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

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code. If err already carries a code, the
// original code is preserved so causes propagate unchanged through layers.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	if inner := (*Error)(nil); errors.As(err, &inner) {
		code = inner.Code
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from err, or CodeInternal if it has none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Transient reports whether the condition is worth retrying. Resource
// exhaustion and timeouts clear on their own; a missing executable or a
// dead session does not.
func Transient(code Code) bool {
	switch code {
	case CodeResourceExhausted, CodeStartupTimeout, CodeCommandTimeout, CodeQueueFull:
		return true
	}
	return false
}
