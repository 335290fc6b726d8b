package tsp

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured spooler error: what operation failed,
// which job it was operating on, the high-level category, and (when the
// failure came from a syscall) the underlying errno.
type Error struct {
	Op    string    // Operation that failed (e.g. "submit", "allocate_slots")
	JobID int64     // Job id involved, 0 if not applicable
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.JobID != 0 {
		parts = append(parts, fmt.Sprintf("job=%d", e.JobID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("tsp: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("tsp: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category, stable across releases so
// callers can branch on it instead of matching message text.
type ErrorCode string

const (
	ErrCodeNotImplemented     ErrorCode = "not implemented"
	ErrCodeJobNotFound        ErrorCode = "job not found"
	ErrCodeSlotsUnavailable   ErrorCode = "requested slots exceed system capacity"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeStoreUnavailable   ErrorCode = "database unavailable"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeSupervisorFailed   ErrorCode = "supervisor failed"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeCanceled           ErrorCode = "canceled"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying the errno that
// caused it.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewJobError creates a new error tied to a specific job id.
func NewJobError(op string, jobID int64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, JobID: jobID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with spooler context, preserving a
// nested *Error's fields or mapping a syscall.Errno to an ErrorCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if te, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			JobID: te.JobID,
			Code:  te.Code,
			Errno: te.Errno,
			Msg:   te.Msg,
			Inner: te.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeJobNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotImplemented
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ESRCH:
		return ErrCodeJobNotFound
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is (or wraps) an *Error carrying the given
// errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
