// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-net.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrBackendClosed     = errors.New("backend is closed")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrOperationTimeout  = errors.New("operation timeout")
	ErrNotSupported      = errors.New("operation not supported")
	ErrNotFound          = errors.New("resource not found")
	ErrManagerClosed     = errors.New("manager is closed")

	// ErrWouldBlock is the transient condition: retry on the next iteration.
	ErrWouldBlock = errors.New("operation would block")

	// ErrWantRead and ErrWantWrite are returned by TLS shims that need
	// more ciphertext or have ciphertext to flush.
	ErrWantRead  = errors.New("tls wants read")
	ErrWantWrite = errors.New("tls wants write")

	ErrResolveFailed   = errors.New("name resolution failed")
	ErrNoAnswer        = errors.New("no address in answer")
	ErrRetriesExceeded = errors.New("resolver retries exceeded")
	ErrConnectionReset = errors.New("connection reset")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeNotFound
	ErrCodeInvalidState
	ErrCodeResolve
	ErrCodeInternal
)

// sentinel maps codes to the matching package error for errors.Is.
func (c ErrorCode) sentinel() error {
	switch c {
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	case ErrCodeResourceExhausted:
		return ErrResourceExhausted
	case ErrCodeTimeout:
		return ErrOperationTimeout
	case ErrCodeNotSupported:
		return ErrNotSupported
	case ErrCodeNotFound:
		return ErrNotFound
	case ErrCodeInvalidState:
		return ErrInvalidState
	case ErrCodeResolve:
		return ErrResolveFailed
	}
	return nil
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Code.
func (e *Error) Is(target error) bool {
	s := e.Code.sentinel()
	return s != nil && s == target
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}
