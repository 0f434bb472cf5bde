package errors

import (
	stderrors "errors"
)

type ErrorType string

const (
	// ErrorTypeNotFound: a queried id or path is absent from every manifest
	// or source consulted. Never fatal by itself.
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeUnavailable: a source once expected to serve a chunk can no
	// longer do so (window closed, stream broken).
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
	// ErrorTypeIntegrityMismatch: retrieved bytes fail the chunk's recorded
	// hash check. The data must be discarded, never accepted.
	ErrorTypeIntegrityMismatch ErrorType = "INTEGRITY_MISMATCH"
	// ErrorTypeAborted: cooperative cancellation, reported distinctly from
	// failure so retry logic can tell "we gave up" from "it broke".
	ErrorTypeAborted  ErrorType = "ABORTED"
	ErrorTypeInternal ErrorType = "INTERNAL"
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(message string) *Error {
	return &Error{Type: ErrorTypeNotFound, Message: message}
}

func Unavailable(message string) *Error {
	return &Error{Type: ErrorTypeUnavailable, Message: message}
}

func IntegrityMismatch(message string) *Error {
	return &Error{Type: ErrorTypeIntegrityMismatch, Message: message}
}

func Aborted(message string) *Error {
	return &Error{Type: ErrorTypeAborted, Message: message}
}

func Internal(message string, err error) *Error {
	return &Error{Type: ErrorTypeInternal, Message: message, Err: err}
}

func IsType(err error, t ErrorType) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == t
	}
	return false
}

func IsNotFound(err error) bool          { return IsType(err, ErrorTypeNotFound) }
func IsUnavailable(err error) bool       { return IsType(err, ErrorTypeUnavailable) }
func IsIntegrityMismatch(err error) bool { return IsType(err, ErrorTypeIntegrityMismatch) }
func IsAborted(err error) bool           { return IsType(err, ErrorTypeAborted) }
