// Package apperr defines the error taxonomy shared by the revenue engine.
// Every failure surfaced to a caller is one of the sentinel kinds below,
// wrapped in an *Error that names the operation and identifiers involved.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrVersionConflict     = errors.New("version conflict")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrStoreWriteFailure   = errors.New("store write failure")
)

// Error carries the operation, the identifiers it concerned and the
// underlying cause for one failure.
type Error struct {
	Op   string // e.g. "detect_all", "resolve_leak"
	Kind error  // one of the sentinels above
	Ref  string // identifiers such as leak id, fingerprint, date
	Msg  string
	Err  error // cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Ref != "" {
		b.WriteString(" [")
		b.WriteString(e.Ref)
		b.WriteString("]")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newErr(kind error, op, ref string, cause error, format string, args ...interface{}) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Op: op, Kind: kind, Ref: ref, Msg: msg, Err: cause}
}

func Validation(op, format string, args ...interface{}) *Error {
	return newErr(ErrValidation, op, "", nil, format, args...)
}

func NotFound(op, ref string) *Error {
	return newErr(ErrNotFound, op, ref, nil, "")
}

func InvalidTransition(op, ref, format string, args ...interface{}) *Error {
	return newErr(ErrInvalidTransition, op, ref, nil, format, args...)
}

func VersionConflict(op, ref string, expected int) *Error {
	return newErr(ErrVersionConflict, op, ref, nil, "expected version %d is stale, re-fetch and retry", expected)
}

func Upstream(op, ref string, cause error) *Error {
	return newErr(ErrUpstreamUnavailable, op, ref, cause, "")
}

func StoreWrite(op, ref string, cause error) *Error {
	return newErr(ErrStoreWriteFailure, op, ref, cause, "")
}

// Retryable reports whether a whole operation may be retried automatically.
// Only transient upstream failures qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// HTTPStatus maps an error to the status code the HTTP layer should return.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
