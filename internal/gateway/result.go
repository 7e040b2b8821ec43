package gateway

import (
	"errors"
	"fmt"
)

// Code classifies an operation-local failure.
type Code string

// Error codes returned in acknowledgements.
const (
	CodeValidation   Code = "VALIDATION"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeBlocked      Code = "BLOCKED"
	CodeInternal     Code = "INTERNAL"
)

// Error is a failure reported back to the client in the acknowledgement. The
// connection stays open.
type Error struct {
	Code    Code
	Message string
	// RetryAfter is the number of seconds to wait, set for slow mode.
	RetryAfter int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var errInternal = newError(CodeInternal, "Internal server error")

// Result is what a handler returns: a success payload, a tagged error, or
// nothing for events that are not acknowledged.
type Result struct {
	data  map[string]any
	err   *Error
	noAck bool
}

// OK is a successful result carrying extra acknowledgement fields.
func OK(data map[string]any) Result {
	return Result{data: data}
}

// Fail converts err into an error result. Errors that are not *Error become
// an internal error.
func Fail(err error) Result {
	var e *Error
	if errors.As(err, &e) {
		return Result{err: e}
	}
	return Result{err: errInternal}
}

// NoAck is the result of an event that has no acknowledgement.
func NoAck() Result {
	return Result{noAck: true}
}

// Err returns the error, or nil on success.
func (r Result) Err() *Error { return r.err }

// Data returns the success payload.
func (r Result) Data() map[string]any { return r.data }

// Ack renders the acknowledgement body. ok is false when the event has no
// acknowledgement.
func (r Result) Ack() (body map[string]any, ok bool) {
	if r.noAck {
		return nil, false
	}
	if r.err != nil {
		body = map[string]any{"error": r.err.Message, "code": r.err.Code}
		if r.err.RetryAfter > 0 {
			body["retryAfter"] = r.err.RetryAfter
		}
		return body, true
	}
	body = make(map[string]any, len(r.data)+1)
	for k, v := range r.data {
		body[k] = v
	}
	body["success"] = true
	return body, true
}
