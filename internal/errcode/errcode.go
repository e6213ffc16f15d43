// Package errcode defines the stable, code-carrying domain error used across
// gnssbus. An *Error is an expected failure: it is reported back to callers
// verbatim (code + message). Anything that is not an *Error is treated as an
// internal failure and is never shown to callers beyond the Internal sentinel.
package errcode

import (
	"errors"
	"fmt"
)

// Stable error codes. Values are part of the wire contract (HTTP bodies,
// actor replies) and must never be renumbered.
const (
	CodeInternal     = -1
	CodeTimeout      = -2
	CodeInvalidParam = 1
	CodeNotFound     = 2
	CodeConflict     = 3
	CodeUnavailable  = 4
)

// Error is a domain error with a stable code and a caller-safe message.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("errcode %d: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, errcode.Internal)
// works for freshly constructed values too.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// Internal is the opaque reply for unexpected failures.
	Internal = &Error{Code: CodeInternal, Message: "internal error"}

	// Timeout is reported when a bounded wait elapsed without a reply.
	Timeout = &Error{Code: CodeTimeout, Message: "timeout"}
)

// New returns an *Error with the given code and message.
func New(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// InvalidParam reports a bad or missing parameter by name.
func InvalidParam(name string) *Error {
	return &Error{Code: CodeInvalidParam, Message: "invalid parameter: " + name}
}

// NotFound reports an unknown entity.
func NotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Message: "not found: " + what}
}

// Conflict reports an entity that already exists or a state clash.
func Conflict(what string) *Error {
	return &Error{Code: CodeConflict, Message: "conflict: " + what}
}

// Unavailable reports a dependency that could not serve the request.
func Unavailable(what string) *Error {
	return &Error{Code: CodeUnavailable, Message: "unavailable: " + what}
}

// As extracts the *Error from err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
