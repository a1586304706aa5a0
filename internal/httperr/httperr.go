// Package httperr carries the request-level error taxonomy for the deploy
// API. Validation and auth failures travel as typed values and are only
// translated to transport responses at the server boundary.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an HTTP-mappable failure with a short client-safe detail string.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

// Unauthorized reports a missing or invalid request signature.
func Unauthorized(detail string) *Error {
	return &Error{Status: http.StatusUnauthorized, Detail: detail}
}

// BadRequest reports malformed input: bad stack name, escaped path, missing
// manifest, or an unparsable payload.
func BadRequest(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: detail}
}

// NotFound reports an absent stack directory.
func NotFound(detail string) *Error {
	return &Error{Status: http.StatusNotFound, Detail: detail}
}

// TooManyRequests reports rate-limit exhaustion.
func TooManyRequests(detail string) *Error {
	return &Error{Status: http.StatusTooManyRequests, Detail: detail}
}

// Internal reports an unexpected server-side failure. The detail is what the
// client sees; anything sensitive belongs in the log, not here.
func Internal(detail string) *Error {
	return &Error{Status: http.StatusInternalServerError, Detail: detail}
}

// StatusOf maps err to an HTTP status and detail. Non-typed errors collapse
// to a generic 500 so internal messages never reach the caller.
func StatusOf(err error) (int, string) {
	var he *Error
	if errors.As(err, &he) {
		return he.Status, he.Detail
	}
	return http.StatusInternalServerError, "internal server error"
}
