package search

import (
	"context"
	"errors"
	"net/http"
)

// Error is a protocol error as seen by clients. Errors compare equal under
// errors.Is when their codes match, so callers can test against the sentinel
// values below regardless of message or description.
type Error struct {
	Status      int    `json:"status"`
	Code        string `json:"error"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Message + " (" + e.Description + ")"
	}
	return e.Code + ": " + e.Message
}

// Is reports whether target is a protocol error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e carrying msg.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// WithDescription returns a copy of e carrying desc.
func (e *Error) WithDescription(desc string) *Error {
	cp := *e
	cp.Description = desc
	return &cp
}

var (
	// ErrIllegalDemand is raised for request(n) with n < 1.
	ErrIllegalDemand = &Error{Status: http.StatusBadRequest, Code: "search:subscription.demand.illegal", Message: "The demand must be a positive number."}
	// ErrNoSuchSubscription is replied to requests naming an unknown or already terminated subscription.
	ErrNoSuchSubscription = &Error{Status: http.StatusNotFound, Code: "search:subscription.notfound", Message: "The subscription does not exist or has already terminated."}
	// ErrInvalidFilter indicates the filter expression could not be parsed or type-checked.
	ErrInvalidFilter = &Error{Status: http.StatusBadRequest, Code: "search:filter.invalid", Message: "The filter expression is invalid."}
	// ErrInvalidSort indicates a malformed sort specification.
	ErrInvalidSort = &Error{Status: http.StatusBadRequest, Code: "search:sort.invalid", Message: "The sort specification is invalid."}
	// ErrInvalidOption indicates a malformed or forbidden option, field selector or cursor.
	ErrInvalidOption = &Error{Status: http.StatusBadRequest, Code: "search:option.invalid", Message: "The search options are invalid."}
	// ErrInvalidCommand indicates an undecodable protocol message.
	ErrInvalidCommand = &Error{Status: http.StatusBadRequest, Code: "search:command.invalid", Message: "The command could not be understood."}
	// ErrSubscriptionTimeout is raised when no demand arrives within the idle window.
	ErrSubscriptionTimeout = &Error{Status: http.StatusRequestTimeout, Code: "search:subscription.timeout", Message: "The subscription timed out waiting for demand."}
	// ErrUpstreamFailure is raised when the search backend failed and could not be recovered.
	ErrUpstreamFailure = &Error{Status: http.StatusServiceUnavailable, Code: "search:upstream.failed", Message: "The search backend failed to produce results."}
	// ErrInternal wraps every unexpected failure.
	ErrInternal = &Error{Status: http.StatusInternalServerError, Code: "search:internal.error", Message: "An unexpected error occurred."}
)

// AsError maps err onto a protocol error. Protocol errors are returned as-is,
// context deadline errors become ErrSubscriptionTimeout and everything else is
// reported as ErrInternal without leaking the cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrSubscriptionTimeout
	}
	return ErrInternal
}
