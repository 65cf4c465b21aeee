// Package apperr defines the error taxonomy shared by the assistant pipeline.
//
// Callers classify failures with errors.Is against the sentinels below;
// concrete errors wrap them with context via fmt.Errorf("...: %w", ...).
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input. Reported to the caller, never retried.
	ErrValidation = errors.New("validation error")

	// ErrUnavailable marks an unreachable or timed-out external service
	// (LLM, web search). Retried at most once, then degraded.
	ErrUnavailable = errors.New("external service unavailable")

	// ErrNotFound marks a missing room, task or message.
	ErrNotFound = errors.New("not found")

	// ErrAborted marks an orchestration pass that produced nothing to persist.
	ErrAborted = errors.New("aborted")

	// ErrForbidden marks a caller acting on a room it is not a member of.
	ErrForbidden = errors.New("forbidden")
)

// Validation returns an ErrValidation-wrapping error with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(service string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", service, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", service, ErrUnavailable, err)
}

// NotFound returns an ErrNotFound-wrapping error naming the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Forbidden returns an ErrForbidden-wrapping error for user in room.
func Forbidden(user, roomID string) error {
	return fmt.Errorf("user %q is not a member of room %q: %w", user, roomID, ErrForbidden)
}

// Kind returns a short label for logging and HTTP mapping.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrAborted):
		return "aborted"
	default:
		return "internal"
	}
}
