package model

import "errors"

var (
	// ErrProjectRequired is returned when a start request is missing the project id.
	ErrProjectRequired = errors.New("project id is required")

	// ErrInvalidID is returned when an owner or project id cannot be used as a path segment.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnauthorized is returned when a connection carries no valid identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when a session belongs to another identity.
	ErrForbidden = errors.New("forbidden")

	// ErrNotReady is returned when input arrives before the agent signalled readiness.
	ErrNotReady = errors.New("session is not ready")

	// ErrConcurrencyLimit is returned when the maximum number of concurrent sessions is reached.
	ErrConcurrencyLimit = errors.New("concurrent session limit exceeded")

	// ErrInvalidRequest is returned for malformed client events.
	ErrInvalidRequest = errors.New("invalid request")
)

// Stable error codes sent to clients in "error" events, formatted {domain}.{error}.
const (
	CodeSessionNotFound    = "session.not_found"
	CodeSessionForbidden   = "session.forbidden"
	CodeSessionNotReady    = "session.not_ready"
	CodeSessionSpawnFailed = "session.spawn_failed"
	CodeSessionInitFailed  = "session.init_failed"
	CodeSessionWriteFailed = "session.write_failed"
	CodeSessionLimit       = "session.limit_exceeded"
	CodeRequestInvalid     = "request.invalid"
	CodeAuthFailed         = "auth.failed"
	CodeInternal           = "server.internal"
)

// CodeOf maps a model error to its wire code. Errors not owned by this package
// map to CodeInternal; callers with more context pick a specific code themselves.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrForbidden):
		return CodeSessionForbidden
	case errors.Is(err, ErrNotReady):
		return CodeSessionNotReady
	case errors.Is(err, ErrConcurrencyLimit):
		return CodeSessionLimit
	case errors.Is(err, ErrProjectRequired), errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidRequest):
		return CodeRequestInvalid
	case errors.Is(err, ErrUnauthorized):
		return CodeAuthFailed
	default:
		return CodeInternal
	}
}
