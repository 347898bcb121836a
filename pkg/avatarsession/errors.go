package avatarsession

import "errors"

var (
	// ErrQuotaExhausted signals the caller to degrade to the non-streaming
	// fallback experience. Expected and non-fatal.
	ErrQuotaExhausted = errors.New("avatarsession.quota_exhausted")

	// ErrSessionNotFound makes EndSession and GetStatus idempotent: the
	// session was never started, or was already terminated by the other path.
	ErrSessionNotFound = errors.New("avatarsession.session_not_found")

	// ErrDuplicateSession guards against double-starting the same provider
	// session id.
	ErrDuplicateSession = errors.New("avatarsession.duplicate_session")

	// ErrPersistence wraps transient storage failures. The in-memory registry
	// entry is cleaned up regardless, so no timer leaks behind this error.
	ErrPersistence = errors.New("avatarsession.persistence_failure")

	// ErrInvalidParams indicates missing start parameters.
	ErrInvalidParams = errors.New("avatarsession.invalid_params")

	// ErrInvalidConfig indicates a config that cannot run sessions.
	ErrInvalidConfig = errors.New("avatarsession.invalid_config")

	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("avatarsession.manager_closed")
)
