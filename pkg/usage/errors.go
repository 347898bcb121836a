package usage

import "errors"

var (
	// ErrQuotaNotFound indicates no quota row exists for the user.
	ErrQuotaNotFound = errors.New("usage.quota_not_found")

	// ErrRecordNotFound indicates the usage record does not exist.
	ErrRecordNotFound = errors.New("usage.record_not_found")

	// ErrRecordFinalized indicates an attempt to finalize a record twice.
	ErrRecordFinalized = errors.New("usage.record_already_finalized")

	// ErrDuplicateActiveRecord indicates a second active record for the same
	// provider session id.
	ErrDuplicateActiveRecord = errors.New("usage.duplicate_active_record")

	// ErrInvalidRecord indicates a record missing required fields.
	ErrInvalidRecord = errors.New("usage.invalid_record")

	// ErrInvalidStatus indicates an unknown terminal status on finalization.
	ErrInvalidStatus = errors.New("usage.invalid_status")

	// ErrConcurrentUpdate indicates the atomic increment kept losing to
	// concurrent writers after bounded retries.
	ErrConcurrentUpdate = errors.New("usage.concurrent_update_conflict")

	// ErrStoreFailure wraps transient persistence-layer failures.
	ErrStoreFailure = errors.New("usage.store_failure")

	// ErrNegativeDelta indicates a usage increment below zero.
	ErrNegativeDelta = errors.New("usage.negative_delta")
)
