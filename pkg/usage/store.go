package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for quota counters and per-session usage
// records. Implementations must make IncrementUsage atomic at the storage
// layer: two sessions of the same user ending in the same instant must not
// lose an update. A read-modify-write without storage-level protection is a
// correctness bug, not an implementation detail.
type Store interface {
	// GetOrCreateQuota returns the user's quota, creating it with the store's
	// default allowance when absent. Safe under concurrent first access for
	// the same user: implemented as an upsert, never read-then-insert.
	GetOrCreateQuota(ctx context.Context, userID uuid.UUID) (*Quota, error)

	// CheckLimits answers whether the user may start a streaming session.
	// Pure read; a user without a quota row gets the full default allowance.
	CheckLimits(ctx context.Context, userID uuid.UUID) (LimitCheck, error)

	// IncrementUsage atomically adds deltaSeconds to the user's counter and
	// bumps the session count, creating the quota row if needed. The
	// exhausted flag and timestamp are set exactly once, the first time the
	// post-increment total crosses the limit.
	IncrementUsage(ctx context.Context, userID uuid.UUID, deltaSeconds int64) (*Quota, error)

	// CreateRecord inserts a usage record. At most one record may be active
	// for a given provider session id; violations return
	// ErrDuplicateActiveRecord.
	CreateRecord(ctx context.Context, rec *Record) error

	// GetRecord returns a usage record by id.
	GetRecord(ctx context.Context, id uuid.UUID) (*Record, error)

	// FinalizeRecord writes terminal values onto an active record. Finalized
	// records are immutable: a second call returns ErrRecordFinalized.
	FinalizeRecord(ctx context.Context, id uuid.UUID, fin Finalization) (*Record, error)

	// ListStaleActiveRecords returns records still marked active whose
	// session started before the cutoff. Used for crash recovery.
	ListStaleActiveRecords(ctx context.Context, olderThan time.Time) ([]Record, error)
}
