package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rohith4444/Oprina-AVAFG-sub002/pkg/pg"
)

// incrementRetryAttempts bounds retries of the atomic counter update when the
// database reports a concurrent-update conflict before escalating.
const incrementRetryAttempts = 3

// PGStore implements Store on PostgreSQL through a pgx connection pool.
//
// The quota counter update is a single INSERT .. ON CONFLICT DO UPDATE
// statement, so concurrency safety for the used_seconds invariant rests on
// the database, not on application-level locking.
type PGStore struct {
	pool         *pgxpool.Pool
	defaultLimit int64
}

// NewPGStore wraps an existing connection pool. New quota rows are created
// with defaultLimitSeconds as their lifetime allowance.
func NewPGStore(pool *pgxpool.Pool, defaultLimitSeconds int64) *PGStore {
	if pool == nil {
		panic("usage: pgx pool is required")
	}
	return &PGStore{pool: pool, defaultLimit: defaultLimitSeconds}
}

const quotaColumns = `user_id, limit_seconds, used_seconds, session_count, exhausted, exhausted_at, created_at, updated_at`

const recordColumns = `id, user_id, chat_session_id, provider_session_id, avatar_name,
	started_at, ended_at, duration_seconds, words_spoken, estimated_cost, status, COALESCE(error_message, '')`

const getOrCreateQuotaQuery = `
	INSERT INTO usage_quotas (user_id, limit_seconds)
	VALUES ($1, $2)
	ON CONFLICT (user_id) DO UPDATE SET updated_at = usage_quotas.updated_at
	RETURNING ` + quotaColumns

const getQuotaQuery = `SELECT ` + quotaColumns + ` FROM usage_quotas WHERE user_id = $1`

// incrementUsageQuery folds counter creation and the atomic increment into
// one statement. All right-hand expressions in DO UPDATE read the pre-update
// row, so the exhausted flag and timestamp flip exactly once, on the call
// whose increment first crosses the limit.
const incrementUsageQuery = `
	INSERT INTO usage_quotas (user_id, limit_seconds, used_seconds, session_count, exhausted, exhausted_at)
	VALUES ($1, $3, $2, 1, $2 >= $3, CASE WHEN $2 >= $3 THEN now() END)
	ON CONFLICT (user_id) DO UPDATE SET
		used_seconds = usage_quotas.used_seconds + $2,
		session_count = usage_quotas.session_count + 1,
		exhausted_at = CASE
			WHEN NOT usage_quotas.exhausted AND usage_quotas.used_seconds + $2 >= usage_quotas.limit_seconds THEN now()
			ELSE usage_quotas.exhausted_at
		END,
		exhausted = usage_quotas.exhausted OR usage_quotas.used_seconds + $2 >= usage_quotas.limit_seconds,
		updated_at = now()
	RETURNING ` + quotaColumns

const createRecordQuery = `
	INSERT INTO usage_records (id, user_id, chat_session_id, provider_session_id, avatar_name,
		started_at, words_spoken, estimated_cost, status, error_message)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))`

const getRecordQuery = `SELECT ` + recordColumns + ` FROM usage_records WHERE id = $1`

// finalizeRecordQuery only matches records still active, which makes
// finalization a one-way transition even when two terminators race.
const finalizeRecordQuery = `
	UPDATE usage_records
	SET ended_at = $2,
		duration_seconds = $3,
		words_spoken = $4,
		estimated_cost = $5,
		status = $6,
		error_message = NULLIF($7, '')
	WHERE id = $1 AND status = 'active'
	RETURNING ` + recordColumns

const listStaleActiveQuery = `
	SELECT ` + recordColumns + `
	FROM usage_records
	WHERE status = 'active' AND started_at < $1
	ORDER BY started_at`

// GetOrCreateQuota upserts the user's quota row and returns it.
func (s *PGStore) GetOrCreateQuota(ctx context.Context, userID uuid.UUID) (*Quota, error) {
	row := s.pool.QueryRow(ctx, getOrCreateQuotaQuery, userID, s.defaultLimit)
	quota, err := scanQuota(row)
	if err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}
	return quota, nil
}

// CheckLimits reads the quota row without creating it; an absent row means a
// fresh user with the full default allowance.
func (s *PGStore) CheckLimits(ctx context.Context, userID uuid.UUID) (LimitCheck, error) {
	row := s.pool.QueryRow(ctx, getQuotaQuery, userID)
	quota, err := scanQuota(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Quota{UserID: userID, LimitSeconds: s.defaultLimit}.LimitCheck(), nil
		}
		return LimitCheck{}, errors.Join(ErrStoreFailure, err)
	}
	return quota.LimitCheck(), nil
}

// IncrementUsage atomically adds deltaSeconds to the user's counter. Retries
// a bounded number of times when the database reports a concurrent-update
// conflict, then escalates.
func (s *PGStore) IncrementUsage(ctx context.Context, userID uuid.UUID, deltaSeconds int64) (*Quota, error) {
	if deltaSeconds < 0 {
		return nil, ErrNegativeDelta
	}

	var lastErr error
	for range incrementRetryAttempts {
		row := s.pool.QueryRow(ctx, incrementUsageQuery, userID, deltaSeconds, s.defaultLimit)
		quota, err := scanQuota(row)
		if err == nil {
			return quota, nil
		}
		if !pg.IsSerializationError(err) {
			return nil, errors.Join(ErrStoreFailure, err)
		}
		lastErr = err
	}

	return nil, errors.Join(ErrStoreFailure, ErrConcurrentUpdate, lastErr)
}

// CreateRecord inserts a usage record. The partial unique index on active
// provider session ids turns a double-start into ErrDuplicateActiveRecord.
func (s *PGStore) CreateRecord(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == uuid.Nil || rec.UserID == uuid.Nil || rec.ProviderSessionID == "" {
		return ErrInvalidRecord
	}
	if !rec.Status.Valid() {
		return ErrInvalidStatus
	}

	_, err := s.pool.Exec(ctx, createRecordQuery,
		rec.ID, rec.UserID, rec.ChatSessionID, rec.ProviderSessionID, rec.AvatarName,
		rec.StartedAt, rec.WordsSpoken, rec.EstimatedCost, rec.Status, rec.ErrorMessage)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateActiveRecord
		}
		return errors.Join(ErrStoreFailure, err)
	}
	return nil
}

// GetRecord returns a usage record by id.
func (s *PGStore) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx, getRecordQuery, id)
	rec, err := scanRecord(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrRecordNotFound
		}
		return nil, errors.Join(ErrStoreFailure, err)
	}
	return rec, nil
}

// FinalizeRecord applies terminal values to an active record exactly once.
func (s *PGStore) FinalizeRecord(ctx context.Context, id uuid.UUID, fin Finalization) (*Record, error) {
	if fin.Status == StatusActive || !fin.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	row := s.pool.QueryRow(ctx, finalizeRecordQuery,
		id, fin.EndedAt.UTC(), max(fin.DurationSeconds, 0), fin.WordsSpoken,
		fin.EstimatedCost, fin.Status, fin.ErrorMessage)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !pg.IsNotFoundError(err) {
		return nil, errors.Join(ErrStoreFailure, err)
	}

	// No active row matched: distinguish a missing record from one that was
	// already finalized by a racing terminator.
	if _, err := s.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrRecordFinalized
}

// ListStaleActiveRecords returns active records whose session started before
// the cutoff.
func (s *PGStore) ListStaleActiveRecords(ctx context.Context, olderThan time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx, listStaleActiveQuery, olderThan)
	if err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}
	defer rows.Close()

	var stale []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Join(ErrStoreFailure, err)
		}
		stale = append(stale, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}

	return stale, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuota(row rowScanner) (*Quota, error) {
	var q Quota
	err := row.Scan(&q.UserID, &q.LimitSeconds, &q.UsedSeconds, &q.SessionCount,
		&q.Exhausted, &q.ExhaustedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.UserID, &r.ChatSessionID, &r.ProviderSessionID, &r.AvatarName,
		&r.StartedAt, &r.EndedAt, &r.DurationSeconds, &r.WordsSpoken, &r.EstimatedCost,
		&r.Status, &r.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
