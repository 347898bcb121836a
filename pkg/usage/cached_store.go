package usage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// defaultCacheTTL keeps quota snapshots short-lived: a stale snapshot can at
// worst let one extra start attempt through before the authoritative store
// rejects it on the next read.
const defaultCacheTTL = 5 * time.Second

// CachedStore decorates a Store with a Redis read-through cache for the
// CheckLimits hot path. Every session start hits CheckLimits, while the
// underlying quota row only changes when a session ends, so a short TTL
// removes most of the read traffic from the database. Writes invalidate the
// cached snapshot.
type CachedStore struct {
	inner  Store
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCachedStore wraps inner with a Redis cache. A non-positive ttl falls
// back to the default of 5 seconds.
func NewCachedStore(inner Store, client redis.UniversalClient, ttl time.Duration) *CachedStore {
	if inner == nil {
		panic("usage: inner store is required")
	}
	if client == nil {
		panic("usage: redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedStore{inner: inner, client: client, ttl: ttl}
}

// CheckLimits serves cached snapshots when fresh, falling through to the
// inner store on a miss or on any cache failure.
func (c *CachedStore) CheckLimits(ctx context.Context, userID uuid.UUID) (LimitCheck, error) {
	key := quotaCacheKey(userID)

	if payload, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var check LimitCheck
		if err := json.Unmarshal(payload, &check); err == nil {
			return check, nil
		}
		// Unreadable entry, drop it and fall through.
		_ = c.client.Del(ctx, key).Err()
	}

	check, err := c.inner.CheckLimits(ctx, userID)
	if err != nil {
		return LimitCheck{}, err
	}

	if payload, err := json.Marshal(check); err == nil {
		// Best effort: a failed SET only costs the next read a store trip.
		_ = c.client.Set(ctx, key, payload, c.ttl).Err()
	}

	return check, nil
}

// IncrementUsage delegates to the inner store and invalidates the cached
// snapshot so exhaustion becomes visible on the next check.
func (c *CachedStore) IncrementUsage(ctx context.Context, userID uuid.UUID, deltaSeconds int64) (*Quota, error) {
	quota, err := c.inner.IncrementUsage(ctx, userID, deltaSeconds)
	if err != nil {
		return nil, err
	}

	// Best effort: if the DEL fails, the TTL still bounds how long the stale
	// snapshot survives. The increment itself already succeeded.
	_ = c.client.Del(ctx, quotaCacheKey(userID)).Err()

	return quota, nil
}

// GetOrCreateQuota delegates to the inner store.
func (c *CachedStore) GetOrCreateQuota(ctx context.Context, userID uuid.UUID) (*Quota, error) {
	return c.inner.GetOrCreateQuota(ctx, userID)
}

// CreateRecord delegates to the inner store.
func (c *CachedStore) CreateRecord(ctx context.Context, rec *Record) error {
	return c.inner.CreateRecord(ctx, rec)
}

// GetRecord delegates to the inner store.
func (c *CachedStore) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return c.inner.GetRecord(ctx, id)
}

// FinalizeRecord delegates to the inner store.
func (c *CachedStore) FinalizeRecord(ctx context.Context, id uuid.UUID, fin Finalization) (*Record, error) {
	return c.inner.FinalizeRecord(ctx, id, fin)
}

// ListStaleActiveRecords delegates to the inner store.
func (c *CachedStore) ListStaleActiveRecords(ctx context.Context, olderThan time.Time) ([]Record, error) {
	return c.inner.ListStaleActiveRecords(ctx, olderThan)
}

func quotaCacheKey(userID uuid.UUID) string {
	return "avatar:quota:" + userID.String()
}
