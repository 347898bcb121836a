package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-process maps. It keeps the same
// semantics as the durable implementation, including the exactly-once
// exhausted transition, and is primarily meant for tests and local setups.
type MemoryStore struct {
	mu           sync.RWMutex
	defaultLimit int64
	quotas       map[uuid.UUID]*Quota
	records      map[uuid.UUID]*Record
	// activeByProvider enforces the one-active-record-per-provider-session
	// invariant without scanning all records.
	activeByProvider map[string]uuid.UUID
}

// NewMemoryStore creates an in-memory store. New quota rows are created with
// defaultLimitSeconds as their lifetime allowance.
func NewMemoryStore(defaultLimitSeconds int64) *MemoryStore {
	return &MemoryStore{
		defaultLimit:     defaultLimitSeconds,
		quotas:           make(map[uuid.UUID]*Quota),
		records:          make(map[uuid.UUID]*Record),
		activeByProvider: make(map[string]uuid.UUID),
	}
}

// GetOrCreateQuota returns the user's quota, creating it on first access.
func (m *MemoryStore) GetOrCreateQuota(ctx context.Context, userID uuid.UUID) (*Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quota := m.quotaLocked(userID)
	quotaCopy := *quota
	return &quotaCopy, nil
}

// CheckLimits derives the start permission from the quota row. A user without
// a row has the full default allowance; no row is created on read.
func (m *MemoryStore) CheckLimits(ctx context.Context, userID uuid.UUID) (LimitCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if quota, exists := m.quotas[userID]; exists {
		return quota.LimitCheck(), nil
	}

	return Quota{UserID: userID, LimitSeconds: m.defaultLimit}.LimitCheck(), nil
}

// IncrementUsage adds deltaSeconds under the store lock, flipping the
// exhausted flag the first time the total crosses the limit.
func (m *MemoryStore) IncrementUsage(ctx context.Context, userID uuid.UUID, deltaSeconds int64) (*Quota, error) {
	if deltaSeconds < 0 {
		return nil, ErrNegativeDelta
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	quota := m.quotaLocked(userID)
	quota.UsedSeconds += deltaSeconds
	quota.SessionCount++
	quota.UpdatedAt = now
	if !quota.Exhausted && quota.UsedSeconds >= quota.LimitSeconds {
		quota.Exhausted = true
		exhaustedAt := now
		quota.ExhaustedAt = &exhaustedAt
	}

	quotaCopy := *quota
	return &quotaCopy, nil
}

// CreateRecord inserts a usage record, rejecting a second active record for
// the same provider session id.
func (m *MemoryStore) CreateRecord(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == uuid.Nil || rec.UserID == uuid.Nil || rec.ProviderSessionID == "" {
		return ErrInvalidRecord
	}
	if !rec.Status.Valid() {
		return ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return ErrInvalidRecord
	}
	if rec.Status == StatusActive {
		if _, exists := m.activeByProvider[rec.ProviderSessionID]; exists {
			return ErrDuplicateActiveRecord
		}
		m.activeByProvider[rec.ProviderSessionID] = rec.ID
	}

	recCopy := *rec
	m.records[rec.ID] = &recCopy
	return nil
}

// GetRecord returns a copy of the record by id.
func (m *MemoryStore) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[id]
	if !exists {
		return nil, ErrRecordNotFound
	}

	recCopy := *rec
	return &recCopy, nil
}

// FinalizeRecord applies terminal values to an active record exactly once.
func (m *MemoryStore) FinalizeRecord(ctx context.Context, id uuid.UUID, fin Finalization) (*Record, error) {
	if fin.Status == StatusActive || !fin.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if !exists {
		return nil, ErrRecordNotFound
	}
	if rec.Finalized() {
		return nil, ErrRecordFinalized
	}

	endedAt := fin.EndedAt.UTC()
	duration := max(fin.DurationSeconds, 0)
	rec.EndedAt = &endedAt
	rec.DurationSeconds = &duration
	rec.WordsSpoken = fin.WordsSpoken
	rec.EstimatedCost = fin.EstimatedCost
	rec.Status = fin.Status
	rec.ErrorMessage = fin.ErrorMessage
	delete(m.activeByProvider, rec.ProviderSessionID)

	recCopy := *rec
	return &recCopy, nil
}

// ListStaleActiveRecords returns active records whose session started before
// the cutoff.
func (m *MemoryStore) ListStaleActiveRecords(ctx context.Context, olderThan time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []Record
	for _, rec := range m.records {
		if rec.Status == StatusActive && rec.StartedAt.Before(olderThan) {
			stale = append(stale, *rec)
		}
	}

	return stale, nil
}

// quotaLocked returns the quota row, creating it if absent. Callers must hold
// the write lock.
func (m *MemoryStore) quotaLocked(userID uuid.UUID) *Quota {
	quota, exists := m.quotas[userID]
	if !exists {
		now := time.Now().UTC()
		quota = &Quota{
			UserID:       userID,
			LimitSeconds: m.defaultLimit,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		m.quotas[userID] = quota
	}
	return quota
}
