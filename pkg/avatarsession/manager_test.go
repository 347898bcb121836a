package avatarsession_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohith4444/Oprina-AVAFG-sub002/pkg/avatarsession"
	"github.com/rohith4444/Oprina-AVAFG-sub002/pkg/usage"
)

// fakeClock makes session durations deterministic. Timers still run on real
// time, so tests that advance the clock use a long session timeout to keep
// them from firing.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// finalizeFailStore simulates a persistence outage on record finalization.
type finalizeFailStore struct {
	*usage.MemoryStore
}

func (s *finalizeFailStore) FinalizeRecord(ctx context.Context, id uuid.UUID, fin usage.Finalization) (*usage.Record, error) {
	return nil, errors.New("connection reset by peer")
}

func startParams(userID uuid.UUID, providerID string) avatarsession.StartParams {
	return avatarsession.StartParams{
		UserID:            userID,
		ChatSessionID:     uuid.New(),
		ProviderSessionID: providerID,
		AvatarName:        "ava",
	}
}

func TestStartSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		mgr := newTestManager(t, store)
		userID := uuid.New()

		res, err := mgr.StartSession(ctx, startParams(userID, "hb-start"))
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, res.SessionID)
		assert.Equal(t, "hb-start", res.ProviderSessionID)
		assert.Equal(t, avatarsession.DefaultConfig().SessionTimeout, res.SessionTimeout)
		assert.True(t, res.Quota.CanStart)
		assert.EqualValues(t, 1200, res.Quota.RemainingSeconds)

		rec, err := store.GetRecord(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusActive, rec.Status)
		assert.Equal(t, userID, rec.UserID)

		assert.Equal(t, 1, mgr.Registry().Len())
	})

	t.Run("missing params rejected", func(t *testing.T) {
		t.Parallel()

		mgr := newTestManager(t, usage.NewMemoryStore(1200))

		_, err := mgr.StartSession(ctx, startParams(uuid.Nil, "hb-x"))
		assert.ErrorIs(t, err, avatarsession.ErrInvalidParams)

		_, err = mgr.StartSession(ctx, startParams(uuid.New(), ""))
		assert.ErrorIs(t, err, avatarsession.ErrInvalidParams)
	})

	t.Run("exhausted quota rejects with no side effects", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		mgr := newTestManager(t, store)
		userID := uuid.New()

		_, err := store.IncrementUsage(ctx, userID, 1200)
		require.NoError(t, err)

		res, err := mgr.StartSession(ctx, startParams(userID, "hb-exhausted"))
		assert.ErrorIs(t, err, avatarsession.ErrQuotaExhausted)
		require.NotNil(t, res)
		assert.False(t, res.Quota.CanStart)
		assert.Equal(t, 100, res.Quota.UsedPercentage)

		// No usage record was created and nothing is registered.
		all, err := store.ListStaleActiveRecords(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.Equal(t, 0, mgr.Registry().Len())
	})

	t.Run("double start rejected", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		mgr := newTestManager(t, store)
		userID := uuid.New()

		_, err := mgr.StartSession(ctx, startParams(userID, "hb-dup"))
		require.NoError(t, err)

		_, err = mgr.StartSession(ctx, startParams(userID, "hb-dup"))
		assert.ErrorIs(t, err, avatarsession.ErrDuplicateSession)
		assert.Equal(t, 1, mgr.Registry().Len())

		// The user's quota is untouched by the rejected start.
		quota, err := store.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, quota.UsedSeconds)
	})

	t.Run("timeout capped to remaining quota when enabled", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		userID := uuid.New()
		_, err := store.IncrementUsage(ctx, userID, 1150)
		require.NoError(t, err)

		cfg := avatarsession.DefaultConfig()
		cfg.CleanupInterval = 0
		cfg.CapTimeoutToQuota = true
		mgr, err := avatarsession.New(store, avatarsession.WithConfig(cfg))
		require.NoError(t, err)
		t.Cleanup(func() { _ = mgr.Close() })

		res, err := mgr.StartSession(ctx, startParams(userID, "hb-cap"))
		require.NoError(t, err)
		assert.Equal(t, 50*time.Second, res.SessionTimeout)
	})
}

func TestEndSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("completed session charges elapsed time", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		clock := newFakeClock()
		mgr := newTestManager(t, store, avatarsession.WithClock(clock.Now))
		userID := uuid.New()

		start, err := mgr.StartSession(ctx, startParams(userID, "hb-end"))
		require.NoError(t, err)

		clock.Advance(90 * time.Second)

		res, err := mgr.EndSession(ctx, "hb-end", avatarsession.EndParams{WordsSpoken: 240})
		require.NoError(t, err)
		assert.EqualValues(t, 90, res.DurationSeconds)
		assert.InDelta(t, 0.3, res.EstimatedCost, 1e-9)
		assert.False(t, res.ForcedTimeout)
		assert.Equal(t, usage.StatusCompleted, res.Status)
		require.NotNil(t, res.Quota)
		assert.EqualValues(t, 90, res.Quota.UsedSeconds)

		rec, err := store.GetRecord(ctx, start.SessionID)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusCompleted, rec.Status)
		assert.EqualValues(t, 240, rec.WordsSpoken)
		require.NotNil(t, rec.DurationSeconds)
		assert.EqualValues(t, 90, *rec.DurationSeconds)

		assert.Equal(t, 0, mgr.Registry().Len())
	})

	t.Run("client error message yields error status", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		mgr := newTestManager(t, store)
		userID := uuid.New()

		start, err := mgr.StartSession(ctx, startParams(userID, "hb-err"))
		require.NoError(t, err)

		res, err := mgr.EndSession(ctx, "hb-err", avatarsession.EndParams{ErrorMessage: "vendor stream dropped"})
		require.NoError(t, err)
		assert.Equal(t, usage.StatusError, res.Status)

		rec, err := store.GetRecord(ctx, start.SessionID)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusError, rec.Status)
		assert.Equal(t, "vendor stream dropped", rec.ErrorMessage)
	})

	t.Run("ending twice charges once", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		clock := newFakeClock()
		mgr := newTestManager(t, store, avatarsession.WithClock(clock.Now))
		userID := uuid.New()

		_, err := mgr.StartSession(ctx, startParams(userID, "hb-twice"))
		require.NoError(t, err)
		clock.Advance(30 * time.Second)

		_, err = mgr.EndSession(ctx, "hb-twice", avatarsession.EndParams{})
		require.NoError(t, err)

		_, err = mgr.EndSession(ctx, "hb-twice", avatarsession.EndParams{})
		assert.ErrorIs(t, err, avatarsession.ErrSessionNotFound)

		quota, err := store.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 30, quota.UsedSeconds)
		assert.EqualValues(t, 1, quota.SessionCount)
	})

	t.Run("unknown session is a safe no-op", func(t *testing.T) {
		t.Parallel()

		mgr := newTestManager(t, usage.NewMemoryStore(1200))
		_, err := mgr.EndSession(ctx, "hb-never-started", avatarsession.EndParams{})
		assert.ErrorIs(t, err, avatarsession.ErrSessionNotFound)
	})

	t.Run("concurrent ends settle exactly once", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		clock := newFakeClock()
		mgr := newTestManager(t, store, avatarsession.WithClock(clock.Now))
		userID := uuid.New()

		_, err := mgr.StartSession(ctx, startParams(userID, "hb-race"))
		require.NoError(t, err)
		clock.Advance(10 * time.Second)

		const callers = 10
		results := make(chan error, callers)
		var wg sync.WaitGroup
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := mgr.EndSession(ctx, "hb-race", avatarsession.EndParams{})
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var succeeded, notFound int
		for err := range results {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, avatarsession.ErrSessionNotFound):
				notFound++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, callers-1, notFound)

		quota, err := store.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 10, quota.UsedSeconds)
		assert.EqualValues(t, 1, quota.SessionCount)
	})

	t.Run("conservation across a user's sessions", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(100_000)
		clock := newFakeClock()
		mgr := newTestManager(t, store, avatarsession.WithClock(clock.Now))
		userID := uuid.New()

		ids := []string{"hb-c1", "hb-c2", "hb-c3", "hb-c4"}
		for _, id := range ids {
			_, err := mgr.StartSession(ctx, startParams(userID, id))
			require.NoError(t, err)
		}

		var total int64
		for i, id := range ids {
			clock.Advance(time.Duration(i+1) * 15 * time.Second)
			res, err := mgr.EndSession(ctx, id, avatarsession.EndParams{})
			require.NoError(t, err)
			total += res.DurationSeconds
		}

		quota, err := store.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, total, quota.UsedSeconds)
		assert.EqualValues(t, len(ids), quota.SessionCount)
	})

	t.Run("persistence failure still clears registry and charges quota", func(t *testing.T) {
		t.Parallel()

		inner := usage.NewMemoryStore(1200)
		store := &finalizeFailStore{MemoryStore: inner}
		clock := newFakeClock()
		mgr := newTestManager(t, store, avatarsession.WithClock(clock.Now))
		userID := uuid.New()

		_, err := mgr.StartSession(ctx, startParams(userID, "hb-flaky"))
		require.NoError(t, err)
		clock.Advance(20 * time.Second)

		res, err := mgr.EndSession(ctx, "hb-flaky", avatarsession.EndParams{})
		assert.ErrorIs(t, err, avatarsession.ErrPersistence)
		require.NotNil(t, res)
		assert.EqualValues(t, 20, res.DurationSeconds)

		// No leaked registry entry or timer despite the failed finalize.
		assert.Equal(t, 0, mgr.Registry().Len())

		// The billing increment still went through.
		quota, err := inner.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 20, quota.UsedSeconds)
	})
}

func TestForcedTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("timer fires and terminates the session", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		cfg := avatarsession.DefaultConfig()
		cfg.CleanupInterval = 0
		cfg.SessionTimeout = 50 * time.Millisecond
		cfg.WarningThreshold = 10 * time.Millisecond
		mgr, err := avatarsession.New(store, avatarsession.WithConfig(cfg))
		require.NoError(t, err)
		t.Cleanup(func() { _ = mgr.Close() })

		userID := uuid.New()
		start, err := mgr.StartSession(ctx, startParams(userID, "hb-timer"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			rec, err := store.GetRecord(ctx, start.SessionID)
			return err == nil && rec.Status == usage.StatusTimeout
		}, 2*time.Second, 10*time.Millisecond)

		assert.Equal(t, 0, mgr.Registry().Len())

		quota, err := store.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, quota.SessionCount)

		// The client arriving late observes the idempotent not-found.
		_, err = mgr.EndSession(ctx, "hb-timer", avatarsession.EndParams{})
		assert.ErrorIs(t, err, avatarsession.ErrSessionNotFound)
	})

	t.Run("timer and client racing terminate exactly once", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(1200)
		cfg := avatarsession.DefaultConfig()
		cfg.CleanupInterval = 0
		cfg.SessionTimeout = 30 * time.Millisecond
		mgr, err := avatarsession.New(store, avatarsession.WithConfig(cfg))
		require.NoError(t, err)
		t.Cleanup(func() { _ = mgr.Close() })

		userID := uuid.New()
		start, err := mgr.StartSession(ctx, startParams(userID, "hb-boundary"))
		require.NoError(t, err)

		// Aim the client end at the timeout boundary.
		time.Sleep(30 * time.Millisecond)
		_, clientErr := mgr.EndSession(ctx, "hb-boundary", avatarsession.EndParams{})
		if clientErr != nil {
			assert.ErrorIs(t, clientErr, avatarsession.ErrSessionNotFound)
		}

		require.Eventually(t, func() bool {
			rec, err := store.GetRecord(ctx, start.SessionID)
			return err == nil && rec.Finalized()
		}, 2*time.Second, 10*time.Millisecond)

		quota, err := store.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, quota.SessionCount, "exactly one termination must charge the quota")
	})
}

func TestQuotaOverrunScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// User with 50 seconds of allowance left can still start and, with
	// capping disabled, runs past the lifetime cap; the full elapsed time is
	// charged.
	store := usage.NewMemoryStore(1200)
	clock := newFakeClock()
	mgr := newTestManager(t, store, avatarsession.WithClock(clock.Now))
	userID := uuid.New()

	_, err := store.IncrementUsage(ctx, userID, 1150)
	require.NoError(t, err)

	res, err := mgr.StartSession(ctx, startParams(userID, "hb-overrun"))
	require.NoError(t, err)
	assert.EqualValues(t, 50, res.Quota.RemainingSeconds)
	assert.Equal(t, avatarsession.DefaultConfig().SessionTimeout, res.SessionTimeout)

	clock.Advance(10 * time.Minute)

	end, err := mgr.EndSession(ctx, "hb-overrun", avatarsession.EndParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 600, end.DurationSeconds)
	require.NotNil(t, end.Quota)
	assert.EqualValues(t, 1750, end.Quota.UsedSeconds)
	assert.True(t, end.Quota.Exhausted)

	// All subsequent starts are rejected.
	_, err = mgr.StartSession(ctx, startParams(userID, "hb-after"))
	assert.ErrorIs(t, err, avatarsession.ErrQuotaExhausted)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("snapshot math", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		mgr := newTestManager(t, usage.NewMemoryStore(1200), avatarsession.WithClock(clock.Now))
		userID := uuid.New()

		_, err := mgr.StartSession(ctx, startParams(userID, "hb-status"))
		require.NoError(t, err)

		status, err := mgr.GetStatus("hb-status")
		require.NoError(t, err)
		assert.True(t, status.Active)
		assert.EqualValues(t, 0, status.ElapsedSeconds)
		assert.EqualValues(t, 600, status.RemainingSeconds)
		assert.False(t, status.TimeoutApproaching)

		// Cross the warning threshold (5m remaining on a 10m ceiling).
		clock.Advance(350 * time.Second)

		status, err = mgr.GetStatus("hb-status")
		require.NoError(t, err)
		assert.EqualValues(t, 350, status.ElapsedSeconds)
		assert.EqualValues(t, 250, status.RemainingSeconds)
		assert.True(t, status.TimeoutApproaching)
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()

		mgr := newTestManager(t, usage.NewMemoryStore(1200))
		_, err := mgr.GetStatus("hb-none")
		assert.ErrorIs(t, err, avatarsession.ErrSessionNotFound)
	})

	t.Run("list active sessions per user", func(t *testing.T) {
		t.Parallel()

		mgr := newTestManager(t, usage.NewMemoryStore(10_000))
		alice := uuid.New()

		_, err := mgr.StartSession(ctx, startParams(alice, "hb-l1"))
		require.NoError(t, err)
		_, err = mgr.StartSession(ctx, startParams(alice, "hb-l2"))
		require.NoError(t, err)
		_, err = mgr.StartSession(ctx, startParams(uuid.New(), "hb-l3"))
		require.NoError(t, err)

		statuses := mgr.ListActiveSessions(alice)
		assert.Len(t, statuses, 2)
		for _, s := range statuses {
			assert.Equal(t, alice, s.UserID)
			assert.True(t, s.Active)
		}
	})
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("force-closes in-memory sessions past timeout plus grace", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(10_000)
		clock := newFakeClock()
		mgr := newTestManager(t, store, avatarsession.WithClock(clock.Now))
		userID := uuid.New()

		start, err := mgr.StartSession(ctx, startParams(userID, "hb-lost-timer"))
		require.NoError(t, err)

		clock.Advance(11 * time.Minute)

		report, err := mgr.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.ExpiredSessions)
		assert.Equal(t, 0, report.StaleRecords)
		assert.Equal(t, 1, report.Reconciled())

		rec, err := store.GetRecord(ctx, start.SessionID)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusTimeout, rec.Status)
		require.NotNil(t, rec.DurationSeconds)
		assert.EqualValues(t, 660, *rec.DurationSeconds)

		assert.Equal(t, 0, mgr.Registry().Len())
	})

	t.Run("recovers records orphaned by a crash", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(10_000)
		userID := uuid.New()

		// An active record from a previous process: no registry entry.
		orphan := &usage.Record{
			ID:                uuid.New(),
			UserID:            userID,
			ChatSessionID:     uuid.New(),
			ProviderSessionID: "hb-orphan",
			AvatarName:        "ava",
			StartedAt:         time.Now().UTC().Add(-30 * time.Minute),
			Status:            usage.StatusActive,
		}
		require.NoError(t, store.CreateRecord(ctx, orphan))

		mgr := newTestManager(t, store)

		report, err := mgr.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.StaleRecords)

		rec, err := store.GetRecord(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusTimeout, rec.Status)
		// Charged the session ceiling, not the 30 minutes of wall clock.
		require.NotNil(t, rec.DurationSeconds)
		assert.EqualValues(t, 600, *rec.DurationSeconds)

		quota, err := store.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 600, quota.UsedSeconds)

		// A second pass finds nothing and charges nothing.
		report, err = mgr.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Reconciled())

		quota, err = store.GetOrCreateQuota(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 600, quota.UsedSeconds)
	})

	t.Run("fresh sessions are left alone", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(10_000)
		mgr := newTestManager(t, store)

		_, err := mgr.StartSession(ctx, startParams(uuid.New(), "hb-fresh"))
		require.NoError(t, err)

		report, err := mgr.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Reconciled())
		assert.Equal(t, 1, mgr.Registry().Len())
	})

	t.Run("background loop reconciles without explicit calls", func(t *testing.T) {
		t.Parallel()

		store := usage.NewMemoryStore(10_000)
		userID := uuid.New()
		orphan := &usage.Record{
			ID:                uuid.New(),
			UserID:            userID,
			ChatSessionID:     uuid.New(),
			ProviderSessionID: "hb-bg",
			StartedAt:         time.Now().UTC().Add(-time.Hour),
			Status:            usage.StatusActive,
		}
		require.NoError(t, store.CreateRecord(ctx, orphan))

		cfg := avatarsession.DefaultConfig()
		cfg.CleanupInterval = 20 * time.Millisecond
		mgr, err := avatarsession.New(store, avatarsession.WithConfig(cfg))
		require.NoError(t, err)
		t.Cleanup(func() { _ = mgr.Close() })

		require.Eventually(t, func() bool {
			rec, err := store.GetRecord(ctx, orphan.ID)
			return err == nil && rec.Status == usage.StatusTimeout
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := usage.NewMemoryStore(10_000)
	mgr, err := avatarsession.New(store, avatarsession.WithConfig(func() avatarsession.Config {
		cfg := avatarsession.DefaultConfig()
		cfg.CleanupInterval = 0
		return cfg
	}()))
	require.NoError(t, err)

	start, err := mgr.StartSession(ctx, startParams(uuid.New(), "hb-close"))
	require.NoError(t, err)

	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close(), "close is idempotent")

	assert.Equal(t, 0, mgr.Registry().Len())

	// The durable record stays active for the next start's reconciliation.
	rec, err := store.GetRecord(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, usage.StatusActive, rec.Status)

	_, err = mgr.StartSession(ctx, startParams(uuid.New(), "hb-after-close"))
	assert.ErrorIs(t, err, avatarsession.ErrClosed)
}
