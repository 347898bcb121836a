package avatarsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rohith4444/Oprina-AVAFG-sub002/pkg/usage"
)

// timeoutHandlerBudget bounds the store I/O done on behalf of a fired timer,
// which runs without a caller-supplied context.
const timeoutHandlerBudget = 30 * time.Second

// Manager orchestrates the avatar streaming session lifecycle: quota-gated
// starts, exactly-once termination (client- or timer-driven), status
// snapshots, and reconciliation of sessions orphaned by crashes.
//
// Callers should run Cleanup once at startup, before serving new sessions,
// so records left active by a previous process get folded into quotas first.
type Manager struct {
	store    usage.Store
	registry *Registry
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	loopWG    sync.WaitGroup
}

// StartParams identifies the session being started.
type StartParams struct {
	UserID            uuid.UUID
	ChatSessionID     uuid.UUID
	ProviderSessionID string
	AvatarName        string
}

// StartResult reports a successful start. On ErrQuotaExhausted a result is
// still returned carrying the quota snapshot, so the caller can tell the
// user how much allowance is left (none) and degrade gracefully.
type StartResult struct {
	SessionID         uuid.UUID
	ProviderSessionID string
	StartedAt         time.Time
	SessionTimeout    time.Duration
	Quota             usage.LimitCheck
}

// EndParams carries the client-reported session outcome.
type EndParams struct {
	WordsSpoken  int64
	ErrorMessage string
}

// EndResult reports a terminated session. When termination succeeded but
// persistence failed, the result is returned alongside a wrapped
// ErrPersistence so the caller still learns the duration that was charged.
type EndResult struct {
	DurationSeconds int64
	EstimatedCost   float64
	ForcedTimeout   bool
	Status          usage.RecordStatus
	Quota           *usage.Quota
}

// Status is a point-in-time snapshot of a running session.
type Status struct {
	ProviderSessionID  string
	UserID             uuid.UUID
	Active             bool
	StartedAt          time.Time
	ElapsedSeconds     int64
	RemainingSeconds   int64
	TimeoutApproaching bool
}

// CleanupReport summarizes one reconciliation pass.
type CleanupReport struct {
	// ExpiredSessions were still in the registry past timeout+grace and got
	// force-ended through the normal termination path.
	ExpiredSessions int
	// StaleRecords were active in storage with no registry entry (crash
	// leftovers) and got closed as timeouts.
	StaleRecords int
}

// Reconciled returns the total number of sessions the pass closed.
func (r CleanupReport) Reconciled() int {
	return r.ExpiredSessions + r.StaleRecords
}

// New creates a Manager owning its registry. Panics on a nil store; returns
// an error for an unusable config. The background cleanup loop starts
// immediately unless CleanupInterval is 0.
func New(store usage.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		panic("avatarsession: usage store is required")
	}

	m := &Manager{
		store:    store,
		registry: NewRegistry(),
		cfg:      DefaultConfig(),
		log:      slog.Default(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}

	if m.cfg.CleanupInterval > 0 {
		m.loopWG.Add(1)
		go m.cleanupLoop()
	}

	return m, nil
}

// Registry exposes the manager's session index for status endpoints.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// StartSession checks the lifetime quota, persists an active usage record,
// and registers the session with its timeout timer armed. A rejected start
// leaves no side effects behind.
func (m *Manager) StartSession(ctx context.Context, p StartParams) (*StartResult, error) {
	if p.UserID == uuid.Nil || p.ProviderSessionID == "" {
		return nil, ErrInvalidParams
	}
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}

	check, err := m.store.CheckLimits(ctx, p.UserID)
	if err != nil {
		return nil, errors.Join(ErrPersistence, err)
	}
	if !check.CanStart {
		m.log.InfoContext(ctx, "session start rejected, quota exhausted",
			"user_id", p.UserID, "used_percentage", check.UsedPercentage)
		return &StartResult{Quota: check}, ErrQuotaExhausted
	}

	timeout := m.cfg.SessionTimeout
	if m.cfg.CapTimeoutToQuota {
		if remaining := time.Duration(check.RemainingSeconds) * time.Second; remaining < timeout {
			timeout = remaining
		}
	}

	startedAt := m.now().UTC()
	rec := &usage.Record{
		ID:                uuid.New(),
		UserID:            p.UserID,
		ChatSessionID:     p.ChatSessionID,
		ProviderSessionID: p.ProviderSessionID,
		AvatarName:        p.AvatarName,
		StartedAt:         startedAt,
		Status:            usage.StatusActive,
	}
	if err := m.store.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, usage.ErrDuplicateActiveRecord) {
			return nil, ErrDuplicateSession
		}
		return nil, errors.Join(ErrPersistence, err)
	}

	sess := newActiveSession(p.ProviderSessionID, p.UserID, p.ChatSessionID, rec.ID, p.AvatarName, startedAt, timeout)
	// Armed before publication: the handler no-ops until the session is
	// registered and claimable.
	sess.timer = time.AfterFunc(timeout, func() { m.handleTimeout(p.ProviderSessionID) })

	if err := m.registry.Register(sess); err != nil {
		sess.stopTimer()
		// Roll back the record so no orphaned active row survives the
		// rejected double-start.
		if _, ferr := m.store.FinalizeRecord(ctx, rec.ID, usage.Finalization{
			EndedAt:      startedAt,
			Status:       usage.StatusError,
			ErrorMessage: "duplicate session start",
		}); ferr != nil {
			m.log.ErrorContext(ctx, "failed to roll back record after duplicate start",
				"record_id", rec.ID, "error", ferr)
		}
		return nil, ErrDuplicateSession
	}

	m.log.InfoContext(ctx, "avatar session started",
		"user_id", p.UserID,
		"provider_session_id", p.ProviderSessionID,
		"avatar", p.AvatarName,
		"timeout", timeout,
		"remaining_seconds", check.RemainingSeconds)

	return &StartResult{
		SessionID:         rec.ID,
		ProviderSessionID: p.ProviderSessionID,
		StartedAt:         startedAt,
		SessionTimeout:    timeout,
		Quota:             check,
	}, nil
}

// EndSession terminates a running session on behalf of the client. Calling
// it twice is safe: the second call observes ErrSessionNotFound and charges
// nothing.
func (m *Manager) EndSession(ctx context.Context, providerSessionID string, p EndParams) (*EndResult, error) {
	return m.endSession(ctx, providerSessionID, p, false)
}

// GetStatus returns a snapshot of a running session.
func (m *Manager) GetStatus(providerSessionID string) (*Status, error) {
	sess, err := m.registry.Get(providerSessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return m.statusOf(sess), nil
}

// ListActiveSessions returns snapshots for all of a user's running sessions.
func (m *Manager) ListActiveSessions(userID uuid.UUID) []Status {
	sessions := m.registry.ListByUser(userID)
	out := make([]Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, *m.statusOf(sess))
	}
	return out
}

// Cleanup runs one reconciliation pass. It force-closes registry entries
// whose timer should long have fired, then closes persisted active records
// with no in-memory counterpart (crash leftovers), charging each session's
// quota exactly once. Partial failures are reported but do not stop the
// pass.
func (m *Manager) Cleanup(ctx context.Context) (*CleanupReport, error) {
	report := &CleanupReport{}
	var errs []error

	cutoff := m.now().Add(-(m.cfg.SessionTimeout + m.cfg.GracePeriod))

	for _, sess := range m.registry.ListStartedBefore(cutoff) {
		_, err := m.endSession(ctx, sess.ProviderSessionID, EndParams{}, true)
		switch {
		case err == nil:
			report.ExpiredSessions++
		case errors.Is(err, ErrSessionNotFound):
			// Lost the race to the timer or the client. Nothing to do.
		default:
			report.ExpiredSessions++
			errs = append(errs, err)
		}
	}

	stale, err := m.store.ListStaleActiveRecords(ctx, cutoff)
	if err != nil {
		errs = append(errs, err)
		return report, errors.Join(append([]error{ErrPersistence}, errs...)...)
	}

	for _, rec := range stale {
		if _, err := m.registry.Get(rec.ProviderSessionID); err == nil {
			// Still tracked in memory; the registry sweep above owns it.
			continue
		}

		// The process that owned this session is gone, so the true end time
		// is unknown. Charge up to the session ceiling: it cannot have
		// legitimately outlived its timer.
		durSeconds := int64(m.cfg.SessionTimeout / time.Second)
		endedAt := rec.StartedAt.Add(m.cfg.SessionTimeout)
		if _, err := m.store.FinalizeRecord(ctx, rec.ID, usage.Finalization{
			EndedAt:         endedAt,
			DurationSeconds: durSeconds,
			WordsSpoken:     rec.WordsSpoken,
			EstimatedCost:   usage.EstimateCost(m.cfg.SessionTimeout, m.cfg.RatePerMinute),
			Status:          usage.StatusTimeout,
		}); err != nil {
			if errors.Is(err, usage.ErrRecordFinalized) || errors.Is(err, usage.ErrRecordNotFound) {
				// A concurrent cleaner already closed and charged it.
				continue
			}
			errs = append(errs, err)
			continue
		}

		// The conditional finalize above succeeded, so this cleaner owns the
		// one-and-only quota charge for the record.
		if _, err := m.store.IncrementUsage(ctx, rec.UserID, durSeconds); err != nil {
			errs = append(errs, err)
		}
		report.StaleRecords++

		m.log.Info("reconciled orphaned session record",
			"record_id", rec.ID,
			"user_id", rec.UserID,
			"provider_session_id", rec.ProviderSessionID,
			"charged_seconds", durSeconds)
	}

	if len(errs) > 0 {
		return report, errors.Join(append([]error{ErrPersistence}, errs...)...)
	}
	return report, nil
}

// Close stops the cleanup loop and disarms every pending timer. Running
// sessions keep their active records in storage and are reconciled by
// Cleanup on the next start.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.loopWG.Wait()
		if dropped := m.registry.Clear(); len(dropped) > 0 {
			m.log.Info("shutdown with sessions still active, durable records left for reconciliation",
				"count", len(dropped))
		}
	})
	return nil
}

// endSession is the single termination path shared by client requests, the
// timeout timer, and the cleanup sweep. The claimEnd CAS guarantees at most
// one of them proceeds past the guard for a given session.
func (m *Manager) endSession(ctx context.Context, providerSessionID string, p EndParams, forced bool) (*EndResult, error) {
	sess, err := m.registry.Get(providerSessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if !sess.claimEnd() {
		return nil, ErrSessionNotFound
	}

	// Termination is owned by this caller now. Drop the registry entry and
	// its timer before any store I/O: persistence failures must never leak a
	// timer or a stuck registration.
	if _, err := m.registry.Deregister(providerSessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.log.WarnContext(ctx, "deregister failed during session end",
			"provider_session_id", providerSessionID, "error", err)
	}

	now := m.now().UTC()
	duration := sess.Elapsed(now)
	durSeconds := int64(duration / time.Second)

	status := usage.StatusCompleted
	switch {
	case forced:
		status = usage.StatusTimeout
	case p.ErrorMessage != "":
		status = usage.StatusError
	}

	res := &EndResult{
		DurationSeconds: durSeconds,
		EstimatedCost:   usage.EstimateCost(duration, m.cfg.RatePerMinute),
		ForcedTimeout:   forced,
		Status:          status,
	}

	_, finErr := m.store.FinalizeRecord(ctx, sess.RecordID, usage.Finalization{
		EndedAt:         now,
		DurationSeconds: durSeconds,
		WordsSpoken:     p.WordsSpoken,
		EstimatedCost:   res.EstimatedCost,
		Status:          status,
		ErrorMessage:    p.ErrorMessage,
	})
	if finErr != nil {
		m.log.ErrorContext(ctx, "failed to finalize usage record",
			"record_id", sess.RecordID, "error", finErr)
	}

	// Charged even when the finalize failed: losing the billing increment is
	// worse than a record row that needs manual repair.
	quota, incErr := m.store.IncrementUsage(ctx, sess.UserID, durSeconds)
	if incErr != nil {
		m.log.ErrorContext(ctx, "failed to increment quota usage",
			"user_id", sess.UserID, "delta_seconds", durSeconds, "error", incErr)
	}
	res.Quota = quota

	if finErr != nil || incErr != nil {
		return res, errors.Join(ErrPersistence, finErr, incErr)
	}

	m.log.InfoContext(ctx, "avatar session ended",
		"user_id", sess.UserID,
		"provider_session_id", providerSessionID,
		"status", status,
		"duration_seconds", durSeconds,
		"forced_timeout", forced,
		"estimated_cost", res.EstimatedCost)

	return res, nil
}

// handleTimeout runs when a session's timer fires.
func (m *Manager) handleTimeout(providerSessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutHandlerBudget)
	defer cancel()

	_, err := m.endSession(ctx, providerSessionID, EndParams{}, true)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionNotFound):
		// Client end won the race at the boundary.
	default:
		m.log.ErrorContext(ctx, "forced timeout failed to persist",
			"provider_session_id", providerSessionID, "error", err)
	}
}

func (m *Manager) statusOf(sess *ActiveSession) *Status {
	now := m.now()
	elapsed := sess.Elapsed(now)
	remaining := sess.Remaining(now)
	return &Status{
		ProviderSessionID:  sess.ProviderSessionID,
		UserID:             sess.UserID,
		Active:             sess.IsActive(),
		StartedAt:          sess.StartedAt,
		ElapsedSeconds:     int64(elapsed / time.Second),
		RemainingSeconds:   int64(remaining / time.Second),
		TimeoutApproaching: remaining <= m.cfg.WarningThreshold,
	}
}

func (m *Manager) cleanupLoop() {
	defer m.loopWG.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if report, err := m.Cleanup(context.Background()); err != nil {
				m.log.Error("background cleanup pass failed",
					"reconciled", report.Reconciled(), "error", err)
			} else if report.Reconciled() > 0 {
				m.log.Info("background cleanup pass reconciled sessions",
					"expired", report.ExpiredSessions, "stale_records", report.StaleRecords)
			}
		case <-m.done:
			return
		}
	}
}
