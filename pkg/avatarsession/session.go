package avatarsession

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ActiveSession is the runtime-only handle for one running streaming session.
// It is not durable: the persisted usage record is the source of truth, and
// the registry holding these is rebuilt through reconciliation after a
// restart.
type ActiveSession struct {
	ProviderSessionID string
	UserID            uuid.UUID
	ChatSessionID     uuid.UUID
	RecordID          uuid.UUID
	AvatarName        string
	StartedAt         time.Time

	// timeout is the effective ceiling this session was armed with; it can
	// be shorter than the configured one when quota capping is enabled.
	timeout time.Duration

	// timer is set before the session is published to the registry and only
	// touched again under the registry lock.
	timer *time.Timer

	active atomic.Bool
}

func newActiveSession(providerSessionID string, userID, chatSessionID, recordID uuid.UUID, avatarName string, startedAt time.Time, timeout time.Duration) *ActiveSession {
	s := &ActiveSession{
		ProviderSessionID: providerSessionID,
		UserID:            userID,
		ChatSessionID:     chatSessionID,
		RecordID:          recordID,
		AvatarName:        avatarName,
		StartedAt:         startedAt,
		timeout:           timeout,
	}
	s.active.Store(true)
	return s
}

// IsActive reports whether the session is still running.
func (s *ActiveSession) IsActive() bool {
	return s.active.Load()
}

// claimEnd atomically takes ownership of termination. Exactly one caller
// observes true; the timer firing and a client-driven end racing at the
// timeout boundary cannot both proceed.
func (s *ActiveSession) claimEnd() bool {
	return s.active.CompareAndSwap(true, false)
}

// Elapsed returns wall-clock time since the session started, floored at 0.
func (s *ActiveSession) Elapsed(now time.Time) time.Duration {
	return max(now.Sub(s.StartedAt), 0)
}

// Remaining returns time left before the session's ceiling, floored at 0.
func (s *ActiveSession) Remaining(now time.Time) time.Duration {
	return max(s.timeout-s.Elapsed(now), 0)
}

func (s *ActiveSession) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
