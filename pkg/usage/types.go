package usage

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// RecordStatus describes the lifecycle state of a usage record.
type RecordStatus string

const (
	// StatusActive marks a streaming session that is still running.
	StatusActive RecordStatus = "active"
	// StatusCompleted marks a session ended by an explicit client request.
	StatusCompleted RecordStatus = "completed"
	// StatusError marks a session that ended with a client-reported error.
	StatusError RecordStatus = "error"
	// StatusTimeout marks a session terminated by the internal timer or by
	// post-crash reconciliation.
	StatusTimeout RecordStatus = "timeout"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusError, StatusTimeout:
		return true
	}
	return false
}

// Quota is the per-user lifetime streaming allowance. UsedSeconds only ever
// grows, and only through Store.IncrementUsage; the Exhausted flag flips to
// true exactly once, the first time UsedSeconds crosses LimitSeconds.
type Quota struct {
	UserID       uuid.UUID  `json:"user_id"`
	LimitSeconds int64      `json:"limit_seconds"`
	UsedSeconds  int64      `json:"used_seconds"`
	SessionCount int64      `json:"session_count"`
	Exhausted    bool       `json:"exhausted"`
	ExhaustedAt  *time.Time `json:"exhausted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RemainingSeconds returns the unused part of the allowance, never negative.
func (q Quota) RemainingSeconds() int64 {
	return max(q.LimitSeconds-q.UsedSeconds, 0)
}

// UsedPercentage returns consumed allowance as a 0-100 percentage.
func (q Quota) UsedPercentage() int {
	if q.LimitSeconds <= 0 {
		return 100
	}
	return min(int((q.UsedSeconds*100)/q.LimitSeconds), 100)
}

// LimitCheck derives the start-permission snapshot returned to callers.
func (q Quota) LimitCheck() LimitCheck {
	remaining := q.RemainingSeconds()
	return LimitCheck{
		CanStart:         !q.Exhausted && remaining > 0,
		RemainingSeconds: remaining,
		UsedPercentage:   q.UsedPercentage(),
	}
}

// LimitCheck is a read-only answer to "may this user start a session now".
type LimitCheck struct {
	CanStart         bool  `json:"can_start"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	UsedPercentage   int   `json:"used_percentage"`
}

// Record is the durable per-session usage row. A record stays mutable only
// while Status is StatusActive; finalization is a one-way transition.
type Record struct {
	ID                uuid.UUID    `json:"id"`
	UserID            uuid.UUID    `json:"user_id"`
	ChatSessionID     uuid.UUID    `json:"chat_session_id"`
	ProviderSessionID string       `json:"provider_session_id"`
	AvatarName        string       `json:"avatar_name"`
	StartedAt         time.Time    `json:"started_at"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
	DurationSeconds   *int64       `json:"duration_seconds,omitempty"`
	WordsSpoken       int64        `json:"words_spoken"`
	EstimatedCost     float64      `json:"estimated_cost"`
	Status            RecordStatus `json:"status"`
	ErrorMessage      string       `json:"error_message,omitempty"`
}

// Finalized reports whether the record reached a terminal status.
func (r Record) Finalized() bool {
	return r.Status != StatusActive
}

// Finalization carries the terminal values written onto an active record.
type Finalization struct {
	EndedAt         time.Time
	DurationSeconds int64
	WordsSpoken     int64
	EstimatedCost   float64
	Status          RecordStatus
	ErrorMessage    string
}

// EstimateCost converts streamed wall-clock time into a billing estimate,
// rounded to cents: duration_minutes * ratePerMinute.
func EstimateCost(duration time.Duration, ratePerMinute float64) float64 {
	if duration < 0 {
		duration = 0
	}
	minutes := duration.Seconds() / 60
	return math.Round(minutes*ratePerMinute*100) / 100
}
