package avatarsession

import (
	"errors"
	"time"

	"github.com/rohith4444/Oprina-AVAFG-sub002/pkg/usage"
)

// Config holds the session lifecycle knobs.
type Config struct {
	// SessionTimeout is the fixed wall-clock ceiling for a single session.
	// Independent of the user's remaining lifetime quota unless
	// CapTimeoutToQuota is set.
	SessionTimeout time.Duration `env:"AVATAR_SESSION_TIMEOUT" envDefault:"10m"`

	// WarningThreshold flips the timeout_approaching flag in status
	// snapshots once remaining session time drops below it.
	WarningThreshold time.Duration `env:"AVATAR_SESSION_WARNING_THRESHOLD" envDefault:"5m"`

	// GracePeriod is how long past SessionTimeout a session may linger
	// before the cleanup pass force-closes it. Covers timers that never
	// fired.
	GracePeriod time.Duration `env:"AVATAR_SESSION_GRACE_PERIOD" envDefault:"30s"`

	// CleanupInterval for the background reconciliation loop (0 disables).
	CleanupInterval time.Duration `env:"AVATAR_SESSION_CLEANUP_INTERVAL" envDefault:"1m"`

	// RatePerMinute prices streamed time for the cost estimate.
	RatePerMinute float64 `env:"AVATAR_SESSION_RATE_PER_MINUTE" envDefault:"0.2"`

	// CapTimeoutToQuota arms each session's timer at
	// min(SessionTimeout, remaining quota) instead of the fixed duration.
	// Off by default: a session then runs its full length even when that
	// overruns the lifetime cap, matching the historical behavior.
	CapTimeoutToQuota bool `env:"AVATAR_SESSION_CAP_TIMEOUT_TO_QUOTA" envDefault:"false"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:   10 * time.Minute,
		WarningThreshold: 5 * time.Minute,
		GracePeriod:      30 * time.Second,
		CleanupInterval:  time.Minute,
		RatePerMinute:    0.2,
	}
}

// ConfigFromPlan derives a session config from a usage plan, keeping the
// cleanup knobs at their defaults.
func ConfigFromPlan(plan usage.Plan) Config {
	cfg := DefaultConfig()
	cfg.SessionTimeout = plan.SessionTimeout
	cfg.RatePerMinute = plan.RatePerMinute
	return cfg
}

// Validate reports whether the config can run sessions at all.
func (c Config) Validate() error {
	if c.SessionTimeout <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("session timeout must be positive"))
	}
	if c.GracePeriod < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("grace period must not be negative"))
	}
	if c.WarningThreshold < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("warning threshold must not be negative"))
	}
	if c.RatePerMinute < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("rate per minute must not be negative"))
	}
	return nil
}
