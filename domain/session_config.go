package domain

import (
	"fmt"
	"time"
)

// SessionConfig carries the lifecycle durations for a session. It is immutable
// for the lifetime of the session it governs.
type SessionConfig struct {
	// MaxIdleTime is the inactivity window after which the session is ended.
	MaxIdleTime time.Duration
	// SessionDuration is the total lifetime granted at creation and on refresh.
	SessionDuration time.Duration
	// WarningTime is how long before expiry a warning event is emitted.
	WarningTime time.Duration
	// RefreshThreshold is how long before expiry silent renewal is attempted.
	RefreshThreshold time.Duration
}

// DefaultSessionConfig mirrors the defaults of the hosted auth service: thirty
// minute sessions, fifteen minute idle cutoff, renewal five minutes out and a
// warning two minutes out.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxIdleTime:      15 * time.Minute,
		SessionDuration:  30 * time.Minute,
		WarningTime:      2 * time.Minute,
		RefreshThreshold: 5 * time.Minute,
	}
}

// Validate rejects configurations that could never schedule a coherent
// lifecycle. Violations are construction-time errors, never runtime surprises.
func (c SessionConfig) Validate() error {
	if c.SessionDuration <= 0 {
		return fmt.Errorf("%w: session duration must be positive, got %s", ErrInvalidConfig, c.SessionDuration)
	}
	if c.MaxIdleTime <= 0 {
		return fmt.Errorf("%w: max idle time must be positive, got %s", ErrInvalidConfig, c.MaxIdleTime)
	}
	if c.RefreshThreshold <= 0 || c.RefreshThreshold >= c.SessionDuration {
		return fmt.Errorf("%w: refresh threshold %s must be within (0, %s)", ErrInvalidConfig, c.RefreshThreshold, c.SessionDuration)
	}
	if c.WarningTime <= 0 || c.WarningTime >= c.SessionDuration {
		return fmt.Errorf("%w: warning time %s must be within (0, %s)", ErrInvalidConfig, c.WarningTime, c.SessionDuration)
	}
	return nil
}
