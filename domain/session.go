package domain

import "time"

// Session represents the canonical authenticated session for one user in one
// client instance. Other execution contexts hold copies synced through storage,
// never independent authority.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AccessToken    string    `json:"-"` // persisted separately, never in metadata
	RefreshToken   string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IsActive       bool      `json:"is_active"`
}

// Clone returns a copy of the session safe for handing to event subscribers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Valid reports whether the session is active and not yet expired at the given
// instant.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.IsActive && s.ExpiresAt.After(now)
}

// TimeRemaining returns the duration until expiry, clamped to zero.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Touch advances LastActivityAt. It never moves the timestamp backwards.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}
