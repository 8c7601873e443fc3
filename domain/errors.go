package domain

import "errors"

var (
	// ErrInvalidConfig marks a SessionConfig whose thresholds cannot schedule
	// a coherent lifecycle.
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrNoSession is returned by operations that require an active session.
	ErrNoSession = errors.New("no active session")

	// ErrRefreshFailed wraps a failed token renewal. The session itself is
	// left untouched when this is returned.
	ErrRefreshFailed = errors.New("session refresh failed")
)
