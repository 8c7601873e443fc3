package domain

import "time"

// EventType identifies a session lifecycle transition observable by the
// presentation layer.
type EventType string

const (
	EventSessionCreated   EventType = "session-created"
	EventSessionRefreshed EventType = "session-refreshed"
	EventSessionWarning   EventType = "session-warning"
	EventSessionExtended  EventType = "session-extended"
	EventSessionEnded     EventType = "session-ended"
	EventSessionSynced    EventType = "session-synced"
	EventRemoteLogout     EventType = "remote-logout"
	EventRefreshFailed    EventType = "refresh-failed"
	EventIdleTimeout      EventType = "idle-timeout"
	EventActivity         EventType = "activity"
)

// EndReason explains why a session terminated.
type EndReason string

const (
	EndReasonExpired     EndReason = "expired"
	EndReasonIdleTimeout EndReason = "idle_timeout"
	EndReasonLogout      EndReason = "logout"
	EndReasonRemote      EndReason = "remote"
)

// Event is the payload handed to subscribers. Session is a snapshot; mutating
// it has no effect on the engine.
type Event struct {
	Type      EventType
	Session   *Session
	Reason    EndReason
	Remaining time.Duration
	At        time.Time
}
