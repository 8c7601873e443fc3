// Package activity funnels user-interaction signals into the session engine.
// Signal sources (UI toolkits, input hooks, request interceptors) call
// Signal; the tracker forwards to the engine only while a session is active,
// so sources can stay registered for the whole process lifetime.
package activity

import (
	"context"
	"sync/atomic"
)

// SignalType classifies a user-interaction signal.
type SignalType string

const (
	SignalPointer SignalType = "pointer"
	SignalKey     SignalType = "key"
	SignalTouch   SignalType = "touch"
	SignalScroll  SignalType = "scroll"
)

// SignalTypes lists every signal type the tracker observes.
func SignalTypes() []SignalType {
	return []SignalType{SignalPointer, SignalKey, SignalTouch, SignalScroll}
}

// Handler receives forwarded signals while the tracker is enabled.
type Handler func(ctx context.Context, signal SignalType)

// Tracker gates signal delivery on session liveness.
type Tracker struct {
	handler Handler
	enabled atomic.Bool
}

// New creates a Tracker delivering to handler. The tracker starts disabled.
func New(handler Handler) *Tracker {
	return &Tracker{handler: handler}
}

// Enable starts forwarding signals.
func (t *Tracker) Enable() { t.enabled.Store(true) }

// Disable stops forwarding. Sources may keep calling Signal; calls become
// no-ops.
func (t *Tracker) Disable() { t.enabled.Store(false) }

// Enabled reports whether signals are currently forwarded.
func (t *Tracker) Enabled() bool { return t.enabled.Load() }

// Signal records one user-interaction signal. No-op while disabled.
func (t *Tracker) Signal(ctx context.Context, signal SignalType) {
	if !t.enabled.Load() {
		return
	}
	t.handler(ctx, signal)
}
