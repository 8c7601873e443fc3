// Package sessionclock schedules the lifecycle deadlines of one session:
// warning, refresh and expiry derived from the expiry instant, plus an
// independent idle deadline reset by user activity. Every (re)arm bumps a
// generation counter; a deadline armed under a superseded generation never
// delivers.
package sessionclock

import (
	"sync"
	"time"

	"go.pilab.hu/sessionkit/domain"
)

// Kind identifies which deadline elapsed.
type Kind string

const (
	KindWarning Kind = "warning"
	KindRefresh Kind = "refresh"
	KindExpired Kind = "expired"
	KindIdle    Kind = "idle-timeout"
)

// Event is delivered on the emit callback when a deadline elapses. Consumers
// should compare Generation with the value returned by the arming call and
// drop stale events.
type Event struct {
	Kind       Kind
	Generation uint64
	Remaining  time.Duration
}

// Clock arms and cancels the deadline timers for one session. The expiry-side
// schedule (warning/refresh/expired) and the idle deadline are independent:
// re-arming one never perturbs the other.
type Clock struct {
	cfg   domain.SessionConfig
	emit  func(Event)
	nowFn func() time.Time

	mu        sync.Mutex
	gen       uint64
	timers    []*time.Timer
	idleGen   uint64
	idleTimer *time.Timer
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow injects the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.nowFn = now }
}

// New creates a Clock. The config must already be validated; emit is invoked
// from timer goroutines and must serialize on the caller's side.
func New(cfg domain.SessionConfig, emit func(Event), opts ...Option) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Clock{cfg: cfg, emit: emit, nowFn: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Arm cancels any previously scheduled expiry-side deadlines and schedules
// warning, refresh and expired against the given expiry. An expiry already in
// the past fires expired immediately. Returns the new generation.
func (c *Clock) Arm(expiresAt time.Time) uint64 {
	c.mu.Lock()
	c.cancelExpiryLocked()
	gen := c.gen

	timeToExpiry := expiresAt.Sub(c.nowFn())
	if timeToExpiry <= 0 {
		c.mu.Unlock()
		go c.fire(gen, Event{Kind: KindExpired, Generation: gen})
		return gen
	}

	c.scheduleLocked(gen, timeToExpiry, Event{Kind: KindExpired, Generation: gen})
	if d := timeToExpiry - c.cfg.WarningTime; d > 0 {
		c.scheduleLocked(gen, d, Event{Kind: KindWarning, Generation: gen, Remaining: c.cfg.WarningTime})
	}
	if d := timeToExpiry - c.cfg.RefreshThreshold; d > 0 {
		c.scheduleLocked(gen, d, Event{Kind: KindRefresh, Generation: gen, Remaining: c.cfg.RefreshThreshold})
	}
	c.mu.Unlock()
	return gen
}

// ResetIdle moves the idle deadline to now + MaxIdleTime, superseding any
// previous idle deadline. Returns the new idle generation.
func (c *Clock) ResetIdle() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopIdleLocked()
	gen := c.idleGen
	c.idleTimer = time.AfterFunc(c.cfg.MaxIdleTime, func() {
		c.fireIdle(gen)
	})
	return gen
}

// StopIdle cancels the idle deadline without arming a new one.
func (c *Clock) StopIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopIdleLocked()
}

// Cancel stops every scheduled deadline, expiry-side and idle. No cancelled
// deadline will deliver afterwards.
func (c *Clock) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelExpiryLocked()
	c.stopIdleLocked()
}

// Generation returns the current expiry-side generation.
func (c *Clock) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Clock) cancelExpiryLocked() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	c.gen++
}

func (c *Clock) stopIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.idleGen++
}

func (c *Clock) scheduleLocked(gen uint64, d time.Duration, ev Event) {
	t := time.AfterFunc(d, func() {
		c.fire(gen, ev)
	})
	c.timers = append(c.timers, t)
}

func (c *Clock) fire(gen uint64, ev Event) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.emit(ev)
}

func (c *Clock) fireIdle(gen uint64) {
	c.mu.Lock()
	stale := gen != c.idleGen
	c.mu.Unlock()
	if stale {
		return
	}
	c.emit(Event{Kind: KindIdle, Generation: gen})
}
