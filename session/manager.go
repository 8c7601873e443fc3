// Package session implements the session lifecycle engine: the Manager owns
// the canonical in-memory session, persists it through the credential store,
// reacts to clock deadlines and activity signals, refreshes tokens against
// the remote auth API, and mirrors every change to sibling execution contexts
// through the store's change notifications.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"go.pilab.hu/sessionkit/activity"
	"go.pilab.hu/sessionkit/authapi"
	"go.pilab.hu/sessionkit/credstore"
	"go.pilab.hu/sessionkit/domain"
	"go.pilab.hu/sessionkit/log"
	"go.pilab.hu/sessionkit/sessionclock"
)

// Stable logical names the engine persists secrets under. The metadata entry
// is written last and removed last so sibling contexts always observe tokens
// before the metadata change that announces them.
const (
	SecretAccessToken  = "session.access_token"
	SecretRefreshToken = "session.refresh_token"
	SecretMetadata     = "session.metadata"
)

// managedSecretNames is the single authoritative list iterated during key
// rotation re-encryption.
func managedSecretNames() []string {
	return []string{SecretAccessToken, SecretRefreshToken, SecretMetadata}
}

// Manager orchestrates the session lifecycle for one execution context.
type Manager struct {
	cfg           domain.SessionConfig
	creds         *credstore.Store
	refresher     authapi.Refresher
	bus           *Bus
	logger        log.Logger
	nowFn         func() time.Time
	newID         func() string
	backoffFn     func() backoff.BackOff
	rotationEvery time.Duration
	done          chan struct{}

	clock   *sessionclock.Clock
	tracker *activity.Tracker

	mu         sync.Mutex
	sess       *domain.Session
	clockGen   uint64
	idleGen    uint64
	refreshing bool
	closed     bool

	syncCancel func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithNow injects the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.nowFn = now }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithRefreshBackoff overrides the retry policy applied to each scheduled
// refresh attempt.
func WithRefreshBackoff(fn func() backoff.BackOff) Option {
	return func(m *Manager) { m.backoffFn = fn }
}

// WithRotationCheckInterval sets how often an otherwise quiet session is
// checked against the key rotation policy, in addition to the check before
// every persist. Zero disables the periodic check.
func WithRotationCheckInterval(d time.Duration) Option {
	return func(m *Manager) { m.rotationEvery = d }
}

// defaultRefreshBackoff bounds a failing refresh to a handful of attempts per
// refresh deadline; once exhausted the session simply rides out its warning
// and expiry deadlines.
func defaultRefreshBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// NewManager creates a Manager over the given credential store and auth API
// collaborator. The config is validated here; an invalid config is a
// construction error, never a runtime one.
func NewManager(cfg domain.SessionConfig, creds *credstore.Store, refresher authapi.Refresher, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:           cfg,
		creds:         creds,
		refresher:     refresher,
		bus:           NewBus(),
		logger:        log.Nop(),
		nowFn:         time.Now,
		newID:         uuid.NewString,
		backoffFn:     defaultRefreshBackoff,
		rotationEvery: time.Hour,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	clock, err := sessionclock.New(cfg, m.onClockEvent, sessionclock.WithNow(m.nowFn))
	if err != nil {
		return nil, err
	}
	m.clock = clock
	m.tracker = activity.New(m.onActivity)
	m.syncCancel = creds.Watch(m.onRemoteChange)
	if m.rotationEvery > 0 {
		go m.rotationLoop()
	}

	return m, nil
}

// rotationLoop catches rotation policy violations on sessions that sit idle
// between persists, so a worn-out key never outlives the check interval.
func (m *Manager) rotationLoop() {
	ticker := time.NewTicker(m.rotationEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.sess != nil && m.sess.IsActive {
				m.maybeRotateLocked(context.Background())
			}
			m.mu.Unlock()
		}
	}
}

// Events returns the bus lifecycle events are published on.
func (m *Manager) Events() *Bus { return m.bus }

// Tracker returns the activity tracker signal sources should feed.
func (m *Manager) Tracker() *activity.Tracker { return m.tracker }

// Config returns the immutable session configuration.
func (m *Manager) Config() domain.SessionConfig { return m.cfg }

// CreateSession starts a new session for userID with the given credentials,
// persists it, arms all lifecycle deadlines and emits session-created. Any
// previously active session in this context is ended first.
func (m *Manager) CreateSession(ctx context.Context, userID, accessToken, refreshToken string) (*domain.Session, error) {
	var events []domain.Event

	m.mu.Lock()
	if m.sess != nil && m.sess.IsActive {
		m.endSessionLocked(ctx, domain.EndReasonLogout, &events)
	}

	now := m.nowFn()
	sess := &domain.Session{
		ID:             m.newID(),
		UserID:         userID,
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.SessionDuration),
		IsActive:       true,
	}
	m.sess = sess

	if err := m.persistLocked(ctx, true); err != nil {
		m.sess = nil
		m.mu.Unlock()
		m.emit(events...)
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}

	m.clockGen = m.clock.Arm(sess.ExpiresAt)
	m.idleGen = m.clock.ResetIdle()
	m.tracker.Enable()

	snapshot := sess.Clone()
	events = append(events, domain.Event{Type: domain.EventSessionCreated, Session: snapshot, At: now})
	m.mu.Unlock()

	m.logger.Info(ctx, "session created", map[string]interface{}{"session_id": snapshot.ID, "user_id": userID})
	m.emit(events...)
	return snapshot, nil
}

// RefreshSession renews the credentials through the auth API. Without an
// active session it is a no-op. On failure the session is left untouched and
// refresh-failed is emitted; termination only ever happens through the
// expiry, idle and logout paths. A refresh that completes after the session
// ended (or was replaced) is discarded.
func (m *Manager) RefreshSession(ctx context.Context) (*domain.Session, error) {
	m.mu.Lock()
	if m.sess == nil || !m.sess.IsActive || m.refreshing {
		m.mu.Unlock()
		return nil, nil
	}
	m.refreshing = true
	refreshToken := m.sess.RefreshToken
	sessionID := m.sess.ID
	m.mu.Unlock()

	var result *authapi.RefreshResult
	operation := func() error {
		r, err := m.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(m.backoffFn(), ctx))

	m.mu.Lock()
	m.refreshing = false

	// The session may have expired, been ended, or been replaced while the
	// call was in flight. A late success must not reanimate it.
	if m.sess == nil || m.sess.ID != sessionID || !m.sess.IsActive {
		m.mu.Unlock()
		m.logger.Debug(ctx, "discarding refresh result for ended session", map[string]interface{}{"session_id": sessionID})
		return nil, nil
	}

	if err != nil {
		snapshot := m.sess.Clone()
		m.mu.Unlock()
		m.logger.Warn(ctx, "session refresh failed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		m.emit(domain.Event{Type: domain.EventRefreshFailed, Session: snapshot, At: m.nowFn()})
		return nil, fmt.Errorf("%w: %v", domain.ErrRefreshFailed, err)
	}

	now := m.nowFn()
	m.sess.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		m.sess.RefreshToken = result.RefreshToken
	}
	m.sess.ExpiresAt = now.Add(m.cfg.SessionDuration)
	m.sess.Touch(now)

	if err := m.persistLocked(ctx, true); err != nil {
		m.logger.Error(ctx, "failed to persist refreshed session", err, map[string]interface{}{"session_id": sessionID})
	}
	m.clockGen = m.clock.Arm(m.sess.ExpiresAt)

	snapshot := m.sess.Clone()
	m.mu.Unlock()

	m.emit(domain.Event{Type: domain.EventSessionRefreshed, Session: snapshot, At: now})
	return snapshot, nil
}

// ExtendSession pushes the expiry out by d, for explicit "stay signed in"
// user actions.
func (m *Manager) ExtendSession(ctx context.Context, d time.Duration) (*domain.Session, error) {
	m.mu.Lock()
	if m.sess == nil || !m.sess.IsActive {
		m.mu.Unlock()
		return nil, domain.ErrNoSession
	}

	m.sess.ExpiresAt = m.sess.ExpiresAt.Add(d)
	if err := m.persistLocked(ctx, false); err != nil {
		m.logger.Error(ctx, "failed to persist extended session", err, nil)
	}
	m.clockGen = m.clock.Arm(m.sess.ExpiresAt)

	snapshot := m.sess.Clone()
	now := m.nowFn()
	m.mu.Unlock()

	m.emit(domain.Event{Type: domain.EventSessionExtended, Session: snapshot, Remaining: snapshot.TimeRemaining(now), At: now})
	return snapshot, nil
}

// EndSession terminates the active session: secrets are removed, timers
// cancelled, session-ended emitted. Idempotent when no session exists.
func (m *Manager) EndSession(ctx context.Context, reason domain.EndReason) error {
	var events []domain.Event

	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return nil
	}
	m.endSessionLocked(ctx, reason, &events)
	m.mu.Unlock()

	m.emit(events...)
	return nil
}

func (m *Manager) endSessionLocked(ctx context.Context, reason domain.EndReason, events *[]domain.Event) {
	m.sess.IsActive = false
	snapshot := m.sess.Clone()

	for _, name := range managedSecretNames() {
		if err := m.creds.Remove(ctx, name); err != nil {
			m.logger.Warn(ctx, "failed to remove secret on session end", map[string]interface{}{"name": name, "error": err.Error()})
		}
	}

	m.clock.Cancel()
	m.tracker.Disable()
	m.sess = nil

	m.logger.Info(ctx, "session ended", map[string]interface{}{"session_id": snapshot.ID, "reason": string(reason)})
	*events = append(*events, domain.Event{Type: domain.EventSessionEnded, Session: snapshot, Reason: reason, At: m.nowFn()})
}

// Restore adopts the session persisted by a previous run or a sibling
// context, arming all deadlines against its expiry. An expired persisted
// session is cleaned up instead of adopted, and an active in-memory session
// with a different ID is retired with session-ended before adoption. Returns
// nil when nothing usable is stored or the manager is closed.
func (m *Manager) Restore(ctx context.Context) (*domain.Session, error) {
	raw, found, err := m.creds.Retrieve(ctx, SecretMetadata)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var stored domain.Session
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode persisted session: %w", err)
	}

	now := m.nowFn()
	if !stored.Valid(now) {
		for _, name := range managedSecretNames() {
			if err := m.creds.Remove(ctx, name); err != nil {
				m.logger.Warn(ctx, "failed to remove stale secret", map[string]interface{}{"name": name, "error": err.Error()})
			}
		}
		return nil, nil
	}

	if v, ok, err := m.creds.Retrieve(ctx, SecretAccessToken); err == nil && ok {
		stored.AccessToken = v
	}
	if v, ok, err := m.creds.Retrieve(ctx, SecretRefreshToken); err == nil && ok {
		stored.RefreshToken = v
	}

	var events []domain.Event

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil
	}
	if m.sess != nil && m.sess.IsActive && m.sess.ID != stored.ID {
		// Retire the replaced session in memory only; the persisted secrets
		// already belong to the session being adopted.
		m.sess.IsActive = false
		events = append(events, domain.Event{Type: domain.EventSessionEnded, Session: m.sess.Clone(), Reason: domain.EndReasonLogout, At: now})
	}
	m.sess = &stored
	m.clockGen = m.clock.Arm(stored.ExpiresAt)
	m.idleGen = m.clock.ResetIdle()
	m.tracker.Enable()
	snapshot := stored.Clone()
	m.mu.Unlock()

	m.logger.Info(ctx, "session restored", map[string]interface{}{"session_id": snapshot.ID})
	events = append(events, domain.Event{Type: domain.EventSessionSynced, Session: snapshot, At: now})
	m.emit(events...)
	return snapshot, nil
}

// GetSession returns a snapshot of the current session, or nil when none.
func (m *Manager) GetSession() *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Clone()
}

// IsSessionValid reports whether a session is active and not yet expired.
func (m *Manager) IsSessionValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Valid(m.nowFn())
}

// TimeRemaining returns the duration until expiry, clamped to zero.
func (m *Manager) TimeRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.TimeRemaining(m.nowFn())
}

// Close detaches this context from the shared store and stops all timers.
// The persisted session is left in place for sibling contexts; Close is not
// a logout.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.clock.Cancel()
	m.tracker.Disable()
	cancel := m.syncCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// persistLocked writes the session through the credential store: tokens
// first when they changed, metadata always and last. Key rotation happens
// here when policy demands it, before the secrets are written.
func (m *Manager) persistLocked(ctx context.Context, includeTokens bool) error {
	m.maybeRotateLocked(ctx)

	if includeTokens {
		if err := m.creds.Store(ctx, SecretAccessToken, m.sess.AccessToken); err != nil {
			return err
		}
		if err := m.creds.Store(ctx, SecretRefreshToken, m.sess.RefreshToken); err != nil {
			return err
		}
	}

	meta, err := json.Marshal(m.sess)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}
	return m.creds.Store(ctx, SecretMetadata, string(meta))
}

// maybeRotateLocked re-encrypts every managed secret under a fresh
// key-version when the rotation policy says the current one is worn out.
// Absent secrets are skipped; individual failures are logged and do not
// abort the rotation of the others.
func (m *Manager) maybeRotateLocked(ctx context.Context) {
	if !m.creds.RotationNeeded() {
		return
	}

	plaintexts := make(map[string]string)
	for _, name := range managedSecretNames() {
		v, ok, err := m.creds.Retrieve(ctx, name)
		if err != nil {
			m.logger.Warn(ctx, "failed to read secret before rotation", map[string]interface{}{"name": name, "error": err.Error()})
			continue
		}
		if ok {
			plaintexts[name] = v
		}
	}

	if err := m.creds.RotateKey(ctx); err != nil {
		m.logger.Error(ctx, "key rotation failed", err, nil)
		return
	}

	for _, name := range managedSecretNames() {
		v, ok := plaintexts[name]
		if !ok {
			continue
		}
		if err := m.creds.Store(ctx, name, v); err != nil {
			m.logger.Error(ctx, "failed to re-encrypt secret after rotation", err, map[string]interface{}{"name": name})
		}
	}
}

// onClockEvent reacts to elapsed deadlines. Events from a superseded
// generation are dropped under the manager mutex, so a stale deadline can
// never mutate a newer session state.
func (m *Manager) onClockEvent(ev sessionclock.Event) {
	ctx := context.Background()

	switch ev.Kind {
	case sessionclock.KindWarning:
		m.mu.Lock()
		if ev.Generation != m.clockGen || m.sess == nil || !m.sess.IsActive {
			m.mu.Unlock()
			return
		}
		snapshot := m.sess.Clone()
		remaining := m.sess.TimeRemaining(m.nowFn())
		m.mu.Unlock()
		m.emit(domain.Event{Type: domain.EventSessionWarning, Session: snapshot, Remaining: remaining, At: m.nowFn()})

	case sessionclock.KindRefresh:
		m.mu.Lock()
		stale := ev.Generation != m.clockGen || m.sess == nil || !m.sess.IsActive
		m.mu.Unlock()
		if stale {
			return
		}
		if _, err := m.RefreshSession(ctx); err != nil {
			m.logger.Debug(ctx, "scheduled refresh did not complete", map[string]interface{}{"error": err.Error()})
		}

	case sessionclock.KindExpired:
		var events []domain.Event
		m.mu.Lock()
		if ev.Generation != m.clockGen || m.sess == nil {
			m.mu.Unlock()
			return
		}
		m.endSessionLocked(ctx, domain.EndReasonExpired, &events)
		m.mu.Unlock()
		m.emit(events...)

	case sessionclock.KindIdle:
		var events []domain.Event
		m.mu.Lock()
		if ev.Generation != m.idleGen || m.sess == nil {
			m.mu.Unlock()
			return
		}
		events = append(events, domain.Event{Type: domain.EventIdleTimeout, Session: m.sess.Clone(), At: m.nowFn()})
		m.endSessionLocked(ctx, domain.EndReasonIdleTimeout, &events)
		m.mu.Unlock()
		m.emit(events...)
	}
}

// onActivity handles one user-interaction signal: bump last activity,
// persist, reset the idle deadline. The fixed expiry schedule is untouched.
func (m *Manager) onActivity(ctx context.Context, signal activity.SignalType) {
	m.mu.Lock()
	if m.sess == nil || !m.sess.IsActive {
		m.mu.Unlock()
		return
	}

	now := m.nowFn()
	m.sess.Touch(now)
	if err := m.persistLocked(ctx, false); err != nil {
		m.logger.Warn(ctx, "failed to persist session on activity", map[string]interface{}{"signal": string(signal), "error": err.Error()})
	}
	m.idleGen = m.clock.ResetIdle()

	snapshot := m.sess.Clone()
	m.mu.Unlock()

	m.emit(domain.Event{Type: domain.EventActivity, Session: snapshot, At: now})
}

func (m *Manager) emit(events ...domain.Event) {
	for _, ev := range events {
		m.bus.publish(ev)
	}
}
