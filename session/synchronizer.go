package session

import (
	"context"
	"encoding/json"

	"go.pilab.hu/sessionkit/domain"
)

// onRemoteChange ingests a mutation made by a sibling execution context. Two
// cases matter, both keyed on the session metadata entry: an update replaces
// this context's session wholesale (last-writer-wins, no merging), a deletion
// is a remote logout and transitions straight to no-session without reading
// any other key.
func (m *Manager) onRemoteChange(name string, deleted bool) {
	if name != SecretMetadata {
		return
	}

	ctx := context.Background()

	if deleted {
		m.mu.Lock()
		if m.closed || m.sess == nil {
			m.mu.Unlock()
			return
		}
		m.sess.IsActive = false
		snapshot := m.sess.Clone()
		m.sess = nil
		m.clock.Cancel()
		m.tracker.Disable()
		m.mu.Unlock()

		m.logger.Info(ctx, "session terminated by another context", map[string]interface{}{"session_id": snapshot.ID})
		m.emit(domain.Event{Type: domain.EventRemoteLogout, Session: snapshot, Reason: domain.EndReasonRemote, At: m.nowFn()})
		return
	}

	raw, found, err := m.creds.Retrieve(ctx, SecretMetadata)
	if err != nil || !found {
		m.logger.Warn(ctx, "failed to load synced session metadata", map[string]interface{}{"found": found})
		return
	}

	var synced domain.Session
	if err := json.Unmarshal([]byte(raw), &synced); err != nil {
		m.logger.Warn(ctx, "malformed synced session metadata", map[string]interface{}{"error": err.Error()})
		return
	}

	// Tokens were written before the metadata entry, so they are already
	// readable here. Either may legitimately be absent mid-migration.
	if v, ok, err := m.creds.Retrieve(ctx, SecretAccessToken); err == nil && ok {
		synced.AccessToken = v
	}
	if v, ok, err := m.creds.Retrieve(ctx, SecretRefreshToken); err == nil && ok {
		synced.RefreshToken = v
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if !synced.IsActive {
		// A sibling persisted a terminated session. Treat like a remote
		// logout, minus the secret removal that sibling already did.
		m.sess = nil
		m.clock.Cancel()
		m.tracker.Disable()
		snapshot := synced.Clone()
		m.mu.Unlock()
		m.emit(domain.Event{Type: domain.EventRemoteLogout, Session: snapshot, Reason: domain.EndReasonRemote, At: m.nowFn()})
		return
	}

	m.sess = &synced
	m.clockGen = m.clock.Arm(synced.ExpiresAt)
	m.idleGen = m.clock.ResetIdle()
	m.tracker.Enable()
	snapshot := synced.Clone()
	m.mu.Unlock()

	m.logger.Debug(ctx, "session synced from another context", map[string]interface{}{"session_id": snapshot.ID})
	m.emit(domain.Event{Type: domain.EventSessionSynced, Session: snapshot, At: m.nowFn()})
}
