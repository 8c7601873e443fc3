package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/sessionkit/authapi"
	"go.pilab.hu/sessionkit/credstore"
	"go.pilab.hu/sessionkit/domain"
	"go.pilab.hu/sessionkit/storage"
)

// twoContexts builds two engine instances over one shared store, modelling
// two tabs of the same application.
func twoContexts(t *testing.T, cfg domain.SessionConfig) (*Manager, *Manager, *eventLog, *eventLog) {
	t.Helper()
	shared := storage.NewMemoryStore()

	build := func() (*Manager, *eventLog) {
		creds, err := credstore.New(shared.Open(), testMasterKey)
		require.NoError(t, err)
		t.Cleanup(func() { creds.Close() })

		mgr, err := NewManager(cfg, creds, &MockRefresher{}, WithRefreshBackoff(singleAttempt))
		require.NoError(t, err)
		t.Cleanup(func() { mgr.Close() })

		events := &eventLog{}
		mgr.Events().OnAny(events.record)
		return mgr, events
	}

	mgrA, eventsA := build()
	mgrB, eventsB := build()
	return mgrA, mgrB, eventsA, eventsB
}

func TestSessionCreationPropagatesToSiblingContext(t *testing.T) {
	mgrA, mgrB, eventsA, eventsB := twoContexts(t, domain.DefaultSessionConfig())
	ctx := context.Background()

	created, err := mgrA.CreateSession(ctx, "user-1", "at", "rt")
	require.NoError(t, err)

	synced := eventsB.waitFor(t, domain.EventSessionSynced, time.Second)
	assert.Equal(t, created.ID, synced.Session.ID)

	remote := mgrB.GetSession()
	require.NotNil(t, remote)
	assert.Equal(t, created.ID, remote.ID)
	assert.Equal(t, "at", remote.AccessToken)
	assert.Equal(t, "rt", remote.RefreshToken)
	assert.True(t, mgrB.IsSessionValid())

	// The writer itself must not observe a sync echo.
	assert.Equal(t, 0, eventsA.count(domain.EventSessionSynced))
}

func TestRemoteLogoutDropsSiblingToNoSession(t *testing.T) {
	mgrA, mgrB, _, eventsB := twoContexts(t, domain.DefaultSessionConfig())
	ctx := context.Background()

	_, err := mgrA.CreateSession(ctx, "user-1", "at", "rt")
	require.NoError(t, err)
	eventsB.waitFor(t, domain.EventSessionSynced, time.Second)

	require.NoError(t, mgrA.EndSession(ctx, domain.EndReasonLogout))

	logout := eventsB.waitFor(t, domain.EventRemoteLogout, time.Second)
	assert.Equal(t, domain.EndReasonRemote, logout.Reason)
	assert.Nil(t, mgrB.GetSession())
	assert.False(t, mgrB.IsSessionValid())
	assert.Equal(t, 0, eventsB.count(domain.EventSessionEnded),
		"remote termination surfaces as remote-logout, not session-ended")
}

func TestRawMetadataDeletionTriggersRemoteLogout(t *testing.T) {
	shared := storage.NewMemoryStore()
	creds, err := credstore.New(shared.Open(), testMasterKey)
	require.NoError(t, err)
	defer creds.Close()

	mgr, err := NewManager(domain.DefaultSessionConfig(), creds, &MockRefresher{})
	require.NoError(t, err)
	defer mgr.Close()

	events := &eventLog{}
	mgr.Events().OnAny(events.record)

	ctx := context.Background()
	_, err = mgr.CreateSession(ctx, "user-1", "at", "rt")
	require.NoError(t, err)

	// Another context wipes the metadata key directly in storage.
	other := shared.Open()
	require.NoError(t, other.Delete(ctx, "enc:"+SecretMetadata))

	events.waitFor(t, domain.EventRemoteLogout, time.Second)
	assert.Nil(t, mgr.GetSession())
}

func TestLastWriterWinsAcrossContexts(t *testing.T) {
	mgrA, mgrB, eventsA, eventsB := twoContexts(t, domain.DefaultSessionConfig())
	ctx := context.Background()

	created, err := mgrA.CreateSession(ctx, "user-1", "at", "rt")
	require.NoError(t, err)
	eventsB.waitFor(t, domain.EventSessionSynced, time.Second)

	// B extends; A must adopt B's expiry wholesale, no merging.
	extended, err := mgrB.ExtendSession(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, extended.ExpiresAt.Sub(created.ExpiresAt))

	eventsA.waitFor(t, domain.EventSessionSynced, time.Second)
	assert.Equal(t, extended.ExpiresAt.Unix(), mgrA.GetSession().ExpiresAt.Unix())
}

func TestConcurrentWritersFromTwoContextsComplete(t *testing.T) {
	mgrA, mgrB, _, eventsB := twoContexts(t, domain.DefaultSessionConfig())
	ctx := context.Background()

	_, err := mgrA.CreateSession(ctx, "user-1", "at", "rt")
	require.NoError(t, err)
	eventsB.waitFor(t, domain.EventSessionSynced, time.Second)

	// Both contexts persist concurrently; each write triggers the sibling's
	// change ingestion. Neither side may block the other.
	var wg sync.WaitGroup
	for _, mgr := range []*Manager{mgrA, mgrB} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				m.ExtendSession(ctx, time.Second)
			}
		}(mgr)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent extends from two contexts did not finish")
	}

	assert.True(t, mgrA.IsSessionValid())
	assert.True(t, mgrB.IsSessionValid())
}

func TestRefreshInOneContextUpdatesTokensInSibling(t *testing.T) {
	shared := storage.NewMemoryStore()
	cfg := domain.DefaultSessionConfig()

	credsA, err := credstore.New(shared.Open(), testMasterKey)
	require.NoError(t, err)
	defer credsA.Close()
	refresherA := &MockRefresher{}
	refresherA.On("Refresh", mock.Anything, "rt").
		Return(&authapi.RefreshResult{AccessToken: "at-2", RefreshToken: "rt-2"}, nil)
	mgrA, err := NewManager(cfg, credsA, refresherA, WithRefreshBackoff(singleAttempt))
	require.NoError(t, err)
	defer mgrA.Close()

	credsB, err := credstore.New(shared.Open(), testMasterKey)
	require.NoError(t, err)
	defer credsB.Close()
	mgrB, err := NewManager(cfg, credsB, &MockRefresher{})
	require.NoError(t, err)
	defer mgrB.Close()

	eventsB := &eventLog{}
	mgrB.Events().OnAny(eventsB.record)

	ctx := context.Background()
	_, err = mgrA.CreateSession(ctx, "user-1", "at", "rt")
	require.NoError(t, err)
	eventsB.waitFor(t, domain.EventSessionSynced, time.Second)

	_, err = mgrA.RefreshSession(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess := mgrB.GetSession()
		return sess != nil && sess.AccessToken == "at-2" && sess.RefreshToken == "rt-2"
	}, time.Second, 5*time.Millisecond, "sibling must observe the refreshed tokens")
}
