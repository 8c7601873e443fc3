package credstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/sessionkit/storage"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

func setupTestStore(t *testing.T, opts ...Option) (*Store, storage.Backend) {
	t.Helper()
	backend := storage.NewMemoryStore().Open()
	store, err := New(backend, testMasterKey, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, backend
}

func TestNewRejectsShortMasterKey(t *testing.T) {
	backend := storage.NewMemoryStore().Open()
	_, err := New(backend, []byte("too-short"))
	require.Error(t, err)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, backend := setupTestStore(t)

	require.NoError(t, store.Store(ctx, "token", "s3cret-value"))

	got, found, err := store.Retrieve(ctx, "token")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "s3cret-value", got)

	// At rest the value must not be readable as plaintext.
	raw, ok, err := backend.Get(ctx, "enc:token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(raw), "s3cret-value")
}

func TestRetrieveAbsentIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	got, found, err := store.Retrieve(ctx, "never-stored")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, got)
}

func TestRotateKeyChangesVersionPreservesPlaintext(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	require.NoError(t, store.Store(ctx, "token", "value"))
	before, found, err := store.KeyVersionOf(ctx, "token")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, store.RotateKey(ctx))
	assert.NotEqual(t, before, store.CurrentKeyVersion())

	// The stored secret still decrypts under its recorded, now superseded,
	// version.
	got, found, err := store.Retrieve(ctx, "token")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value", got)

	// Re-storing re-encrypts under the new version.
	require.NoError(t, store.Store(ctx, "token", "value"))
	after, found, err := store.KeyVersionOf(ctx, "token")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, before, after)
	assert.Equal(t, store.CurrentKeyVersion(), after)

	got, found, err = store.Retrieve(ctx, "token")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value", got)
}

func TestLegacyValueIsMigratedOnRetrieve(t *testing.T) {
	ctx := context.Background()
	store, backend := setupTestStore(t)

	require.NoError(t, backend.Put(ctx, "legacy:old", []byte("legacy-plain")))

	got, found, err := store.Retrieve(ctx, "old")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "legacy-plain", got)

	// Migration replaced the legacy entry with an encrypted one.
	_, ok, err := backend.Get(ctx, "legacy:old")
	require.NoError(t, err)
	assert.False(t, ok, "legacy entry must be deleted after migration")
	_, ok, err = backend.Get(ctx, "enc:old")
	require.NoError(t, err)
	assert.True(t, ok, "encrypted entry must exist after migration")

	got, found, err = store.Retrieve(ctx, "old")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "legacy-plain", got)
}

func TestCorruptEnvelopeFallsBackToLegacyThenAbsent(t *testing.T) {
	ctx := context.Background()
	store, backend := setupTestStore(t)

	// Corrupt ciphertext with a legacy fallback present.
	require.NoError(t, backend.Put(ctx, "enc:token", []byte("not json")))
	require.NoError(t, backend.Put(ctx, "legacy:token", []byte("recovered")))

	got, found, err := store.Retrieve(ctx, "token")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "recovered", got)

	// Corrupt ciphertext with nothing to fall back to: absent, not an error.
	require.NoError(t, backend.Put(ctx, "enc:broken", []byte("still not json")))
	_, found, err = store.Retrieve(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveDeletesEncryptedAndLegacy(t *testing.T) {
	ctx := context.Background()
	store, backend := setupTestStore(t)

	require.NoError(t, store.Store(ctx, "token", "value"))
	require.NoError(t, backend.Put(ctx, "legacy:token", []byte("old")))

	require.NoError(t, store.Remove(ctx, "token"))

	_, found, err := store.Retrieve(ctx, "token")
	require.NoError(t, err)
	assert.False(t, found)
	_, ok, _ := backend.Get(ctx, "enc:token")
	assert.False(t, ok)
	_, ok, _ = backend.Get(ctx, "legacy:token")
	assert.False(t, ok)
}

func TestRotationNeededByAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store, _ := setupTestStore(t,
		WithRotationPolicy(RotationPolicy{MaxAge: time.Hour}),
		WithNow(func() time.Time { return now }),
	)

	assert.False(t, store.RotationNeeded())

	now = now.Add(2 * time.Hour)
	assert.True(t, store.RotationNeeded())

	require.NoError(t, store.RotateKey(context.Background()))
	assert.False(t, store.RotationNeeded())
}

func TestRotationNeededByUsage(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t, WithRotationPolicy(RotationPolicy{MaxUses: 2}))

	require.NoError(t, store.Store(ctx, "a", "1"))
	assert.False(t, store.RotationNeeded())
	require.NoError(t, store.Store(ctx, "b", "2"))
	assert.True(t, store.RotationNeeded())

	require.NoError(t, store.RotateKey(ctx))
	assert.False(t, store.RotationNeeded())
}

func TestSecretsReadableFromSiblingContext(t *testing.T) {
	ctx := context.Background()
	shared := storage.NewMemoryStore()

	storeA, err := New(shared.Open(), testMasterKey)
	require.NoError(t, err)
	defer storeA.Close()

	require.NoError(t, storeA.Store(ctx, "token", "shared-value"))

	// A second context over the same physical store adopts the persisted
	// keyring and decrypts what the first one wrote.
	storeB, err := New(shared.Open(), testMasterKey)
	require.NoError(t, err)
	defer storeB.Close()

	got, found, err := storeB.Retrieve(ctx, "token")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "shared-value", got)

	// Rotation in one context is picked up by the other once the change
	// notification invalidates its cached plaintext.
	require.NoError(t, storeA.RotateKey(ctx))
	require.NoError(t, storeA.Store(ctx, "token", "rotated-value"))

	require.Eventually(t, func() bool {
		got, found, err := storeB.Retrieve(ctx, "token")
		return err == nil && found && got == "rotated-value"
	}, time.Second, 5*time.Millisecond)
}

// countingBackend counts writes to the keyring entry.
type countingBackend struct {
	storage.Backend

	mu          sync.Mutex
	keyringPuts int
}

func (b *countingBackend) Put(ctx context.Context, key string, value []byte) error {
	if key == keyringStorageKey {
		b.mu.Lock()
		b.keyringPuts++
		b.mu.Unlock()
	}
	return b.Backend.Put(ctx, key, value)
}

func (b *countingBackend) puts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.keyringPuts
}

func TestStoreDoesNotPersistKeyringPerWrite(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: storage.NewMemoryStore().Open()}

	store, err := New(backend, testMasterKey,
		WithRotationPolicy(RotationPolicy{MaxUses: 10}))
	require.NoError(t, err)
	defer store.Close()

	afterInit := backend.puts()
	require.Equal(t, 1, afterInit, "creating the keyring is one write")

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Store(ctx, "token", "value"))
	}
	assert.Equal(t, afterInit, backend.puts(),
		"secret writes below the usage threshold must not touch the keyring entry")

	// The counter is persisted once it reaches the threshold, and rotation
	// itself writes the new ring.
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Store(ctx, "token", "value"))
	}
	assert.Equal(t, afterInit+1, backend.puts())
	require.True(t, store.RotationNeeded())
	require.NoError(t, store.RotateKey(ctx))
	assert.Equal(t, afterInit+2, backend.puts())
}
