// Package credstore implements the secure credential store: secrets are
// encrypted with AES-256-GCM under versioned keys derived from a master key,
// persisted through a storage backend, and transparently migrated from legacy
// unencrypted values.
package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"go.pilab.hu/sessionkit/domain"
	"go.pilab.hu/sessionkit/log"
	"go.pilab.hu/sessionkit/storage"
)

const (
	encPrefix    = "enc:"
	legacyPrefix = "legacy:"
	algorithm    = "aes256-gcm"

	defaultCacheTTL = 30 * time.Second
)

// Store encrypts, persists and rotates secrets. All methods are safe for
// concurrent use.
type Store struct {
	backend storage.Backend
	logger  log.Logger
	policy  RotationPolicy
	nowFn   func() time.Time

	mu   sync.Mutex
	ring *keyring

	// cache holds recently decrypted plaintexts so hot readers skip the
	// decrypt path. Invalidated on writes, local and remote.
	cache *ttlcache.Cache[string, string]

	watchCancel func()
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRotationPolicy overrides the default rotation policy.
func WithRotationPolicy(p RotationPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithNow injects the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// New creates a Store over the given backend. The master key must be at least
// 16 bytes; per-version encryption keys are derived from it and never stored.
// An existing keyring in the backend is adopted, otherwise a fresh one with
// an initial key-version is created and persisted.
func New(backend storage.Backend, masterKey []byte, opts ...Option) (*Store, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("master key must be at least 16 bytes, got %d", len(masterKey))
	}

	s := &Store{
		backend: backend,
		logger:  log.Nop(),
		policy:  DefaultRotationPolicy(),
		nowFn:   time.Now,
		ring:    newKeyring(masterKey),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cache = ttlcache.New(
		ttlcache.WithTTL[string, string](defaultCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go s.cache.Start()

	ctx := context.Background()
	loaded, err := s.ring.load(ctx, backend)
	if err != nil {
		return nil, err
	}
	if !loaded {
		s.ring.rotate(s.nowFn())
		if err := s.ring.save(ctx, backend); err != nil {
			return nil, err
		}
	}

	// Writes from sibling contexts invalidate the plaintext cache, and a
	// rotated keyring elsewhere replaces the local one.
	s.watchCancel = backend.Watch(func(c storage.Change) {
		switch {
		case c.Key == keyringStorageKey:
			s.mu.Lock()
			if _, err := s.ring.load(context.Background(), s.backend); err != nil {
				s.logger.Warn(context.Background(), "failed to reload keyring after remote change", map[string]interface{}{"error": err.Error()})
			}
			s.mu.Unlock()
		case strings.HasPrefix(c.Key, encPrefix):
			s.cache.Delete(strings.TrimPrefix(c.Key, encPrefix))
		}
	})

	return s, nil
}

// Store encrypts plaintext under the current key-version and persists it
// under name, overwriting any prior value.
func (s *Store) Store(ctx context.Context, name, plaintext string) error {
	s.mu.Lock()
	cur := s.ring.current()
	if cur == nil {
		s.mu.Unlock()
		return fmt.Errorf("keyring has no current version")
	}
	key, err := s.ring.keyFor(cur.ID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	versionID := cur.ID
	cur.Uses++
	// The use counter is persisted only when it reaches the rotation
	// threshold; interim counts stay local so hot write paths do not flood
	// the change feed with keyring traffic.
	if s.policy.MaxUses > 0 && cur.Uses == s.policy.MaxUses {
		if err := s.ring.save(ctx, s.backend); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	sealed, err := seal(key, versionID, []byte(plaintext))
	if err != nil {
		return fmt.Errorf("failed to encrypt %q: %w", name, err)
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to encode envelope for %q: %w", name, err)
	}
	if err := s.backend.Put(ctx, encPrefix+name, raw); err != nil {
		return err
	}

	s.cache.Set(name, plaintext, ttlcache.DefaultTTL)
	return nil
}

// Retrieve decrypts and returns the secret stored under name. Absence is not
// an error: the second return value is false when nothing usable exists. A
// value that fails to decrypt is recovered from the legacy unencrypted entry
// when one exists, which is then migrated to encrypted form and removed.
func (s *Store) Retrieve(ctx context.Context, name string) (string, bool, error) {
	if item := s.cache.Get(name); item != nil {
		return item.Value(), true, nil
	}

	raw, found, err := s.backend.Get(ctx, encPrefix+name)
	if err != nil {
		return "", false, err
	}
	if found {
		plaintext, ok := s.open(ctx, name, raw)
		if ok {
			s.cache.Set(name, plaintext, ttlcache.DefaultTTL)
			return plaintext, true, nil
		}
		// fall through to the legacy entry
	}

	return s.migrateLegacy(ctx, name)
}

// open decrypts an envelope, reloading the keyring once when the recorded
// key-version is unknown locally (another context may have rotated).
func (s *Store) open(ctx context.Context, name string, raw []byte) (string, bool) {
	var env domain.EncryptedSecret
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn(ctx, "corrupt secret envelope", map[string]interface{}{"name": name, "error": err.Error()})
		return "", false
	}
	if env.Algorithm != algorithm {
		s.logger.Warn(ctx, "unsupported secret algorithm", map[string]interface{}{"name": name, "algorithm": env.Algorithm})
		return "", false
	}

	s.mu.Lock()
	key, err := s.ring.keyFor(env.KeyVersion)
	if err != nil {
		if _, lerr := s.ring.load(ctx, s.backend); lerr == nil {
			key, err = s.ring.keyFor(env.KeyVersion)
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn(ctx, "secret references unknown key version", map[string]interface{}{"name": name, "key_version": env.KeyVersion})
		return "", false
	}

	plaintext, err := unseal(key, env)
	if err != nil {
		s.logger.Warn(ctx, "failed to decrypt secret", map[string]interface{}{"name": name, "error": err.Error()})
		return "", false
	}
	return string(plaintext), true
}

// migrateLegacy returns the legacy unencrypted value for name, if any,
// re-storing it through the encrypted path and deleting the legacy entry.
func (s *Store) migrateLegacy(ctx context.Context, name string) (string, bool, error) {
	raw, found, err := s.backend.Get(ctx, legacyPrefix+name)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}

	plaintext := string(raw)
	if err := s.Store(ctx, name, plaintext); err != nil {
		// Keep the legacy entry so the value is not lost; next retrieve
		// tries again.
		s.logger.Error(ctx, "failed to migrate legacy secret", err, map[string]interface{}{"name": name})
		return plaintext, true, nil
	}
	if err := s.backend.Delete(ctx, legacyPrefix+name); err != nil {
		s.logger.Warn(ctx, "failed to delete legacy secret after migration", map[string]interface{}{"name": name, "error": err.Error()})
	}
	s.logger.Info(ctx, "migrated legacy secret", map[string]interface{}{"name": name})
	return plaintext, true, nil
}

// Remove deletes both the encrypted entry and any legacy unencrypted entry
// for name.
func (s *Store) Remove(ctx context.Context, name string) error {
	s.cache.Delete(name)
	if err := s.backend.Delete(ctx, encPrefix+name); err != nil {
		return err
	}
	return s.backend.Delete(ctx, legacyPrefix+name)
}

// RotateKey introduces a new current key-version. Stored secrets are not
// touched; callers re-store the secrets they manage to re-encrypt them.
func (s *Store) RotateKey(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ring.rotate(s.nowFn())
	if err := s.ring.save(ctx, s.backend); err != nil {
		return err
	}
	s.logger.Info(ctx, "rotated encryption key", map[string]interface{}{"key_version": v.ID})
	return nil
}

// RotationNeeded reports whether the current key-version exceeds the rotation
// policy by age or usage.
func (s *Store) RotationNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.wornOut(s.policy, s.nowFn())
}

// CurrentKeyVersion returns the ID of the key-version new secrets are
// encrypted under.
func (s *Store) CurrentKeyVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.ring.current(); cur != nil {
		return cur.ID
	}
	return ""
}

// KeyVersionOf reports which key-version the persisted secret under name was
// encrypted with.
func (s *Store) KeyVersionOf(ctx context.Context, name string) (string, bool, error) {
	raw, found, err := s.backend.Get(ctx, encPrefix+name)
	if err != nil || !found {
		return "", false, err
	}
	var env domain.EncryptedSecret
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false, nil
	}
	return env.KeyVersion, true, nil
}

// Watch registers fn for secret changes made by other execution contexts.
// Keys are reported by logical name; keyring traffic is filtered out.
func (s *Store) Watch(fn func(name string, deleted bool)) func() {
	return s.backend.Watch(func(c storage.Change) {
		if !strings.HasPrefix(c.Key, encPrefix) {
			return
		}
		fn(strings.TrimPrefix(c.Key, encPrefix), c.Deleted)
	})
}

// Close stops the plaintext cache and the internal watcher. The backend is
// owned by the caller.
func (s *Store) Close() error {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	s.cache.Stop()
	return nil
}

func seal(key []byte, versionID string, plaintext []byte) (*domain.EncryptedSecret, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &domain.EncryptedSecret{
		KeyVersion: versionID,
		Algorithm:  algorithm,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

func unseal(key []byte, env domain.EncryptedSecret) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(env.Nonce))
	}
	return gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
}
