package credstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"go.pilab.hu/sessionkit/storage"
)

const keyringStorageKey = "keyring"

// RotationPolicy decides when the current key-version is considered worn out.
// A version is retired once it is older than MaxAge or has encrypted more
// than MaxUses values, whichever comes first. Zero fields disable that check.
type RotationPolicy struct {
	MaxAge  time.Duration
	MaxUses int
}

// DefaultRotationPolicy rotates daily or after a thousand encrypt operations.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{MaxAge: 24 * time.Hour, MaxUses: 1000}
}

type keyVersion struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Uses      int       `json:"uses"`
}

// keyringState is the persisted shape of the keyring. It carries no key
// material; per-version keys are derived from the master key, which never
// touches storage.
type keyringState struct {
	Current  string       `json:"current"`
	Versions []keyVersion `json:"versions"`
}

// keyring owns the key-versions and the derived per-version keys.
type keyring struct {
	master []byte
	state  keyringState
	keys   map[string][]byte
}

// deriveKey expands the master key into the 32-byte AES key for one
// key-version using HKDF-SHA256 with the version ID as context info.
func deriveKey(master []byte, versionID string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("sessionkit/secret/"+versionID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key for version %s: %w", versionID, err)
	}
	return key, nil
}

func newKeyring(master []byte) *keyring {
	return &keyring{master: master, keys: make(map[string][]byte)}
}

// load replaces the keyring state with the persisted one, keeping any derived
// keys that are still referenced.
func (k *keyring) load(ctx context.Context, backend storage.Backend) (bool, error) {
	raw, found, err := backend.Get(ctx, keyringStorageKey)
	if err != nil {
		return false, fmt.Errorf("failed to read keyring: %w", err)
	}
	if !found {
		return false, nil
	}
	var state keyringState
	if err := json.Unmarshal(raw, &state); err != nil {
		return false, fmt.Errorf("failed to decode keyring: %w", err)
	}
	k.state = state
	return true, nil
}

func (k *keyring) save(ctx context.Context, backend storage.Backend) error {
	raw, err := json.Marshal(k.state)
	if err != nil {
		return fmt.Errorf("failed to encode keyring: %w", err)
	}
	if err := backend.Put(ctx, keyringStorageKey, raw); err != nil {
		return fmt.Errorf("failed to persist keyring: %w", err)
	}
	return nil
}

// rotate mints a new current key-version. Prior versions stay available for
// decryption until their secrets are re-encrypted.
func (k *keyring) rotate(now time.Time) keyVersion {
	v := keyVersion{ID: uuid.NewString(), CreatedAt: now}
	k.state.Versions = append(k.state.Versions, v)
	k.state.Current = v.ID
	return v
}

func (k *keyring) current() *keyVersion {
	return k.version(k.state.Current)
}

func (k *keyring) version(id string) *keyVersion {
	for i := range k.state.Versions {
		if k.state.Versions[i].ID == id {
			return &k.state.Versions[i]
		}
	}
	return nil
}

// keyFor returns the derived key for a version, deriving and caching it on
// first use. Unknown versions return an error.
func (k *keyring) keyFor(versionID string) ([]byte, error) {
	if key, ok := k.keys[versionID]; ok {
		return key, nil
	}
	if k.version(versionID) == nil {
		return nil, fmt.Errorf("unknown key version %s", versionID)
	}
	key, err := deriveKey(k.master, versionID)
	if err != nil {
		return nil, err
	}
	k.keys[versionID] = key
	return key, nil
}

// wornOut reports whether the current version exceeds policy.
func (k *keyring) wornOut(policy RotationPolicy, now time.Time) bool {
	cur := k.current()
	if cur == nil {
		return true
	}
	if policy.MaxAge > 0 && now.Sub(cur.CreatedAt) > policy.MaxAge {
		return true
	}
	if policy.MaxUses > 0 && cur.Uses >= policy.MaxUses {
		return true
	}
	return false
}
