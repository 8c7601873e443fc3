// Package bbolt provides a file-backed storage backend. Execution contexts
// attached through Open share one database file and one in-process notifier;
// cross-process deployments should use the redis backend instead, since bbolt
// holds an exclusive file lock.
package bbolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"go.pilab.hu/sessionkit/storage"
)

const bucketName = "sessionkit"

// Store wraps a bbolt database shared by in-process execution contexts.
type Store struct {
	db       *bbolt.DB
	notifier *storage.Notifier
}

// New opens (creating if necessary) the database at dbPath and ensures the
// storage bucket exists.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to check database directory %s: %w", dir, err)
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db, notifier: storage.NewNotifier()}, nil
}

// Open attaches a new execution context to the store.
func (s *Store) Open() storage.Backend {
	return &backend{store: s, origin: s.notifier.NewOrigin()}
}

// Close closes the underlying database. Call only after every attached
// context is done.
func (s *Store) Close() error {
	return s.db.Close()
}

type backend struct {
	store  *Store
	origin int
}

func (b *backend) Put(_ context.Context, key string, value []byte) error {
	err := b.store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	b.store.notifier.Broadcast(b.origin, storage.Change{Key: key, Value: cp})
	return nil
}

func (b *backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.store.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v != nil {
			found = true
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, found, nil
}

func (b *backend) Delete(_ context.Context, key string) error {
	var existed bool
	err := b.store.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		existed = bkt.Get([]byte(key)) != nil
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}

	if existed {
		b.store.notifier.Broadcast(b.origin, storage.Change{Key: key, Deleted: true})
	}
	return nil
}

func (b *backend) Watch(fn storage.WatchFunc) func() {
	return b.store.notifier.Subscribe(b.origin, fn)
}

func (b *backend) Close() error { return nil }
