package storage

import "context"

// Change describes a single mutation applied to the backing store.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// WatchFunc receives changes made by other execution contexts. The writer's
// own watchers are never invoked for its writes.
type WatchFunc func(Change)

// Backend is one execution context's handle on the shared key-value store.
// Implementations must provide atomic overwrite and delete, and must notify
// every other context's watchers of each mutation.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Watch(fn WatchFunc) (cancel func())
	Close() error
}
