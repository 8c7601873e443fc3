package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-process shared store. Each call to Open yields a
// Backend modelling one execution context; all of them see the same data and
// observe each other's writes. Intended for tests and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	notifier *Notifier
}

// NewMemoryStore creates an empty shared store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		notifier: NewNotifier(),
	}
}

// Open attaches a new execution context to the store.
func (s *MemoryStore) Open() Backend {
	return &memoryBackend{
		store:  s,
		origin: s.notifier.NewOrigin(),
	}
}

type memoryBackend struct {
	store   *MemoryStore
	origin  int
	mu      sync.Mutex
	cancels []func()
	closed  bool
}

func (b *memoryBackend) Put(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	b.store.mu.Lock()
	b.store.data[key] = cp
	b.store.mu.Unlock()

	b.store.notifier.Broadcast(b.origin, Change{Key: key, Value: cp})
	return nil
}

func (b *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	v, ok := b.store.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) error {
	b.store.mu.Lock()
	_, existed := b.store.data[key]
	delete(b.store.data, key)
	b.store.mu.Unlock()

	if existed {
		b.store.notifier.Broadcast(b.origin, Change{Key: key, Deleted: true})
	}
	return nil
}

func (b *memoryBackend) Watch(fn WatchFunc) func() {
	cancel := b.store.notifier.Subscribe(b.origin, fn)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()
	return cancel
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	return nil
}
