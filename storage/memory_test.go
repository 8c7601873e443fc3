package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendPutGetDelete(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStore().Open()

	_, found, err := backend.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, backend.Put(ctx, "k", []byte("v1")))
	v, found, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, backend.Put(ctx, "k", []byte("v2")))
	v, _, _ = backend.Get(ctx, "k")
	assert.Equal(t, []byte("v2"), v, "put must fully overwrite")

	require.NoError(t, backend.Delete(ctx, "k"))
	_, found, err = backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryBackendWatchSuppressesWriter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	writer := store.Open()
	reader := store.Open()

	var mu sync.Mutex
	var writerSaw, readerSaw []Change
	writer.Watch(func(c Change) {
		mu.Lock()
		writerSaw = append(writerSaw, c)
		mu.Unlock()
	})
	reader.Watch(func(c Change) {
		mu.Lock()
		readerSaw = append(readerSaw, c)
		mu.Unlock()
	})

	require.NoError(t, writer.Put(ctx, "k", []byte("v")))
	require.NoError(t, writer.Delete(ctx, "k"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readerSaw) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, writerSaw, "writer must not observe its own writes")
	assert.Equal(t, Change{Key: "k", Value: []byte("v")}, readerSaw[0])
	assert.Equal(t, Change{Key: "k", Deleted: true}, readerSaw[1])
}

func TestMemoryBackendWatchPreservesWriteOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	writer := store.Open()
	reader := store.Open()

	var mu sync.Mutex
	var saw []string
	reader.Watch(func(c Change) {
		mu.Lock()
		saw = append(saw, c.Key)
		mu.Unlock()
	})

	var want []string
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%02d", i)
		want = append(want, key)
		require.NoError(t, writer.Put(ctx, key, []byte("v")))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saw) == len(want)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, saw, "changes must arrive in write order")
}

func TestMemoryBackendDeleteMissingIsSilent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	writer := store.Open()
	reader := store.Open()

	var mu sync.Mutex
	var saw []Change
	reader.Watch(func(c Change) {
		mu.Lock()
		saw = append(saw, c)
		mu.Unlock()
	})

	require.NoError(t, writer.Delete(ctx, "never-existed"))
	// A later write flushes the queue; if the delete had notified it would
	// arrive first.
	require.NoError(t, writer.Put(ctx, "marker", []byte("1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saw) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, saw, 1, "deleting a missing key must not notify")
	assert.Equal(t, "marker", saw[0].Key)
}

func TestMemoryBackendWatchCancel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	writer := store.Open()
	reader := store.Open()

	var mu sync.Mutex
	var saw int
	cancel := reader.Watch(func(Change) {
		mu.Lock()
		saw++
		mu.Unlock()
	})

	require.NoError(t, writer.Put(ctx, "a", []byte("1")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return saw == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, writer.Put(ctx, "b", []byte("2")))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, saw)
}
