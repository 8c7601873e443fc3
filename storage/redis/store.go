// Package redis provides a storage backend on a shared Redis instance, for
// deployments where execution contexts are separate processes. Mutations are
// mirrored onto a pub/sub channel so every other context observes them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/sessionkit/storage"
)

// Backend implements storage.Backend using Redis. Each Backend instance is
// one execution context and carries its own writer identity so its pub/sub
// echo can be dropped.
type Backend struct {
	client *redis.Client
	prefix string
	writer string

	mu      sync.Mutex
	subs    map[int]storage.WatchFunc
	nextSub int
	pubsub  *redis.PubSub
	done    chan struct{}
}

// NewBackend creates a Backend instance over the given client. Keys and the
// change channel are namespaced with prefix.
func NewBackend(client *redis.Client, prefix string) *Backend {
	return &Backend{
		client: client,
		prefix: prefix,
		writer: uuid.NewString(),
		subs:   make(map[int]storage.WatchFunc),
	}
}

type changeMessage struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Writer  string `json:"writer"`
}

func (b *Backend) dataKey(key string) string {
	return fmt.Sprintf("%s:secret:%s", b.prefix, key)
}

func (b *Backend) channel() string {
	return fmt.Sprintf("%s:changes", b.prefix)
}

func (b *Backend) publish(ctx context.Context, msg changeMessage) {
	msg.Writer = b.writer
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal change message")
		return
	}
	if err := b.client.Publish(ctx, b.channel(), payload).Err(); err != nil {
		log.Warn().Err(err).Str("key", msg.Key).Msg("failed to publish change")
	}
}

// Put stores value under key and notifies the other contexts.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, b.dataKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %q in redis: %w", key, err)
	}
	b.publish(ctx, changeMessage{Key: key, Value: value})
	return nil
}

// Get retrieves the value under key. Absence is not an error.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.client.Get(ctx, b.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q from redis: %w", key, err)
	}
	return v, true, nil
}

// Delete removes key and notifies the other contexts when it existed.
func (b *Backend) Delete(ctx context.Context, key string) error {
	n, err := b.client.Del(ctx, b.dataKey(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %q from redis: %w", key, err)
	}
	if n > 0 {
		b.publish(ctx, changeMessage{Key: key, Deleted: true})
	}
	return nil
}

// Watch registers fn for changes made by other contexts. The subscription to
// the change channel is established lazily on the first watcher.
func (b *Backend) Watch(fn storage.WatchFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	b.subs[id] = fn

	if b.pubsub == nil {
		b.pubsub = b.client.Subscribe(context.Background(), b.channel())
		b.done = make(chan struct{})
		go b.receive(b.pubsub.Channel(), b.done)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Backend) receive(ch <-chan *redis.Message, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change changeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.Warn().Err(err).Msg("malformed change message, dropping")
				continue
			}
			if change.Writer == b.writer {
				continue
			}
			b.mu.Lock()
			fns := make([]storage.WatchFunc, 0, len(b.subs))
			for _, fn := range b.subs {
				fns = append(fns, fn)
			}
			b.mu.Unlock()
			for _, fn := range fns {
				fn(storage.Change{Key: change.Key, Value: change.Value, Deleted: change.Deleted})
			}
		}
	}
}

// Close tears down the pub/sub subscription. The redis client itself is owned
// by the caller.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		close(b.done)
		if err := b.pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub: %w", err)
		}
		b.pubsub = nil
	}
	return nil
}
