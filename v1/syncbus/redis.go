package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces bus topics inside Redis pub/sub.
const DefaultChannelPrefix = "fillcache:"

// RedisBus implements Bus over Redis pub/sub so waiters in other processes
// wake up as soon as a lock is released.
type RedisBus struct {
	client redis.UniversalClient
	prefix string

	mu   sync.Mutex
	subs map[chan struct{}]*redis.PubSub
}

// NewRedisBus returns a RedisBus publishing on channels named prefix+topic.
// An empty prefix selects DefaultChannelPrefix.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBus{client: client, prefix: prefix, subs: make(map[chan struct{}]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	return b.client.Publish(ctx, b.prefix+topic, "1").Err()
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so a Publish issued afterwards is not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ps := b.client.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		defer close(ch)
		for range msgs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The channel is closed once the
// underlying Redis subscription has shut down.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}
