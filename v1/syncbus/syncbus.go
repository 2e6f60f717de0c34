// Package syncbus carries lock release notifications between fill lock
// waiters. Notifications are hints: waiters still poll the store, so a lost
// message only delays a wakeup until the next poll.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a minimal topic based pub/sub mechanism.
type Bus interface {
	// Publish notifies every current subscriber of topic.
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel receiving one value per notification. The
	// subscription ends, and the channel is closed, when ctx is done or
	// Unsubscribe is called.
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	// Unsubscribe ends the subscription owning ch.
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// InMemoryBus is a process local Bus.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Delivery never blocks: a subscriber that
// has not drained its previous notification simply keeps that one.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	for _, ch := range b.subs[topic] {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[topic] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

// Metrics reports publish and delivery counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
