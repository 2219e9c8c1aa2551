package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/stagestream/internal/channel"
)

const defaultSubscriberBuffer = 256

// MemoryConfig configures an in-process broker.
type MemoryConfig struct {
	// SubscriberBuffer is the per-subscription queue length (default 256).
	// Messages are dropped for a subscriber whose queue is full.
	SubscriberBuffer int
}

// MemoryBroker is an in-process Broker. It is used by tests and single-node
// deployments that do not need a shared transport.
type MemoryBroker struct {
	mu      sync.RWMutex
	exact   map[string]map[*memorySub]struct{}
	pattern map[string]map[*memorySub]struct{}
	bufSize int
	closed  bool
	dropped atomic.Int64
}

// NewMemoryBroker builds an empty in-process broker.
func NewMemoryBroker(cfg MemoryConfig) *MemoryBroker {
	size := cfg.SubscriberBuffer
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	return &MemoryBroker{
		exact:   make(map[string]map[*memorySub]struct{}),
		pattern: make(map[string]map[*memorySub]struct{}),
		bufSize: size,
	}
}

// Publish copies payload to every exact and matching wildcard subscriber.
func (b *MemoryBroker) Publish(_ context.Context, name string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	msg := Message{Channel: name, Payload: append([]byte(nil), payload...)}
	for sub := range b.exact[name] {
		if !sub.send(msg) {
			b.dropped.Add(1)
		}
	}
	for pattern, subs := range b.pattern {
		if !channel.Matches(pattern, name) {
			continue
		}
		for sub := range subs {
			if !sub.send(msg) {
				b.dropped.Add(1)
			}
		}
	}
	return nil
}

// Subscribe registers a new subscription. Patterns ending in ":*" are treated
// as group wildcards.
func (b *MemoryBroker) Subscribe(ctx context.Context, name string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	registry := b.exact
	if channel.IsWildcard(name) {
		registry = b.pattern
	}
	sub := &memorySub{
		broker:   b,
		name:     name,
		wildcard: channel.IsWildcard(name),
		ch:       make(chan Message, b.bufSize),
	}
	if registry[name] == nil {
		registry[name] = make(map[*memorySub]struct{})
	}
	registry[name][sub] = struct{}{}
	return sub, nil
}

// Ping fails only once the broker is closed.
func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every subscription. Further publishes return ErrClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, registry := range []map[string]map[*memorySub]struct{}{b.exact, b.pattern} {
		for name, subs := range registry {
			for sub := range subs {
				sub.close()
			}
			delete(registry, name)
		}
	}
	return nil
}

// Subscribers returns the number of live registrations on an exact channel or
// pattern.
func (b *MemoryBroker) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if channel.IsWildcard(name) {
		return len(b.pattern[name])
	}
	return len(b.exact[name])
}

// Dropped returns how many deliveries were discarded because a subscriber's
// queue was full.
func (b *MemoryBroker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *MemoryBroker) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	registry := b.exact
	if sub.wildcard {
		registry = b.pattern
	}
	if subs, ok := registry[sub.name]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(registry, sub.name)
		}
	}
	sub.close()
}

type memorySub struct {
	broker   *MemoryBroker
	name     string
	wildcard bool
	ch       chan Message

	mu     sync.Mutex
	closed bool
}

func (s *memorySub) Messages() <-chan Message {
	return s.ch
}

// Close deregisters from the broker. It is safe to call more than once.
func (s *memorySub) Close() error {
	s.broker.remove(s)
	return nil
}

func (s *memorySub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send reports false when the message had to be dropped.
func (s *memorySub) send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

var (
	_ Broker       = (*MemoryBroker)(nil)
	_ Subscription = (*memorySub)(nil)
)
