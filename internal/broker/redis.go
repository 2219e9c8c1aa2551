package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/channel"
)

const (
	defaultPoolSize       = 10
	defaultMinIdleConns   = 2
	defaultDialTimeout    = 5 * time.Second
	defaultConnectTimeout = 15 * time.Second
	initialBackoff        = 100 * time.Millisecond
	maxBackoff            = 2 * time.Second
)

// RedisConfig describes the Redis connection pool shared by every publisher
// and subscriber of the process.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	// ConnectTimeout bounds the startup ping, including retries.
	ConnectTimeout time.Duration
	// SubscriberBuffer is the per-subscription queue length (default 256).
	SubscriberBuffer int
}

// RedisBroker implements Broker on Redis PUBLISH/SUBSCRIBE. One pooled client
// is shared by all callers; each subscription holds its own pub/sub connection
// for as long as it is open.
type RedisBroker struct {
	client  *redis.Client
	logger  *zap.Logger
	bufSize int

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBroker dials Redis and verifies the connection with a ping retried
// under an exponential backoff.
func NewRedisBroker(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisBroker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis broker: addr is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MinIdleConns < 0 {
		cfg.MinIdleConns = 0
	} else if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaultMinIdleConns
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})
	b := &RedisBroker{
		client:  client,
		logger:  logger.Named("redis_broker"),
		bufSize: cfg.SubscriberBuffer,
		subs:    make(map[*redisSub]struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initialBackoff),
		backoff.WithMaxInterval(maxBackoff),
	), pingCtx)
	err := backoff.RetryNotify(func() error {
		return client.Ping(pingCtx).Err()
	}, policy, func(err error, next time.Duration) {
		b.logger.Warn("redis ping failed, retrying", zap.String("addr", cfg.Addr), zap.Duration("next_attempt", next), zap.Error(err))
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return b, nil
}

// Publish issues a single PUBLISH. Failures are returned, never retried.
func (b *RedisBroker) Publish(ctx context.Context, name string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, name, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", name, err)
	}
	return nil
}

// Subscribe opens a SUBSCRIBE, or a PSUBSCRIBE for group wildcards, and waits
// for Redis to confirm it before returning.
func (b *RedisBroker) Subscribe(ctx context.Context, name string) (Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	wildcard := channel.IsWildcard(name)
	var pubsub *redis.PubSub
	if wildcard {
		pubsub = b.client.PSubscribe(ctx, name)
	} else {
		pubsub = b.client.Subscribe(ctx, name)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	sub := &redisSub{
		broker:   b,
		pubsub:   pubsub,
		pattern:  name,
		wildcard: wildcard,
		out:      make(chan Message, b.bufSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub, nil
}

// Ping checks the pooled connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close ends every open subscription and releases the pool.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return b.client.Close()
}

// PoolStats exposes the go-redis pool counters for metrics.
func (b *RedisBroker) PoolStats() *redis.PoolStats {
	return b.client.PoolStats()
}

func (b *RedisBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBroker) forget(sub *redisSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

type redisSub struct {
	broker   *RedisBroker
	pubsub   *redis.PubSub
	pattern  string
	wildcard bool
	out      chan Message

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSub) Messages() <-chan Message {
	return s.out
}

// Close unsubscribes and waits for the pump to exit.
func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.pubsub.Close()
		<-s.done
		s.broker.forget(s)
	})
	return err
}

func (s *redisSub) pump() {
	defer close(s.done)
	defer close(s.out)

	in := s.pubsub.Channel()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			// PSUBSCRIBE is a glob; keep only direct children of the group.
			if s.wildcard && !channel.Matches(s.pattern, msg.Channel) {
				continue
			}
			select {
			case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.stop:
				return
			}
		}
	}
}

var (
	_ Broker       = (*RedisBroker)(nil)
	_ Subscription = (*redisSub)(nil)
)
