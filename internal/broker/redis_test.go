package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	b, err := NewRedisBroker(context.Background(), RedisConfig{
		Addr:           srv.Addr(),
		PoolSize:       4,
		ConnectTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, srv
}

func TestRedisBrokerPublishSubscribe(t *testing.T) {
	t.Parallel()

	b, _ := newRedisBroker(t)
	first, err := b.Subscribe(context.Background(), "ai_story:p1:rewrite")
	require.NoError(t, err)
	second, err := b.Subscribe(context.Background(), "ai_story:p1:rewrite")
	require.NoError(t, err)

	for _, payload := range []string{"one", "two", "three"} {
		require.NoError(t, b.Publish(context.Background(), "ai_story:p1:rewrite", []byte(payload)))
	}
	for _, sub := range []Subscription{first, second} {
		for _, want := range []string{"one", "two", "three"} {
			msg := receive(t, sub)
			require.Equal(t, "ai_story:p1:rewrite", msg.Channel)
			require.Equal(t, want, string(msg.Payload))
		}
	}
}

func TestRedisBrokerPublishWithoutSubscribers(t *testing.T) {
	t.Parallel()

	b, _ := newRedisBroker(t)
	require.NoError(t, b.Publish(context.Background(), "ai_story:p1:none", []byte("x")))
}

func TestRedisBrokerWildcard(t *testing.T) {
	t.Parallel()

	b, _ := newRedisBroker(t)
	sub, err := b.Subscribe(context.Background(), "ai_story:p1:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "ai_story:p1:a", []byte("a")))
	require.NoError(t, b.Publish(context.Background(), "ai_story:p1:a:nested", []byte("nested")))
	require.NoError(t, b.Publish(context.Background(), "ai_story:p2:a", []byte("other")))
	require.NoError(t, b.Publish(context.Background(), "ai_story:p1:b", []byte("b")))

	require.Equal(t, "ai_story:p1:a", receive(t, sub).Channel)
	require.Equal(t, "ai_story:p1:b", receive(t, sub).Channel)
	requireEmpty(t, sub)
}

func TestRedisBrokerCloseSubscription(t *testing.T) {
	t.Parallel()

	b, _ := newRedisBroker(t)
	sub, err := b.Subscribe(context.Background(), "ai_story:p1:s")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, ok := <-sub.Messages()
	require.False(t, ok)
	b.mu.Lock()
	require.Empty(t, b.subs)
	b.mu.Unlock()
}

func TestRedisBrokerCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	b, err := NewRedisBroker(context.Background(), RedisConfig{Addr: srv.Addr(), ConnectTimeout: time.Second}, nil)
	require.NoError(t, err)
	sub, err := b.Subscribe(context.Background(), "ai_story:p1:s")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-sub.Messages()
	require.False(t, ok)
	require.ErrorIs(t, b.Publish(context.Background(), "ai_story:p1:s", nil), ErrClosed)
	require.ErrorIs(t, b.Ping(context.Background()), ErrClosed)
}

func TestRedisBrokerPing(t *testing.T) {
	t.Parallel()

	srv, err := miniredis.Run()
	require.NoError(t, err)
	b, err := NewRedisBroker(context.Background(), RedisConfig{Addr: srv.Addr(), ConnectTimeout: time.Second}, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Ping(context.Background()))
	srv.Close()
	require.Error(t, b.Ping(context.Background()))
}

func TestNewRedisBrokerUnreachable(t *testing.T) {
	t.Parallel()

	_, err := NewRedisBroker(context.Background(), RedisConfig{
		Addr:           "127.0.0.1:1",
		DialTimeout:    50 * time.Millisecond,
		ConnectTimeout: 200 * time.Millisecond,
	}, zap.NewNop())
	require.Error(t, err)

	_, err = NewRedisBroker(context.Background(), RedisConfig{}, nil)
	require.Error(t, err)
}
