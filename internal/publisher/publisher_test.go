package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/event"
)

func subscribe(t *testing.T, b broker.Broker, name string) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func next(t *testing.T, sub broker.Subscription) event.Event {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		evt, err := event.Decode(msg.Payload)
		require.NoError(t, err)
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func TestPublisherScenario(t *testing.T) {
	t.Parallel()

	b := broker.NewMemoryBroker(broker.MemoryConfig{})
	sub := subscribe(t, b, "ai_story:proj123:rewrite")

	pub, err := New(b, channel.DefaultNamespace, "proj123", "rewrite", Config{})
	require.NoError(t, err)
	require.Equal(t, "ai_story:proj123:rewrite", pub.Channel())

	pub.EmitToken("Hello", "Hello")
	pub.EmitToken(" World", "Hello World")
	pub.EmitDone("Hello World", map[string]any{"tokens": 2})
	require.NoError(t, pub.Close(context.Background()))

	first := next(t, sub)
	require.Equal(t, event.Token{Content: "Hello", CumulativeText: "Hello"}, first.Payload)
	require.Equal(t, "proj123", first.GroupID)
	require.Equal(t, "rewrite", first.SubID)
	require.Equal(t, event.Token{Content: " World", CumulativeText: "Hello World"}, next(t, sub).Payload)
	done := next(t, sub)
	require.Equal(t, event.Done{Result: "Hello World", Metadata: map[string]any{"tokens": float64(2)}}, done.Payload)
	require.False(t, done.Timestamp.Before(first.Timestamp))

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected fourth message %s", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublisherDropsAfterTerminal(t *testing.T) {
	t.Parallel()

	b := broker.NewMemoryBroker(broker.MemoryConfig{})
	sub := subscribe(t, b, "ai_story:p1:s")
	m := &recordingMetrics{}
	core, logs := observer.New(zap.WarnLevel)

	pub, err := New(b, channel.DefaultNamespace, "p1", "s", Config{}, WithMetrics(m), WithLogger(zap.New(core)))
	require.NoError(t, err)
	pub.EmitError("API call failed: timeout", event.IntPtr(1))
	require.True(t, pub.Terminated())
	pub.EmitToken("late", "late")
	pub.EmitDone("", nil)
	require.NoError(t, pub.Close(context.Background()))

	evt := next(t, sub)
	require.Equal(t, event.Error{Message: "API call failed: timeout", RetryCount: event.IntPtr(1)}, evt.Payload)
	require.Equal(t, 2, m.dropped(DropAfterTerminal))
	require.Equal(t, 1, m.published(event.KindError))
	require.NotZero(t, logs.FilterMessage("progress event dropped").Len())
}

func TestPublisherDerivesCumulativeText(t *testing.T) {
	t.Parallel()

	b := broker.NewMemoryBroker(broker.MemoryConfig{})
	sub := subscribe(t, b, "ai_story:p1:s")
	m := &recordingMetrics{}

	pub, err := New(b, channel.DefaultNamespace, "p1", "s", Config{}, WithMetrics(m))
	require.NoError(t, err)
	pub.EmitToken("Hel", "")
	pub.EmitToken("lo", "")
	pub.EmitToken("x", "H")
	pub.EmitDone("Hello", nil)
	require.NoError(t, pub.Close(context.Background()))

	require.Equal(t, "Hel", next(t, sub).Payload.(event.Token).CumulativeText)
	require.Equal(t, "Hello", next(t, sub).Payload.(event.Token).CumulativeText)
	require.Equal(t, event.KindDone, next(t, sub).Kind())
	require.Equal(t, 1, m.dropped(DropTokenShrank))
}

func TestPublisherSwallowsBrokerFailures(t *testing.T) {
	t.Parallel()

	m := &recordingMetrics{}
	core, logs := observer.New(zap.WarnLevel)
	pub, err := New(failingBroker{}, channel.DefaultNamespace, "p1", "s", Config{},
		WithMetrics(m), WithLogger(zap.New(core)))
	require.NoError(t, err)

	pub.EmitStageUpdate("processing", 10, "start")
	pub.EmitDone("", nil)
	require.NoError(t, pub.Close(context.Background()))

	require.Equal(t, 2, m.failed())
	require.Equal(t, 2, logs.FilterMessage("publish progress event failed").Len())
}

func TestPublisherEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	blocking := newBlockingBroker()
	m := &recordingMetrics{}
	pub, err := New(blocking, channel.DefaultNamespace, "p1", "s", Config{QueueSize: 2, PublishTimeout: time.Minute},
		WithMetrics(m))
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 50; i++ {
		pub.EmitProgress(i, 50, "")
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Positive(t, m.dropped(DropQueueFull))

	close(blocking.release)
	require.NoError(t, pub.Close(context.Background()))
}

func TestPublisherCloseHonorsContext(t *testing.T) {
	t.Parallel()

	blocking := newBlockingBroker()
	pub, err := New(blocking, channel.DefaultNamespace, "p1", "s", Config{PublishTimeout: time.Minute})
	require.NoError(t, err)
	pub.EmitStageUpdate("processing", 0, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pub.Close(ctx), context.DeadlineExceeded)

	close(blocking.release)
	require.NoError(t, pub.Close(context.Background()))

	m := &recordingMetrics{}
	pub.metrics = m
	pub.EmitToken("a", "a")
	require.Equal(t, 1, m.dropped(DropClosed))
}

func TestPublisherValidation(t *testing.T) {
	t.Parallel()

	b := broker.NewMemoryBroker(broker.MemoryConfig{})
	_, err := New(nil, channel.DefaultNamespace, "p1", "s", Config{})
	require.Error(t, err)
	_, err = New(b, channel.DefaultNamespace, "p1", "", Config{})
	require.ErrorIs(t, err, channel.ErrInvalidID)
	_, err = New(b, channel.DefaultNamespace, "p:1", "s", Config{})
	require.ErrorIs(t, err, channel.ErrInvalidID)
}

type steppedClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return next
}

func TestPublisherTimestampsNonDecreasing(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := &recordingObserver{}
	pub, err := New(broker.NewMemoryBroker(broker.MemoryConfig{}), channel.DefaultNamespace, "p1", "s", Config{},
		WithObserver(obs),
		WithClock(&steppedClock{times: []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}}))
	require.NoError(t, err)

	pub.EmitStageUpdate("processing", 0, "")
	pub.EmitProgress(1, 2, "one")
	pub.EmitProgress(2, 2, "two")
	require.NoError(t, pub.Close(context.Background()))

	events := obs.Events()
	require.Len(t, events, 3)
	require.Equal(t, base, events[0].Timestamp)
	require.Equal(t, base, events[1].Timestamp)
	require.Equal(t, base.Add(time.Second), events[2].Timestamp)
	require.Equal(t, 100, events[2].Payload.(event.Progress).Percent)
}

func TestPublisherOrderingProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		b := broker.NewMemoryBroker(broker.MemoryConfig{SubscriberBuffer: 512})
		defer b.Close()
		sub, err := b.Subscribe(context.Background(), "ai_story:g:s")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		pub, err := New(b, channel.DefaultNamespace, "g", "s", Config{})
		if err != nil {
			t.Fatalf("new: %v", err)
		}

		steps := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 60).Draw(t, "steps")
		var want []event.Kind
		terminated := false
		for i, step := range steps {
			var kind event.Kind
			switch step {
			case 0:
				pub.EmitToken("x", "")
				kind = event.KindToken
			case 1:
				pub.EmitStageUpdate("processing", i, "")
				kind = event.KindStageUpdate
			case 2:
				pub.EmitProgress(i, len(steps), "")
				kind = event.KindProgress
			case 3:
				pub.EmitDone("", nil)
				kind = event.KindDone
			case 4:
				pub.EmitError("failed", nil)
				kind = event.KindError
			}
			if !terminated {
				want = append(want, kind)
				terminated = kind == event.KindDone || kind == event.KindError
			}
		}
		if err := pub.Close(context.Background()); err != nil {
			t.Fatalf("close: %v", err)
		}
		_ = b.Close()

		var got []event.Kind
		lastLen := 0
		for msg := range sub.Messages() {
			evt, err := event.Decode(msg.Payload)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tok, ok := evt.Payload.(event.Token); ok {
				if len(tok.CumulativeText) < lastLen {
					t.Fatalf("cumulative text shrank")
				}
				lastLen = len(tok.CumulativeText)
			}
			got = append(got, evt.Kind())
		}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("event %d: got %s, want %s", i, got[i], want[i])
			}
		}
	})
}

type recordingMetrics struct {
	mu         sync.Mutex
	publishes  map[event.Kind]int
	failures   int
	dropReason map[string]int
}

func (m *recordingMetrics) EventPublished(kind event.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishes == nil {
		m.publishes = make(map[event.Kind]int)
	}
	m.publishes[kind]++
}

func (m *recordingMetrics) PublishFailed(event.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *recordingMetrics) EventDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropReason == nil {
		m.dropReason = make(map[string]int)
	}
	m.dropReason[reason]++
}

func (m *recordingMetrics) published(kind event.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishes[kind]
}

func (m *recordingMetrics) failed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *recordingMetrics) dropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropReason[reason]
}

type recordingObserver struct {
	mu     sync.Mutex
	events []event.Event
}

func (o *recordingObserver) Emit(evt event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, evt)
}

func (o *recordingObserver) Events() []event.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]event.Event(nil), o.events...)
}

var errUnreachable = errors.New("broker unreachable")

type failingBroker struct{}

func (failingBroker) Publish(context.Context, string, []byte) error { return errUnreachable }
func (failingBroker) Subscribe(context.Context, string) (broker.Subscription, error) {
	return nil, errUnreachable
}
func (failingBroker) Ping(context.Context) error { return errUnreachable }
func (failingBroker) Close() error               { return nil }

type blockingBroker struct {
	failingBroker
	release chan struct{}
}

func newBlockingBroker() *blockingBroker {
	return &blockingBroker{release: make(chan struct{})}
}

func (b *blockingBroker) Publish(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
