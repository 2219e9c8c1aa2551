package progress

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/event"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent()
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubFlushesFinishedStageEarly delivers a stage's events as soon as it
// reaches done, without waiting for the flush interval or other stages.
func TestHubFlushesFinishedStageEarly(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(stageEvent("rewrite", event.StageUpdate{Status: "processing", Progress: 10}))
	hub.Emit(stageEvent("images", event.Token{Content: "a", CumulativeText: "a"}))
	hub.Emit(stageEvent("rewrite", event.Done{Result: "ok"}))

	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, 200*time.Millisecond, 5*time.Millisecond)
	first := sink.Batches()[0]
	require.Len(t, first, 2)
	require.Equal(t, "rewrite", first[0].SubID)
	require.Equal(t, event.KindDone, first[1].Kind())

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 2)
	require.Len(t, batches[1], 1)
	require.Equal(t, "images", batches[1][0].SubID)
}

// TestHubGroupsPendingByStage keeps each stage's events contiguous and in
// arrival order when unfinished stages are flushed together.
func TestHubGroupsPendingByStage(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(stageEvent("a", event.Progress{Current: 1, Total: 3}))
	hub.Emit(stageEvent("b", event.Progress{Current: 1, Total: 3}))
	hub.Emit(stageEvent("a", event.Progress{Current: 2, Total: 3}))
	hub.Emit(stageEvent("b", event.Progress{Current: 2, Total: 3}))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	var order []string
	for _, evt := range batches[0] {
		p := evt.Payload.(event.Progress)
		order = append(order, evt.SubID+":"+strconv.Itoa(p.Current))
	}
	require.Equal(t, []string{"a:1", "a:2", "b:1", "b:2"}, order)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent())
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		in:     make(chan event.Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent())
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent()
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]event.Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]event.Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]event.Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]event.Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]event.Event(nil), b...)
	}
	return out
}

func sampleEvent() event.Event {
	return event.Event{
		Channel:   "ai_story:proj123:rewrite",
		GroupID:   "proj123",
		SubID:     "rewrite",
		Timestamp: time.Now(),
		Payload:   event.StageUpdate{Status: "processing", Progress: 10},
	}
}

// TestHubDiscardsInvalidEvents keeps bridge sentinels and incomplete envelopes out of sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: time.Minute}, sink)

	bad := sampleEvent()
	bad.Payload = event.Connected{Message: "hi"}
	hub.Emit(bad)
	missing := sampleEvent()
	missing.GroupID = ""
	hub.Emit(missing)
	hub.Emit(sampleEvent())

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

// TestHubCountsDrops verifies backpressure drops are tallied.
func TestHubCountsDrops(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		in:     make(chan event.Event),
		logger: zap.NewNop(),
		warn:   RateLimiter{Interval: time.Hour},
	}
	hub.Emit(sampleEvent())
	hub.Emit(sampleEvent())
	require.Equal(t, int64(2), hub.Dropped())
}

// TestHubEmitAfterClose ignores late events.
func TestHubEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent())
	require.Empty(t, sink.Batches())
}

func stageEvent(sub string, payload event.Payload) event.Event {
	return event.Event{
		Channel:   "ai_story:proj123:" + sub,
		GroupID:   "proj123",
		SubID:     sub,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(sampleEvent()))

	noStamp := sampleEvent()
	noStamp.Timestamp = time.Time{}
	require.Error(t, Validate(noStamp))

	emptyErr := sampleEvent()
	emptyErr.Payload = event.Error{}
	require.Error(t, Validate(emptyErr))

	negative := sampleEvent()
	negative.Payload = event.Progress{Current: -1, Total: 3}
	require.Error(t, Validate(negative))
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	limiter := &RateLimiter{Interval: time.Second}
	start := time.Unix(100, 0)
	require.True(t, limiter.Allow(start))
	require.False(t, limiter.Allow(start.Add(500*time.Millisecond)))
	require.True(t, limiter.Allow(start.Add(1500*time.Millisecond)))

	var unlimited RateLimiter
	require.True(t, unlimited.Allow(start))
	require.True(t, unlimited.Allow(start))
}
