package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/event"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: events waiting for the hub goroutine (default 4096).
//   - MaxBatchEvents: pending events, across all stages, that force a flush (default 1000).
//   - MaxBatchWait: flush interval for stages that have not finished (default 500ms).
//   - SinkTimeout: per-sink timeout while delivering (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub observes the events accepted by in-process publishers and delivers them
// to sinks grouped by stage. A stage's pending events go out as soon as its
// done or error event arrives, so status rows reach their final state without
// waiting for the flush interval. Unfinished stages are flushed together on
// every tick. Emit never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan event.Event
	quit   chan struct{}
	exited chan struct{}
	logger *zap.Logger

	warn       RateLimiter
	drops      atomic.Int64
	unreported atomic.Int64
	closing    atomic.Bool

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewHub starts the delivery goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  slices.DeleteFunc(slices.Clone(sinks), func(s Sink) bool { return s == nil }),
		in:     make(chan event.Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger,
		warn:   RateLimiter{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit hands evt to the hub. Invalid events are discarded; when the buffer is
// full the event is dropped and counted.
func (h *Hub) Emit(evt event.Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := Validate(evt); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("kind", string(evt.Kind())), zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
		return
	default:
	}
	h.drops.Add(1)
	n := h.unreported.Add(1)
	if h.warn.Allow(time.Now()) {
		h.unreported.Add(-n)
		h.logger.Warn("progress events dropped, hub buffer full",
			zap.Int64("dropped", n),
			zap.String("group_id", evt.GroupID),
			zap.String("sub_id", evt.SubID),
		)
	}
}

// Close stops intake, delivers everything still pending, closes the sinks and
// waits for the hub goroutine or ctx. Further calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closing.Store(true)
		h.stopCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// Dropped returns how many events were lost to a full buffer.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.drops.Load()
}

func (h *Hub) run() {
	defer close(h.exited)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	pending := newPendingStages()
	for {
		select {
		case evt := <-h.in:
			h.accept(pending, evt)
		case <-ticker.C:
			h.deliver(pending.takeAll())
		case <-h.quit:
			for {
				select {
				case evt := <-h.in:
					h.accept(pending, evt)
				default:
					h.deliver(pending.takeAll())
					h.closeSinks()
					return
				}
			}
		}
	}
}

func (h *Hub) accept(pending *pendingStages, evt event.Event) {
	key := stageKey{group: evt.GroupID, sub: evt.SubID}
	pending.add(key, evt)
	switch {
	case evt.Terminal():
		h.deliver(pending.take(key))
	case pending.total >= h.cfg.MaxBatchEvents:
		h.deliver(pending.takeAll())
	}
}

func (h *Hub) deliver(batch []event.Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.stopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type stageKey struct {
	group string
	sub   string
}

// pendingStages buffers undelivered events per stage, keeping each stage's
// events in arrival order and stages in first-seen order.
type pendingStages struct {
	events map[stageKey][]event.Event
	order  []stageKey
	total  int
}

func newPendingStages() *pendingStages {
	return &pendingStages{events: make(map[stageKey][]event.Event)}
}

func (p *pendingStages) add(key stageKey, evt event.Event) {
	if _, ok := p.events[key]; !ok {
		p.order = append(p.order, key)
	}
	p.events[key] = append(p.events[key], evt)
	p.total++
}

func (p *pendingStages) take(key stageKey) []event.Event {
	evts, ok := p.events[key]
	if !ok {
		return nil
	}
	delete(p.events, key)
	p.order = slices.DeleteFunc(p.order, func(k stageKey) bool { return k == key })
	p.total -= len(evts)
	return evts
}

func (p *pendingStages) takeAll() []event.Event {
	if p.total == 0 {
		return nil
	}
	out := make([]event.Event, 0, p.total)
	for _, key := range p.order {
		out = append(out, p.events[key]...)
	}
	clear(p.events)
	p.order = p.order[:0]
	p.total = 0
	return out
}
