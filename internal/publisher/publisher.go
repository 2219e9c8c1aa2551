// Package publisher emits typed progress events for one stage onto its broker
// channel.
//
// Emission never blocks the producing task and never returns transport
// errors: events are stamped, encoded and queued, and a single background
// goroutine hands them to the broker in emission order. Broker failures are
// logged and counted. A publisher's sequence ends with exactly one Done or
// Error event; anything emitted afterwards is dropped with a warning.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/clock/system"
	"github.com/JakeFAU/stagestream/internal/event"
	"github.com/JakeFAU/stagestream/internal/progress"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
	defaultDrainTimeout   = 5 * time.Second
	warnInterval          = 5 * time.Second
)

// Drop reasons reported to Metrics.
const (
	DropQueueFull     = "queue_full"
	DropAfterTerminal = "after_terminal"
	DropClosed        = "closed"
	DropTokenShrank   = "token_shrank"
	DropEncode        = "encode"
)

// Config controls queueing and broker timeouts.
type Config struct {
	// QueueSize bounds events waiting to be published (default 1024).
	QueueSize int
	// PublishTimeout bounds each broker publish (default 2s).
	PublishTimeout time.Duration
	// DrainTimeout bounds how long Run waits for queued events on exit (default 5s).
	DrainTimeout time.Duration
}

// Metrics receives publisher counters. A nil Metrics disables them.
type Metrics interface {
	EventPublished(kind event.Kind)
	PublishFailed(kind event.Kind)
	EventDropped(reason string)
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger used for swallowed failures.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver forwards a copy of every accepted event, e.g. to a progress.Hub.
func WithObserver(obs progress.Emitter) Option {
	return func(p *Publisher) { p.observer = obs }
}

// WithClock replaces the wall clock used for timestamps.
func WithClock(src system.Source) Option {
	return func(p *Publisher) { p.clock = system.NewMonotonic(src) }
}

// WithMetrics records publish outcomes.
func WithMetrics(m Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

type queued struct {
	kind    event.Kind
	payload []byte
}

// Publisher is bound to one (group, sub) channel for its whole lifetime. It is
// safe for concurrent use, although a task normally emits from one goroutine.
type Publisher struct {
	broker  broker.Broker
	channel string
	group   string
	sub     string
	cfg     Config

	logger   *zap.Logger
	observer progress.Emitter
	clock    *system.Monotonic
	metrics  Metrics
	warn     progress.RateLimiter

	mu         sync.Mutex
	terminated bool
	closed     bool
	cumulative string

	queue     chan queued
	done      chan struct{}
	closeOnce sync.Once
}

// New binds a publisher to ns:group:sub and starts its delivery goroutine.
// sub must name a concrete stage; publishers cannot target a wildcard.
func New(b broker.Broker, ns channel.Namespace, group, sub string, cfg Config, opts ...Option) (*Publisher, error) {
	if b == nil {
		return nil, errors.New("publisher: broker is required")
	}
	if sub == "" {
		return nil, fmt.Errorf("publisher: sub: %w", channel.ErrInvalidID)
	}
	name, err := ns.Name(group, sub)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	p := &Publisher{
		broker:  b,
		channel: name,
		group:   group,
		sub:     sub,
		cfg:     cfg,
		logger:  zap.NewNop(),
		clock:   system.NewMonotonic(nil),
		warn:    progress.RateLimiter{Interval: warnInterval},
		queue:   make(chan queued, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("channel", name))
	go p.run()
	return p, nil
}

// Channel returns the broker channel the publisher is bound to.
func (p *Publisher) Channel() string {
	return p.channel
}

// Terminated reports whether Done or Error has been emitted.
func (p *Publisher) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// EmitToken streams one text fragment. An empty cumulative text is derived by
// appending content to the previous cumulative text. A cumulative text shorter
// than the previous one is dropped.
func (p *Publisher) EmitToken(content, cumulative string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cumulative == "" {
		cumulative = p.cumulative + content
	}
	if len(cumulative) < len(p.cumulative) {
		p.dropLocked(event.KindToken, DropTokenShrank)
		return
	}
	if p.emitLocked(event.Token{Content: content, CumulativeText: cumulative}) {
		p.cumulative = cumulative
	}
}

// EmitStageUpdate reports a coarse status change. percent is clamped to 0-100.
func (p *Publisher) EmitStageUpdate(status string, percent int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(event.StageUpdate{Status: status, Progress: event.ClampPercent(percent), Message: message})
}

// EmitProgress reports batch sub-work such as image current of total.
func (p *Publisher) EmitProgress(current, total int, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(event.Progress{
		Current:   current,
		Total:     total,
		Percent:   event.Percent(current, total),
		ItemLabel: label,
	})
}

// EmitDone terminates the sequence successfully.
func (p *Publisher) EmitDone(result string, metadata map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(event.Done{Result: result, Metadata: maps.Clone(metadata)})
}

// EmitError terminates the sequence with a failure. retryCount may be nil.
func (p *Publisher) EmitError(message string, retryCount *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var retries *int
	if retryCount != nil {
		retries = event.IntPtr(*retryCount)
	}
	p.emitLocked(event.Error{Message: message, RetryCount: retries})
}

// Close stops accepting events and waits until queued events have been handed
// to the broker or ctx expires. The shared broker is not closed. Close is safe
// to call more than once.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher drain %s: %w", p.channel, ctx.Err())
	}
}

// emitLocked stamps, encodes and enqueues payload. It reports whether the
// event was accepted. p.mu must be held so queue order matches call order.
func (p *Publisher) emitLocked(payload event.Payload) bool {
	kind := payload.Kind()
	switch {
	case p.closed:
		p.dropLocked(kind, DropClosed)
		return false
	case p.terminated:
		p.dropLocked(kind, DropAfterTerminal)
		return false
	}

	evt := event.Event{
		Channel:   p.channel,
		GroupID:   p.group,
		SubID:     p.sub,
		Timestamp: p.clock.Now(),
		Payload:   payload,
	}
	data, err := event.Encode(evt)
	if err != nil {
		p.logger.Error("encode event", zap.String("kind", string(kind)), zap.Error(err))
		p.count(func(m Metrics) { m.EventDropped(DropEncode) })
		return false
	}
	select {
	case p.queue <- queued{kind: kind, payload: data}:
	default:
		p.dropLocked(kind, DropQueueFull)
		if !evt.Terminal() {
			return false
		}
		// A terminal event that cannot be queued still ends the sequence.
	}
	if evt.Terminal() {
		p.terminated = true
	}
	if p.observer != nil {
		p.observer.Emit(evt)
	}
	return true
}

func (p *Publisher) dropLocked(kind event.Kind, reason string) {
	p.count(func(m Metrics) { m.EventDropped(reason) })
	if p.warn.Allow(time.Now()) {
		p.logger.Warn("progress event dropped", zap.String("kind", string(kind)), zap.String("reason", reason))
	}
}

func (p *Publisher) count(fn func(Metrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for item := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
		err := p.broker.Publish(ctx, p.channel, item.payload)
		cancel()
		if err != nil {
			p.count(func(m Metrics) { m.PublishFailed(item.kind) })
			p.logger.Warn("publish progress event failed", zap.String("kind", string(item.kind)), zap.Error(err))
			continue
		}
		p.count(func(m Metrics) { m.EventPublished(item.kind) })
	}
}
