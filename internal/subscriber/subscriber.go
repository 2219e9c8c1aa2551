// Package subscriber turns a broker subscription into a stream of decoded
// events with an inactivity deadline.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/event"
)

const (
	defaultIdleTimeout     = 5 * time.Minute
	defaultMaxDecodeErrors = 5
)

// Reasons a subscriber stops yielding events.
var (
	ErrIdleTimeout         = errors.New("subscriber: idle timeout")
	ErrClosed              = errors.New("subscriber: closed")
	ErrFinished            = errors.New("subscriber: stream finished")
	ErrTooManyDecodeErrors = errors.New("subscriber: too many consecutive decode errors")
)

// ErrUnexpectedKind marks a well-formed payload whose kind only the bridge may
// produce, such as connected or stream_end.
var ErrUnexpectedKind = errors.New("subscriber: unexpected event kind from broker")

// Config controls timeouts and decode error tolerance.
type Config struct {
	// IdleTimeout ends the stream after this long without any message (default 5m).
	IdleTimeout time.Duration
	// MaxDecodeErrors consecutive undecodable messages end the stream with a
	// fatal Error event (default 5). Negative disables the limit.
	MaxDecodeErrors int
}

// Metrics receives subscriber counters. A nil Metrics disables them.
type Metrics interface {
	DecodeError()
}

// Option customizes a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the logger used for decode failures.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records decode errors.
func WithMetrics(m Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// Subscriber yields the events published on one channel, or on every channel
// of a group when sub is empty. Next may be called from one goroutine at a
// time; Close may be called from any goroutine.
type Subscriber struct {
	ns       channel.Namespace
	group    string
	sub      string
	pattern  string
	wildcard bool
	cfg      Config
	logger   *zap.Logger
	metrics  Metrics

	subscription broker.Subscription
	done         chan struct{}
	closeOnce    sync.Once

	recvMu      sync.Mutex
	deadline    time.Time
	consecutive int

	mu     sync.Mutex
	reason error
}

// New subscribes to the channel for (group, sub). An empty sub subscribes to
// the whole group.
func New(ctx context.Context, b broker.Broker, ns channel.Namespace, group, sub string, cfg Config, opts ...Option) (*Subscriber, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxDecodeErrors == 0 {
		cfg.MaxDecodeErrors = defaultMaxDecodeErrors
	}
	pattern, err := ns.Name(group, sub)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		ns:       ns,
		group:    group,
		sub:      sub,
		pattern:  pattern,
		wildcard: sub == "",
		cfg:      cfg,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("channel", pattern))

	subscription, err := b.Subscribe(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	s.subscription = subscription
	s.deadline = time.Now().Add(cfg.IdleTimeout)
	return s, nil
}

// Channel returns the subscribed channel or pattern.
func (s *Subscriber) Channel() string {
	return s.pattern
}

// Wildcard reports whether the subscription spans a whole group.
func (s *Subscriber) Wildcard() bool {
	return s.wildcard
}

// Next blocks until an event arrives or the stream ends. It returns
// ErrIdleTimeout, ErrClosed, ErrFinished, ErrTooManyDecodeErrors or the ctx
// error. Once one of the sentinel errors is returned every later call returns
// it too. A ctx error does not end the stream.
func (s *Subscriber) Next(ctx context.Context) (event.Event, error) {
	evt, _, err := s.receive(ctx, 0)
	return evt, err
}

// Poll waits at most wait for an event. ok is false with a nil error when
// nothing arrived in time but the stream is still live.
func (s *Subscriber) Poll(wait time.Duration) (evt event.Event, ok bool, err error) {
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return s.receive(context.Background(), wait)
}

// Events ranges over the stream until it ends. Reason reports why. Cancelling
// ctx while ranging ends the stream with the ctx error.
func (s *Subscriber) Events(ctx context.Context) iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		for {
			evt, err := s.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					s.finish(err)
				}
				return
			}
			if !yield(evt) {
				return
			}
		}
	}
}

// Reason returns the error that ended the stream, or nil while it is live.
func (s *Subscriber) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close releases the broker subscription and unblocks a pending Next. It is
// safe to call more than once.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.finish(ErrClosed)
		if s.subscription != nil {
			err = s.subscription.Close()
		}
	})
	return err
}

func (s *Subscriber) receive(ctx context.Context, wait time.Duration) (event.Event, bool, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if err := s.Reason(); err != nil {
		return event.Event{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return event.Event{}, false, err
	}

	idle := time.Until(s.deadline)
	if idle <= 0 {
		return event.Event{}, false, s.finish(ErrIdleTimeout)
	}
	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	var waitC <-chan time.Time
	if wait > 0 && wait < idle {
		waitTimer := time.NewTimer(wait)
		defer waitTimer.Stop()
		waitC = waitTimer.C
	}

	select {
	case <-s.done:
		return event.Event{}, false, ErrClosed
	case <-ctx.Done():
		return event.Event{}, false, ctx.Err()
	case <-idleTimer.C:
		return event.Event{}, false, s.finish(ErrIdleTimeout)
	case <-waitC:
		return event.Event{}, false, nil
	case msg, ok := <-s.subscription.Messages():
		if !ok {
			return event.Event{}, false, s.finish(ErrClosed)
		}
		s.deadline = time.Now().Add(s.cfg.IdleTimeout)
		evt := s.convert(msg)
		return evt, true, nil
	}
}

func (s *Subscriber) convert(msg broker.Message) event.Event {
	evt, err := event.Decode(msg.Payload)
	if err == nil {
		switch evt.Payload.(type) {
		case event.Connected, event.StreamEnd:
			err = fmt.Errorf("%w: %s", ErrUnexpectedKind, evt.Kind())
		}
	}
	group, sub := s.group, s.sub
	if err == nil && s.wildcard {
		var perr error
		group, sub, perr = s.ns.Parse(msg.Channel)
		if perr != nil {
			err = perr
		}
	}
	if err != nil {
		return s.decodeFailure(msg, err)
	}

	s.consecutive = 0
	evt.Channel = msg.Channel
	if s.wildcard {
		evt.SubID = sub
	}
	if evt.GroupID == "" {
		evt.GroupID = group
	}
	if evt.SubID == "" {
		evt.SubID = sub
	}
	if evt.Terminal() && !s.wildcard {
		s.finish(ErrFinished)
	}
	return evt
}

func (s *Subscriber) decodeFailure(msg broker.Message, err error) event.Event {
	s.consecutive++
	if s.metrics != nil {
		s.metrics.DecodeError()
	}
	s.logger.Warn("undecodable message",
		zap.String("message_channel", msg.Channel),
		zap.Int("consecutive", s.consecutive),
		zap.Error(err),
	)

	evt := event.Event{
		Channel:   msg.Channel,
		GroupID:   s.group,
		SubID:     s.sub,
		Timestamp: time.Now().UTC(),
	}
	if s.cfg.MaxDecodeErrors > 0 && s.consecutive >= s.cfg.MaxDecodeErrors {
		s.finish(ErrTooManyDecodeErrors)
		evt.Payload = event.Error{
			Message: fmt.Sprintf("stream aborted after %d consecutive undecodable messages: %v", s.consecutive, err),
		}
		return evt
	}
	evt.Payload = event.DecodeError{Raw: msg.Payload, Err: err}
	return evt
}

// finish records the first terminal reason and returns the recorded one.
func (s *Subscriber) finish(reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == nil {
		s.reason = reason
	}
	return s.reason
}
