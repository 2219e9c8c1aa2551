// Package bridge drives one subscriber per client connection and writes each
// event as one frame of a streaming response.
//
// A session opens by subscribing and writing a connected frame, streams every
// event it receives, and closes by writing stream_end. Terminal events on an
// exact channel, the idle timeout and decode escalation all close the
// session. A write failure or client disconnect closes it without further
// writes. A failed subscribe refuses the connection and never streams.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/event"
	"github.com/JakeFAU/stagestream/internal/subscriber"
)

// Errors returned by Serve.
var (
	ErrTransportInUse  = errors.New("bridge: transport already served")
	ErrSubscribe       = errors.New("bridge: subscribe failed")
	ErrTransportClosed = errors.New("bridge: transport closed")
)

// Session outcomes reported to Metrics.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeIdleTimeout = "idle_timeout"
	OutcomeClientGone  = "client_gone"
	OutcomeWriteFailed = "write_failed"
	OutcomeCanceled    = "canceled"
	OutcomeDecodeLimit = "decode_limit"
)

const tracerName = "github.com/JakeFAU/stagestream/internal/bridge"

// Config controls subscriptions and keep-alives.
type Config struct {
	Namespace  channel.Namespace
	Subscriber subscriber.Config
	// HeartbeatInterval between keep-alive frames while no events arrive.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Metrics receives session counters. A nil Metrics disables them.
type Metrics interface {
	subscriber.Metrics
	SessionStarted(transport string)
	SessionEnded(transport, outcome string)
	FrameWritten(transport string, kind event.Kind)
	SubscribeFailed()
}

// Bridge serves client transports from one broker.
type Bridge struct {
	broker  broker.Broker
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	tracer  trace.Tracer

	active sync.Map
}

// New constructs a Bridge. A nil logger disables logging.
func New(b broker.Broker, cfg Config, logger *zap.Logger, metrics Metrics) *Bridge {
	if cfg.Namespace == "" {
		cfg.Namespace = channel.DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Bridge{
		broker:  b,
		cfg:     cfg,
		logger:  logger.Named("bridge"),
		metrics: metrics,
		tracer:  tp.Tracer(tracerName),
	}
}

// Serve streams the channel for (group, sub) to t until the session closes.
// An empty sub streams every sub of the group. Serve returns nil for every
// orderly close, including client disconnects; it returns an error wrapping
// ErrSubscribe when the connection was refused.
func (b *Bridge) Serve(ctx context.Context, t Transport, group, sub string) error {
	if _, loaded := b.active.LoadOrStore(t, struct{}{}); loaded {
		return ErrTransportInUse
	}
	defer b.active.Delete(t)

	ctx, span := b.tracer.Start(ctx, "bridge.session", trace.WithAttributes(
		attribute.String("stream.transport", t.Name()),
		attribute.String("stream.group_id", group),
		attribute.String("stream.sub_id", sub),
	))
	defer span.End()

	logger := b.logger.With(
		zap.String("transport", t.Name()),
		zap.String("group_id", group),
		zap.String("sub_id", sub),
	)

	opts := []subscriber.Option{subscriber.WithLogger(logger)}
	if b.metrics != nil {
		opts = append(opts, subscriber.WithMetrics(b.metrics))
	}
	s, err := subscriber.New(ctx, b.broker, b.cfg.Namespace, group, sub, b.cfg.Subscriber, opts...)
	if err != nil {
		if b.metrics != nil {
			b.metrics.SubscribeFailed()
		}
		logger.Warn("refusing stream", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe failed")
		if refuseErr := t.Refuse(err); refuseErr != nil {
			logger.Debug("refusal not delivered", zap.Error(refuseErr))
		}
		_ = t.Close()
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}

	sess := &session{
		bridge: b,
		t:      t,
		s:      s,
		logger: logger,
		group:  group,
		sub:    sub,
	}
	if b.metrics != nil {
		b.metrics.SessionStarted(t.Name())
	}
	outcome := sess.run(ctx)
	if b.metrics != nil {
		b.metrics.SessionEnded(t.Name(), outcome)
	}
	span.SetAttributes(
		attribute.String("stream.outcome", outcome),
		attribute.Int("stream.frames", sess.frames),
	)
	logger.Info("stream closed", zap.String("outcome", outcome), zap.Int("frames", sess.frames))
	return nil
}

type session struct {
	bridge *Bridge
	t      Transport
	s      *subscriber.Subscriber
	logger *zap.Logger
	group  string
	sub    string
	frames int
}

func (ss *session) run(ctx context.Context) string {
	defer func() {
		_ = ss.t.Close()
		_ = ss.s.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ss.t.Gone():
		case <-ctx.Done():
		case <-stop:
			return
		}
		_ = ss.s.Close()
	}()

	if err := ss.t.Start(); err != nil {
		ss.logger.Debug("start failed", zap.Error(err))
		return OutcomeWriteFailed
	}
	connected := event.Event{
		Channel: ss.s.Channel(),
		GroupID: ss.group,
		SubID:   ss.sub,
		Payload: event.Connected{Message: "connected to " + ss.s.Channel()},
	}
	if !ss.write(connected) {
		return OutcomeWriteFailed
	}

	for {
		evt, ok, err := ss.receive(ctx)
		if err != nil {
			return ss.ended(ctx, err)
		}
		if !ok {
			if hbErr := ss.t.Heartbeat(); hbErr != nil {
				ss.logger.Debug("heartbeat failed", zap.Error(hbErr))
				return ss.writeFailure()
			}
			continue
		}

		switch p := evt.Payload.(type) {
		case event.DecodeError:
			notice := evt
			notice.Payload = event.Error{Message: "invalid event payload: " + errString(p.Err)}
			if !ss.write(notice) {
				return ss.writeFailure()
			}
		case event.Done, event.Error:
			if !ss.write(evt) {
				return ss.writeFailure()
			}
			if errors.Is(ss.s.Reason(), subscriber.ErrTooManyDecodeErrors) {
				ss.end("too many invalid events")
				return OutcomeDecodeLimit
			}
			if ss.s.Wildcard() {
				continue
			}
			ss.end("stream complete")
			if _, failed := p.(event.Error); failed {
				return OutcomeFailed
			}
			return OutcomeCompleted
		case event.Token, event.StageUpdate, event.Progress:
			if !ss.write(evt) {
				return ss.writeFailure()
			}
		case event.Connected, event.StreamEnd, nil:
			// subscribers never yield these
		}
	}
}

func (ss *session) receive(ctx context.Context) (event.Event, bool, error) {
	if hb := ss.bridge.cfg.HeartbeatInterval; hb > 0 {
		return ss.s.Poll(hb)
	}
	evt, err := ss.s.Next(ctx)
	return evt, err == nil, err
}

func (ss *session) ended(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, subscriber.ErrIdleTimeout):
		ss.end("idle timeout")
		return OutcomeIdleTimeout
	case ctx.Err() != nil:
		return OutcomeCanceled
	case isClosed(ss.t.Gone()):
		return OutcomeClientGone
	case errors.Is(err, subscriber.ErrTooManyDecodeErrors):
		ss.end("too many invalid events")
		return OutcomeDecodeLimit
	default:
		ss.logger.Warn("subscription ended", zap.Error(err))
		ss.end("subscription ended")
		return OutcomeCanceled
	}
}

func (ss *session) writeFailure() string {
	if isClosed(ss.t.Gone()) {
		return OutcomeClientGone
	}
	return OutcomeWriteFailed
}

// end writes stream_end best-effort.
func (ss *session) end(message string) {
	ss.write(event.Event{
		Channel: ss.s.Channel(),
		GroupID: ss.group,
		SubID:   ss.sub,
		Payload: event.StreamEnd{Message: message},
	})
}

func (ss *session) write(evt event.Event) bool {
	data, err := event.Encode(evt)
	if err != nil {
		ss.logger.Error("encode frame", zap.String("kind", string(evt.Kind())), zap.Error(err))
		return true
	}
	if err := ss.t.Send(evt.Kind(), data); err != nil {
		ss.logger.Debug("write failed", zap.String("kind", string(evt.Kind())), zap.Error(err))
		return false
	}
	ss.frames++
	if m := ss.bridge.metrics; m != nil {
		m.FrameWritten(ss.t.Name(), evt.Kind())
	}
	return true
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
