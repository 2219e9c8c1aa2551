package publisher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/event"
)

// Task is the body of a stage execution.
type Task func(ctx context.Context, pub *Publisher) error

// Run opens a publisher for ns:group:sub, runs task with it and releases it on
// every exit path. If the task fails or panics before emitting a terminal
// event, an Error event carrying the failure is emitted on its behalf. The
// task's error is returned and panics are re-raised after cleanup.
func Run(
	ctx context.Context,
	b broker.Broker,
	ns channel.Namespace,
	group, sub string,
	cfg Config,
	task Task,
	opts ...Option,
) (err error) {
	pub, err := New(b, ns, group, sub, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		r := recover()
		switch {
		case r != nil:
			pub.failOpen(fmt.Sprintf("task panicked: %v", r))
		case err != nil:
			pub.failOpen(err.Error())
		case !pub.Terminated():
			pub.logger.Warn("task returned without a terminal event")
		}
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pub.cfg.DrainTimeout)
		defer cancel()
		if cerr := pub.Close(drainCtx); cerr != nil {
			pub.logger.Warn("publisher close", zap.Error(cerr))
		}
		if r != nil {
			panic(r)
		}
	}()
	return task(ctx, pub)
}

func (p *Publisher) failOpen(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated || p.closed {
		return
	}
	p.emitLocked(event.Error{Message: message})
}
