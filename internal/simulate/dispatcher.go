package simulate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/publisher"
)

// Job is one queued simulated run.
type Job struct {
	TaskID  string
	GroupID string
	SubID   string
	Request Request
}

// IDGenerator mints task ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls the dispatcher.
type Config struct {
	Namespace channel.Namespace
	Publisher publisher.Config
	// Workers bounds concurrent runs (default 4).
	Workers int
	// QueueSize bounds pending runs (default 64).
	QueueSize int
	// StepDelay is the pause between emitted events.
	StepDelay time.Duration
}

// Dispatcher fans queued runs out to a pool of workers, each driving one
// publisher at a time.
type Dispatcher struct {
	broker broker.Broker
	queue  *Queue
	ids    IDGenerator
	cfg    Config
	opts   []publisher.Option
	logger *zap.Logger
}

// New creates a Dispatcher. Publisher options such as observers and metrics
// are applied to every run.
func New(b broker.Broker, ids IDGenerator, cfg Config, logger *zap.Logger, opts ...publisher.Option) *Dispatcher {
	if cfg.Namespace == "" {
		cfg.Namespace = channel.DefaultNamespace
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("simulate")
	return &Dispatcher{
		broker: b,
		queue:  NewQueue(cfg.QueueSize),
		ids:    ids,
		cfg:    cfg,
		opts:   append([]publisher.Option{publisher.WithLogger(logger)}, opts...),
		logger: logger,
	}
}

// Launch validates and queues a run, returning its task id.
func (d *Dispatcher) Launch(ctx context.Context, group, sub string, req Request) (string, error) {
	if sub == "" {
		return "", fmt.Errorf("sub: %w", channel.ErrInvalidID)
	}
	if _, err := d.cfg.Namespace.Name(group, sub); err != nil {
		return "", err
	}
	taskID, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	job := Job{TaskID: taskID, GroupID: group, SubID: sub, Request: req}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("queue run: %w", err)
	}
	d.logger.Info("run queued", zap.String("task_id", taskID), zap.String("group_id", group), zap.String("sub_id", sub))
	return taskID, nil
}

// Run starts all workers and blocks until the context finishes or Close
// drains the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
}

// Close stops accepting runs. Workers finish what is queued.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		d.execute(ctx, job)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job Job) {
	logger := d.logger.With(zap.String("task_id", job.TaskID), zap.String("sub_id", job.SubID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", zap.Any("panic", r))
		}
	}()
	task := TaskFor(job.SubID, job.Request, d.cfg.StepDelay)
	err := publisher.Run(ctx, d.broker, d.cfg.Namespace, job.GroupID, job.SubID, d.cfg.Publisher, task, d.opts...)
	if err != nil {
		logger.Warn("run failed", zap.Error(err))
		return
	}
	logger.Info("run completed")
}
