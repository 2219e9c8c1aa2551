package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/stagestream/internal/event"
)

// PrometheusSink exports stage progress metrics via Prometheus. It owns the
// collectors for observed events, running stages and per-stage runtimes.
type PrometheusSink struct {
	events          *prometheus.CounterVec
	tokenBytes      prometheus.Counter
	stagesCompleted *prometheus.CounterVec
	stagesRunning   prometheus.Gauge
	stageRuntime    *prometheus.HistogramVec
	retries         prometheus.Counter

	tracker *stageTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagestream_progress_events_total",
			Help: "Events accepted by publishers, partitioned by kind.",
		}, []string{"kind"}),
		tokenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagestream_token_bytes_total",
			Help: "Bytes of streamed token content.",
		}),
		stagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagestream_stages_completed_total",
			Help: "Stages that reached a terminal event, partitioned by result.",
		}, []string{"result"}),
		stagesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagestream_stages_running",
			Help: "Stages that have emitted events but no terminal event yet.",
		}),
		stageRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagestream_stage_runtime_seconds",
			Help:    "Time from the first to the terminal event of a stage.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagestream_stage_error_retries_total",
			Help: "Sum of retry counts reported by error events.",
		}),
		tracker: newStageTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.tokenBytes,
		s.stagesCompleted,
		s.stagesRunning,
		s.stageRuntime,
		s.retries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []event.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt event.Event) {
	s.events.WithLabelValues(string(evt.Kind())).Inc()
	key := stageKey{group: evt.GroupID, sub: evt.SubID}
	switch p := evt.Payload.(type) {
	case event.Token:
		s.tokenBytes.Add(float64(len(p.Content)))
		s.start(key, evt.Timestamp)
	case event.StageUpdate, event.Progress:
		s.start(key, evt.Timestamp)
	case event.Done:
		s.finish(key, evt.Timestamp, "success")
	case event.Error:
		if p.RetryCount != nil && *p.RetryCount > 0 {
			s.retries.Add(float64(*p.RetryCount))
		}
		s.finish(key, evt.Timestamp, "error")
	}
}

func (s *PrometheusSink) start(key stageKey, at time.Time) {
	if s.tracker.start(key, at) {
		s.stagesRunning.Inc()
	}
}

func (s *PrometheusSink) finish(key stageKey, at time.Time, result string) {
	s.stagesCompleted.WithLabelValues(result).Inc()
	started, ok := s.tracker.complete(key)
	if !ok {
		return
	}
	s.stagesRunning.Dec()
	if dur := at.Sub(started); dur > 0 {
		s.stageRuntime.WithLabelValues(result).Observe(dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type stageKey struct {
	group string
	sub   string
}

type stageTracker struct {
	mu      sync.Mutex
	running map[stageKey]time.Time
}

func newStageTracker() *stageTracker {
	return &stageTracker{running: make(map[stageKey]time.Time)}
}

func (t *stageTracker) start(key stageKey, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = at
	return true
}

func (t *stageTracker) complete(key stageKey) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[key]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, key)
	return started, true
}
