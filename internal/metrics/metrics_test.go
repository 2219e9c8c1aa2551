package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JakeFAU/stagestream/internal/event"
)

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.EventPublished(event.KindToken)
	m.PublishFailed(event.KindToken)
	m.EventDropped("queue_full")
	m.SessionStarted("sse")
	m.SessionEnded("sse", "done")
	m.FrameWritten("sse", event.KindDone)
	m.DecodeError()
	m.SubscribeFailed()
	m.WatchRedisPool(nil)
}

func TestStreamCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.EventPublished(event.KindToken)
	m.EventPublished(event.KindToken)
	m.EventDropped("after_terminal")
	m.SessionStarted("websocket")
	m.SessionStarted("websocket")
	m.SessionEnded("websocket", "terminal")
	m.FrameWritten("websocket", event.KindConnected)
	m.DecodeError()

	if val := testutil.ToFloat64(m.eventsPublishedTotal.WithLabelValues("token")); val != 2 {
		t.Errorf("expected 2 published tokens, got %f", val)
	}
	if val := testutil.ToFloat64(m.eventsDroppedTotal.WithLabelValues("after_terminal")); val != 1 {
		t.Errorf("expected 1 drop, got %f", val)
	}
	if val := testutil.ToFloat64(m.streamSessionsActive.WithLabelValues("websocket")); val != 1 {
		t.Errorf("expected 1 active session, got %f", val)
	}
	if val := testutil.ToFloat64(m.streamSessionsTotal.WithLabelValues("websocket", "terminal")); val != 1 {
		t.Errorf("expected 1 finished session, got %f", val)
	}
	if val := testutil.ToFloat64(m.decodeErrorsTotal); val != 1 {
		t.Errorf("expected 1 decode error, got %f", val)
	}
}

func TestWatchRedisPool(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.WatchRedisPool(func() *redis.PoolStats {
		return &redis.PoolStats{TotalConns: 4, IdleConns: 3}
	})

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "stagestream_redis_pool_total_conns" {
			found = true
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 4 {
				t.Errorf("expected 4 total conns, got %f", got)
			}
		}
	}
	if !found {
		t.Fatal("redis pool gauge not registered")
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SubscribeFailed()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "stagestream_subscribe_failures_total 1") {
		t.Errorf("metrics output missing subscribe failures:\n%s", body)
	}
}
