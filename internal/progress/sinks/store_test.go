package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/stagestream/internal/event"
	"github.com/JakeFAU/stagestream/internal/storage/memory"
	"github.com/JakeFAU/stagestream/internal/store"
)

// TestStoreSinkPersistsEvents ensures events are collapsed per stage before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &countingRepo{StatusStore: memory.NewStatusStore()}
	sink := NewStoreSink(repo, nil)
	now := time.Unix(1700000000, 0).UTC()

	batch := []event.Event{
		stageEvent("image_generation", now, event.StageUpdate{Status: "processing", Progress: 0, Message: "starting"}),
		stageEvent("image_generation", now.Add(time.Second), event.Progress{Current: 1, Total: 4, Percent: 25, ItemLabel: "shot 1"}),
		stageEvent("rewrite", now.Add(time.Second), event.Token{Content: "Hi", CumulativeText: "Hi"}),
		stageEvent("image_generation", now.Add(2*time.Second), event.Progress{Current: 2, Total: 4, Percent: 50}),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2, repo.upserts)

	images, err := repo.GetStatus(context.Background(), "proj123", "image_generation")
	require.NoError(t, err)
	require.Equal(t, store.StateProcessing, images.State)
	require.Equal(t, 50, images.Progress)
	require.Equal(t, 2, images.Current)
	require.Equal(t, "shot 1", images.Message)
	require.Equal(t, int64(3), images.Events)
	require.Equal(t, now, images.StartedAt)

	require.NoError(t, sink.Consume(context.Background(), []event.Event{
		stageEvent("image_generation", now.Add(3*time.Second), event.Done{Result: "ok"}),
	}))
	images, err = repo.GetStatus(context.Background(), "proj123", "image_generation")
	require.NoError(t, err)
	require.Equal(t, store.StateCompleted, images.State)
	require.Equal(t, 100, images.Progress)
	require.NotNil(t, images.FinishedAt)
	require.Equal(t, now, images.StartedAt)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingRepo{}, nil)
	err := sink.Consume(context.Background(), []event.Event{
		stageEvent("rewrite", time.Now(), event.Token{Content: "x", CumulativeText: "x"}),
	})
	require.Error(t, err)
}

func TestApplyRestartsFinishedStage(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	retries := 1
	status := store.StageStatus{GroupID: "proj123", SubID: "rewrite"}
	status = Apply(status, stageEvent("rewrite", now, event.Error{Message: "API call failed: timeout", RetryCount: &retries}))
	require.Equal(t, store.StateFailed, status.State)
	require.Equal(t, &retries, status.RetryCount)

	status = Apply(status, stageEvent("rewrite", now.Add(time.Minute), event.StageUpdate{Status: "processing", Progress: 5}))
	require.Equal(t, store.StateProcessing, status.State)
	require.Nil(t, status.FinishedAt)
	require.Nil(t, status.RetryCount)
	require.Equal(t, now.Add(time.Minute), status.StartedAt)
	require.Equal(t, int64(1), status.Events)

	unchanged := Apply(status, stageEvent("rewrite", now.Add(2*time.Minute), event.StreamEnd{}))
	require.Equal(t, status, unchanged)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []event.Event{
		stageEvent("rewrite", now, event.Token{Content: "a", CumulativeText: "a"}),
		stageEvent("rewrite", now, event.Error{Message: "boom", RetryCount: event.IntPtr(3)}),
	}))
	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.DebugLevel, entries[0].Level)
	require.Equal(t, zap.InfoLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
	require.NoError(t, sink.Close(context.Background()))
}

type countingRepo struct {
	*memory.StatusStore
	upserts int
}

func (r *countingRepo) UpsertStatus(ctx context.Context, status store.StageStatus) error {
	r.upserts++
	return r.StatusStore.UpsertStatus(ctx, status)
}

type failingRepo struct{}

func (failingRepo) UpsertStatus(context.Context, store.StageStatus) error {
	return errors.New("write failed")
}

func (failingRepo) GetStatus(context.Context, string, string) (store.StageStatus, error) {
	return store.StageStatus{}, store.ErrNotFound
}

func (failingRepo) ListStatuses(context.Context, string) ([]store.StageStatus, error) {
	return nil, nil
}
