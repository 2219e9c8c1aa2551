package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/stagestream/internal/store"
)

func TestStatusStoreLifecycle(t *testing.T) {
	t.Parallel()

	repo := NewStatusStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if _, err := repo.GetStatus(ctx, "p1", "rewrite"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetStatus() error = %v, want ErrNotFound", err)
	}

	retries := 2
	status := store.StageStatus{
		GroupID:    "p1",
		SubID:      "rewrite",
		State:      store.StateFailed,
		Message:    "boom",
		RetryCount: &retries,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.UpsertStatus(ctx, status); err != nil {
		t.Fatalf("UpsertStatus() error = %v", err)
	}
	retries = 9

	got, err := repo.GetStatus(ctx, "p1", "rewrite")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got.State != store.StateFailed || got.Message != "boom" {
		t.Fatalf("unexpected status %+v", got)
	}
	if got.RetryCount == nil || *got.RetryCount != 2 {
		t.Fatalf("expected stored retry count to be copied, got %v", got.RetryCount)
	}
	*got.RetryCount = 7
	again, _ := repo.GetStatus(ctx, "p1", "rewrite")
	if *again.RetryCount != 2 {
		t.Fatal("expected GetStatus to return a copy")
	}
}

func TestStatusStoreListOrdersBySub(t *testing.T) {
	t.Parallel()

	repo := NewStatusStore()
	ctx := context.Background()
	for _, sub := range []string{"storyboard", "rewrite", "image_generation"} {
		if err := repo.UpsertStatus(ctx, store.StageStatus{GroupID: "p1", SubID: sub, State: store.StateProcessing}); err != nil {
			t.Fatalf("UpsertStatus(%s) error = %v", sub, err)
		}
	}
	if err := repo.UpsertStatus(ctx, store.StageStatus{GroupID: "p2", SubID: "rewrite"}); err != nil {
		t.Fatalf("UpsertStatus() error = %v", err)
	}

	list, err := repo.ListStatuses(ctx, "p1")
	if err != nil {
		t.Fatalf("ListStatuses() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(list))
	}
	want := []string{"image_generation", "rewrite", "storyboard"}
	for i, sub := range want {
		if list[i].SubID != sub {
			t.Fatalf("list[%d] = %s, want %s", i, list[i].SubID, sub)
		}
	}

	empty, err := repo.ListStatuses(ctx, "missing")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", empty, err)
	}
}
