package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/event"
	"github.com/JakeFAU/stagestream/internal/store"
)

// StoreSink folds observed events into the last-known stage status and
// persists it via a store.StatusRepository. Each stage is written at most once
// per batch to reduce write amplification.
type StoreSink struct {
	repo   store.StatusRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.StatusRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses the batch per stage and forwards one upsert per stage. It
// respects ctx deadlines and returns any repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []event.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var order []stageKey
	pending := make(map[stageKey][]event.Event)
	for _, evt := range batch {
		key := stageKey{group: evt.GroupID, sub: evt.SubID}
		if _, seen := pending[key]; !seen {
			order = append(order, key)
		}
		pending[key] = append(pending[key], evt)
	}

	for _, key := range order {
		status, err := s.repo.GetStatus(ctx, key.group, key.sub)
		switch {
		case errors.Is(err, store.ErrNotFound):
			status = store.StageStatus{GroupID: key.group, SubID: key.sub, State: store.StatePending}
		case err != nil:
			return fmt.Errorf("load stage status: %w", err)
		}
		for _, evt := range pending[key] {
			status = Apply(status, evt)
		}
		if err := s.repo.UpsertStatus(ctx, status); err != nil {
			return fmt.Errorf("upsert stage status: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

// Apply folds one event into a stage status. A non-terminal event arriving for
// a stage that already finished starts a new run.
func Apply(status store.StageStatus, evt event.Event) store.StageStatus {
	switch evt.Payload.(type) {
	case event.Connected, event.StreamEnd, event.DecodeError, nil:
		return status
	}
	if status.State.Terminal() && !evt.Terminal() && status.FinishedAt != nil && evt.Timestamp.After(*status.FinishedAt) {
		status = store.StageStatus{GroupID: status.GroupID, SubID: status.SubID, State: store.StatePending}
	}
	if status.StartedAt.IsZero() {
		status.StartedAt = evt.Timestamp
	}
	status.UpdatedAt = evt.Timestamp
	status.Events++

	switch p := evt.Payload.(type) {
	case event.Token:
		status.State = store.StateProcessing
	case event.StageUpdate:
		status.State = stateFor(p.Status)
		status.Progress = event.ClampPercent(p.Progress)
		status.Message = p.Message
	case event.Progress:
		status.State = store.StateProcessing
		status.Current = p.Current
		status.Total = p.Total
		status.Progress = event.ClampPercent(p.Percent)
		if p.ItemLabel != "" {
			status.Message = p.ItemLabel
		}
	case event.Done:
		status.State = store.StateCompleted
		status.Progress = 100
		status.RetryCount = nil
		finished := evt.Timestamp
		status.FinishedAt = &finished
	case event.Error:
		status.State = store.StateFailed
		status.Message = p.Message
		status.RetryCount = p.RetryCount
		finished := evt.Timestamp
		status.FinishedAt = &finished
	}
	return status
}

// stateFor maps a free-form stage_update status onto the stored lifecycle.
func stateFor(status string) store.StageState {
	switch store.StageState(status) {
	case store.StatePending, store.StateProcessing, store.StateCompleted, store.StateFailed:
		return store.StageState(status)
	default:
		return store.StateProcessing
	}
}
