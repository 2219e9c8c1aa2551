// Package store declares interfaces for persisting stage status.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("stage status not found")

// StageState mirrors the status column of stage_status.
type StageState string

// Stage states, in lifecycle order.
const (
	StatePending    StageState = "pending"
	StateProcessing StageState = "processing"
	StateCompleted  StageState = "completed"
	StateFailed     StageState = "failed"
)

// Terminal reports whether no further updates are expected for the stage.
func (s StageState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StageStatus is the last-known state of one (group, sub) stream. Clients
// whose stream ended on an idle timeout read it to learn the real outcome.
type StageStatus struct {
	GroupID string
	SubID   string
	State   StageState
	// Progress is 0-100.
	Progress int
	Message  string
	// Current and Total mirror the most recent batch progress event.
	Current int
	Total   int
	// RetryCount is set only by error events that carried one.
	RetryCount *int
	// Events counts the events folded into this status.
	Events     int64
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// StatusRepository persists stage status.
type StatusRepository interface {
	// UpsertStatus inserts or replaces the status row for (GroupID, SubID).
	UpsertStatus(ctx context.Context, status StageStatus) error
	// GetStatus loads one stage or returns ErrNotFound.
	GetStatus(ctx context.Context, groupID, subID string) (StageStatus, error)
	// ListStatuses returns every stage recorded for a group ordered by sub id.
	ListStatuses(ctx context.Context, groupID string) ([]StageStatus, error)
}
