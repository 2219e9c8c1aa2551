package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/stagestream/internal/store"
)

type statusKey struct {
	group string
	sub   string
}

// StatusStore provides an in-memory implementation for development/testing.
type StatusStore struct {
	mu       sync.RWMutex
	statuses map[statusKey]store.StageStatus
}

// NewStatusStore constructs a StatusStore.
func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: make(map[statusKey]store.StageStatus)}
}

// UpsertStatus replaces the stored row for the stage.
func (s *StatusStore) UpsertStatus(_ context.Context, status store.StageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[statusKey{group: status.GroupID, sub: status.SubID}] = cloneStatus(status)
	return nil
}

// GetStatus fetches one stage.
func (s *StatusStore) GetStatus(_ context.Context, groupID, subID string) (store.StageStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[statusKey{group: groupID, sub: subID}]
	if !ok {
		return store.StageStatus{}, store.ErrNotFound
	}
	return cloneStatus(status), nil
}

// ListStatuses returns copies of every stage in the group, ordered by sub id.
func (s *StatusStore) ListStatuses(_ context.Context, groupID string) ([]store.StageStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.StageStatus
	for key, status := range s.statuses {
		if key.group == groupID {
			out = append(out, cloneStatus(status))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubID < out[j].SubID })
	return out, nil
}

func cloneStatus(status store.StageStatus) store.StageStatus {
	if status.RetryCount != nil {
		v := *status.RetryCount
		status.RetryCount = &v
	}
	if status.FinishedAt != nil {
		v := *status.FinishedAt
		status.FinishedAt = &v
	}
	return status
}

var _ store.StatusRepository = (*StatusStore)(nil)
