package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/store"
)

const statusTimeout = 3 * time.Second

// StatusHandler exposes read-only stage status endpoints. Clients use it to
// learn the outcome of a stage after a stream ended on an idle timeout.
type StatusHandler struct {
	repo    store.StatusRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewStatusHandler wires the repository and logger.
func NewStatusHandler(repo store.StatusRepository, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{
		repo:    repo,
		timeout: statusTimeout,
		logger:  logger,
	}
}

// ListStages handles GET /api/projects/{project_id}/stages. It returns
// {"stages": [...]} on success, 400 for malformed IDs, 503 when the repo is
// unavailable, or 500 if the repository call fails.
func (h *StatusHandler) ListStages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "status repository unavailable")
		return
	}
	projectID := chi.URLParam(r, "project_id")
	if channel.ValidateID(projectID) != nil {
		writeError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	statuses, err := h.repo.ListStatuses(ctx, projectID)
	if err != nil {
		h.logger.Error("list stage statuses failed", zap.String("project_id", projectID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"stages":     toStageDTOs(statuses),
	})
}

// GetStage handles GET /api/projects/{project_id}/stages/{stage_name}. It
// returns {"stage": {...}}, 404 when nothing was recorded for the stage, or
// the same errors as ListStages.
func (h *StatusHandler) GetStage(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "status repository unavailable")
		return
	}
	projectID := chi.URLParam(r, "project_id")
	stage := chi.URLParam(r, "stage_name")
	if channel.ValidateID(projectID) != nil || channel.ValidateID(stage) != nil {
		writeError(w, http.StatusBadRequest, "invalid project_id or stage_name")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, err := h.repo.GetStatus(ctx, projectID, stage)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "stage status not found")
			return
		}
		h.logger.Error("get stage status failed", zap.String("project_id", projectID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": toStageDTO(status)})
}

func toStageDTOs(in []store.StageStatus) []stageDTO {
	out := make([]stageDTO, 0, len(in))
	for _, st := range in {
		out = append(out, toStageDTO(st))
	}
	return out
}

func toStageDTO(st store.StageStatus) stageDTO {
	return stageDTO{
		ProjectID:  st.GroupID,
		Stage:      st.SubID,
		Status:     string(st.State),
		Progress:   st.Progress,
		Message:    st.Message,
		Current:    st.Current,
		Total:      st.Total,
		RetryCount: st.RetryCount,
		Events:     st.Events,
		StartedAt:  st.StartedAt,
		UpdatedAt:  st.UpdatedAt,
		FinishedAt: st.FinishedAt,
	}
}

type stageDTO struct {
	ProjectID  string     `json:"project_id"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Current    int        `json:"current,omitempty"`
	Total      int        `json:"total,omitempty"`
	RetryCount *int       `json:"retry_count,omitempty"`
	Events     int64      `json:"events"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
