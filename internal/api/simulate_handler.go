package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/simulate"
)

const launchTimeout = 2 * time.Second

// Launcher queues simulated stage runs.
type Launcher interface {
	Launch(ctx context.Context, group, sub string, req simulate.Request) (string, error)
}

// SimulateHandler starts demo runs so clients can watch a stream end to end.
type SimulateHandler struct {
	launcher Launcher
	ns       channel.Namespace
	logger   *zap.Logger
}

// NewSimulateHandler wires the launcher. A nil launcher disables the route.
func NewSimulateHandler(launcher Launcher, ns channel.Namespace, logger *zap.Logger) *SimulateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulateHandler{launcher: launcher, ns: ns, logger: logger}
}

// Simulate handles POST /api/projects/{project_id}/stages/{stage_name}/simulate.
// The optional JSON body is a simulate.Request. It answers 202 with the task id
// and channel, 400 for bad input, or 503 when runs cannot be queued.
func (h *SimulateHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	if h.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "simulation disabled")
		return
	}
	projectID := chi.URLParam(r, "project_id")
	stage := chi.URLParam(r, "stage_name")
	name, err := h.ns.Name(projectID, stage)
	if err != nil || stage == "" {
		writeError(w, http.StatusBadRequest, "invalid project_id or stage_name")
		return
	}

	var req simulate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), launchTimeout)
	defer cancel()
	taskID, err := h.launcher.Launch(ctx, projectID, stage, req)
	if err != nil {
		if errors.Is(err, channel.ErrInvalidID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Warn("launch simulation failed", zap.String("channel", name), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "simulation queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":    taskID,
		"channel":    name,
		"project_id": projectID,
		"stage":      stage,
	})
}
