package api

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/bridge"
	"github.com/JakeFAU/stagestream/internal/channel"
	"github.com/JakeFAU/stagestream/internal/config"
)

// StreamHandler attaches SSE and WebSocket clients to the bridge.
type StreamHandler struct {
	bridge       *bridge.Bridge
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewStreamHandler builds the streaming handlers. An empty AllowedOrigins
// accepts WebSocket upgrades from any origin.
func NewStreamHandler(b *bridge.Bridge, cfg config.BridgeConfig, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := slices.Clone(cfg.AllowedOrigins)
	return &StreamHandler{
		bridge:       b,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return slices.Contains(origins, r.Header.Get("Origin"))
			},
		},
	}
}

// SSEStage handles GET /sse/projects/{project_id}/stages/{stage_name}.
func (h *StreamHandler) SSEStage(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, chi.URLParam(r, "project_id"), chi.URLParam(r, "stage_name"))
}

// SSEProject handles GET /sse/projects/{project_id}, streaming every stage.
func (h *StreamHandler) SSEProject(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, chi.URLParam(r, "project_id"), "")
}

// WSStage handles GET /ws/projects/{project_id}/stage/{stage_name}.
func (h *StreamHandler) WSStage(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, chi.URLParam(r, "project_id"), chi.URLParam(r, "stage_name"))
}

// WSProject handles GET /ws/projects/{project_id}, streaming every stage.
func (h *StreamHandler) WSProject(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, chi.URLParam(r, "project_id"), "")
}

func (h *StreamHandler) serveSSE(w http.ResponseWriter, r *http.Request, group, sub string) {
	if !h.validate(w, group, sub) {
		return
	}
	t, err := bridge.NewSSETransport(w, r, h.writeTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h.serve(r, t, group, sub)
}

func (h *StreamHandler) serveWS(w http.ResponseWriter, r *http.Request, group, sub string) {
	if !h.validate(w, group, sub) {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.serve(r, bridge.NewWebSocketTransport(conn, h.writeTimeout), group, sub)
}

func (h *StreamHandler) serve(r *http.Request, t bridge.Transport, group, sub string) {
	if h.bridge == nil {
		_ = t.Refuse(errors.New("streaming unavailable"))
		_ = t.Close()
		return
	}
	if err := h.bridge.Serve(r.Context(), t, group, sub); err != nil {
		h.logger.Warn("stream refused",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
	}
}

func (h *StreamHandler) validate(w http.ResponseWriter, group, sub string) bool {
	if err := channel.ValidateID(group); err != nil {
		writeError(w, http.StatusBadRequest, "invalid project_id")
		return false
	}
	if sub != "" {
		if err := channel.ValidateID(sub); err != nil {
			writeError(w, http.StatusBadRequest, "invalid stage_name")
			return false
		}
	}
	return true
}
