package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/bridge"
	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/config"
	"github.com/JakeFAU/stagestream/internal/metrics"
	"github.com/JakeFAU/stagestream/internal/policy/ratelimit"
	"github.com/JakeFAU/stagestream/internal/store"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
)

// Dependencies are the collaborators the HTTP layer serves from.
type Dependencies struct {
	Broker   broker.Broker
	Bridge   *bridge.Bridge
	Statuses store.StatusRepository
	// Launcher is optional; without it the simulate route answers 503.
	Launcher Launcher
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the broker, bridge and status store.
type Server struct {
	router chi.Router
	broker broker.Broker
	logger *zap.Logger
	cfg    config.Config
}

// NewServer constructs a Server with middleware and routes. Streaming routes
// are mounted outside the request timeout.
func NewServer(cfg config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		broker: deps.Broker,
		logger: logger,
		cfg:    cfg,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	streams := NewStreamHandler(deps.Bridge, cfg.Bridge, logger)
	statuses := NewStatusHandler(deps.Statuses, logger)
	sim := NewSimulateHandler(deps.Launcher, cfg.Namespace(), logger)
	admission := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Server.AdmissionRPS,
		DefaultBurst: cfg.Server.AdmissionBurst,
	})
	reject := func(route string) func(*http.Request) {
		return func(r *http.Request) {
			deps.Metrics.AdmissionRejected(route)
			logger.Warn("admission limit reached",
				zap.String("route", route),
				zap.String("client", ratelimit.ClientKey(r)),
				zap.String("request_id", RequestID(r.Context())),
			)
		}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(chimw.StripSlashes)
	r.Use(deps.Metrics.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(admission.Middleware(reject("stream")))
		r.Get("/sse/projects/{project_id}/stages/{stage_name}", streams.SSEStage)
		r.Get("/sse/projects/{project_id}", streams.SSEProject)
		r.Get("/ws/projects/{project_id}/stage/{stage_name}", streams.WSStage)
		r.Get("/ws/projects/{project_id}", streams.WSProject)
	})

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

		r.Route("/api/projects/{project_id}/stages", func(r chi.Router) {
			r.Get("/", statuses.ListStages)
			r.Get("/{stage_name}", statuses.GetStage)
			r.With(admission.Middleware(reject("simulate"))).Post("/{stage_name}/simulate", sim.Simulate)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
