package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/JakeFAU/stagestream/internal/event"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("bridge: response writer does not support streaming")

// SSETransport writes events as Server-Sent Events:
//
//	event: {type}
//	data: {json}
//
// Heartbeats are ": ping" comments.
type SSETransport struct {
	w            http.ResponseWriter
	flusher      http.Flusher
	rc           *http.ResponseController
	gone         <-chan struct{}
	writeTimeout time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewSSETransport wraps an HTTP response. The request context signals
// disconnects.
func NewSSETransport(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*SSETransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSETransport{
		w:            w,
		flusher:      flusher,
		rc:           http.NewResponseController(w),
		gone:         r.Context().Done(),
		writeTimeout: writeTimeout,
	}, nil
}

// Name implements Transport.
func (t *SSETransport) Name() string { return "sse" }

// Start writes the event-stream headers.
func (t *SSETransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	t.started = true
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)
	t.flusher.Flush()
	return nil
}

// Send implements Transport.
func (t *SSETransport) Send(kind event.Kind, data []byte) error {
	return t.write(func() error {
		_, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", kind, data)
		return err
	})
}

// Heartbeat implements Transport.
func (t *SSETransport) Heartbeat() error {
	return t.write(func() error {
		_, err := fmt.Fprint(t.w, ": ping\n\n")
		return err
	})
}

// Refuse answers with 503 and a JSON error body.
func (t *SSETransport) Refuse(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed {
		return nil
	}
	t.started = true
	t.w.Header().Set("Content-Type", "application/json")
	t.w.WriteHeader(http.StatusServiceUnavailable)
	body := map[string]string{"error": "connection refused"}
	if err != nil {
		body["detail"] = err.Error()
	}
	if encErr := json.NewEncoder(t.w).Encode(body); encErr != nil {
		return fmt.Errorf("write refusal: %w", encErr)
	}
	return nil
}

// Close stops further writes. The HTTP handler returning ends the response.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Gone implements Transport.
func (t *SSETransport) Gone() <-chan struct{} { return t.gone }

func (t *SSETransport) write(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.writeTimeout > 0 {
		if err := t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := fn(); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	t.flusher.Flush()
	return nil
}
