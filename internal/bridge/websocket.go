package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JakeFAU/stagestream/internal/event"
)

// CloseTryAgainLater is the close code sent when subscribing failed.
const CloseTryAgainLater = 1013

const defaultWSWriteTimeout = 10 * time.Second

// WebSocketTransport writes one text message per event. A read pump detects
// disconnects and answers {"type":"ping"} messages with {"type":"pong"}.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool

	gone      chan struct{}
	goneOnce  sync.Once
	closeOnce sync.Once
}

// NewWebSocketTransport takes ownership of an upgraded connection and starts
// its read pump.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketTransport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWSWriteTimeout
	}
	t := &WebSocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		gone:         make(chan struct{}),
	}
	go t.readPump()
	return t
}

// Name implements Transport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Start is a no-op; the upgrade already committed the response.
func (t *WebSocketTransport) Start() error { return nil }

// Send implements Transport.
func (t *WebSocketTransport) Send(_ event.Kind, data []byte) error {
	return t.writeMessage(websocket.TextMessage, data)
}

// Heartbeat sends a ping control frame.
func (t *WebSocketTransport) Heartbeat() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

// Refuse closes the connection with code 1013.
func (t *WebSocketTransport) Refuse(error) error {
	return t.closeWith(CloseTryAgainLater, "connection refused")
}

// Close sends a normal closure and releases the connection.
func (t *WebSocketTransport) Close() error {
	return t.closeWith(websocket.CloseNormalClosure, "stream closed")
}

// Gone implements Transport.
func (t *WebSocketTransport) Gone() <-chan struct{} { return t.gone }

func (t *WebSocketTransport) closeWith(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.closed = true
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) writeMessage(messageType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

type clientMessage struct {
	Type      string `json:"type"`
	Timestamp any    `json:"timestamp,omitempty"`
}

func (t *WebSocketTransport) readPump() {
	defer t.goneOnce.Do(func() { close(t.gone) })
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil || msg.Type != "ping" {
			continue
		}
		pong, err := json.Marshal(map[string]any{"type": "pong", "timestamp": msg.Timestamp})
		if err != nil {
			continue
		}
		if t.writeMessage(websocket.TextMessage, pong) != nil {
			return
		}
	}
}
