package bridge

import (
	"github.com/JakeFAU/stagestream/internal/event"
)

// Transport is one client connection as seen by a Bridge. Implementations
// must tolerate Close being called more than once.
type Transport interface {
	// Name labels the transport in metrics and spans, e.g. "sse".
	Name() string
	// Start commits the streaming response. It is called once, after a
	// successful subscribe and before the first Send.
	Start() error
	// Send writes one encoded event as a single frame.
	Send(kind event.Kind, data []byte) error
	// Heartbeat writes a keep-alive that clients ignore.
	Heartbeat() error
	// Refuse answers a connection that could not be subscribed. It is called
	// instead of Start.
	Refuse(err error) error
	// Close ends the client connection.
	Close() error
	// Gone is closed when the client disconnects.
	Gone() <-chan struct{}
}
