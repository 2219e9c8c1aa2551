package progress

import (
	"context"

	"github.com/JakeFAU/stagestream/internal/event"
)

// Sink consumes batches of observed events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []event.Event) error
	Close(ctx context.Context) error
}

// Emitter receives individual events; Hub satisfies this interface so
// publishers can remain agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt event.Event)
}
