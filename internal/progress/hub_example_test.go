package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/stagestream/internal/event"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []event.Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(event.Event{
		GroupID:   "proj1",
		SubID:     "storyboard",
		Timestamp: time.Unix(0, 0),
		Payload:   event.StageUpdate{Status: "processing"},
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink implements a custom Sink that collects streamed text length.
func ExampleSink() {
	var chars int
	capture := sinkFunc(func(_ context.Context, batch []event.Event) error {
		for _, evt := range batch {
			if tok, ok := evt.Payload.(event.Token); ok {
				chars = len(tok.CumulativeText)
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.Emit(event.Event{
		GroupID:   "proj1",
		SubID:     "rewrite",
		Timestamp: time.Unix(0, 0),
		Payload:   event.Token{Content: "Hello", CumulativeText: "Hello"},
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("streamed characters: %d\n", chars)
	// Output:
	// streamed characters: 5
}

type sinkFunc func(context.Context, []event.Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []event.Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
