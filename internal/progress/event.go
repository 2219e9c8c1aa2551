package progress

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/stagestream/internal/event"
)

// Validate performs coarse validation on observed events. Bridge sentinels and
// decode errors are never produced by a publisher, so they are rejected.
func Validate(evt event.Event) error {
	if evt.GroupID == "" {
		return errors.New("group id is required")
	}
	if evt.SubID == "" {
		return errors.New("sub id is required")
	}
	if evt.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	switch p := evt.Payload.(type) {
	case event.Token, event.StageUpdate, event.Done:
	case event.Progress:
		if p.Total < 0 || p.Current < 0 {
			return errors.New("progress counters must be >= 0")
		}
	case event.Error:
		if p.Message == "" {
			return errors.New("error event requires message")
		}
	case event.Connected, event.StreamEnd, event.DecodeError, nil:
		return fmt.Errorf("kind %q is not observable", evt.Kind())
	}
	return nil
}
