// Package event defines the closed set of progress events that flow from a
// task executor to stream clients, and their JSON wire encoding.
package event

import "time"

// Kind is the wire discriminator carried in the "type" field.
type Kind string

// Wire kinds. KindDecodeError never appears on the wire; subscribers use it to
// report payloads they could not decode.
const (
	KindConnected   Kind = "connected"
	KindToken       Kind = "token"
	KindStageUpdate Kind = "stage_update"
	KindProgress    Kind = "progress"
	KindDone        Kind = "done"
	KindError       Kind = "error"
	KindStreamEnd   Kind = "stream_end"
	KindDecodeError Kind = "decode_error"
)

// Payload is implemented only by the payload types in this package, so the set
// of variants is closed and type switches over it can be exhaustive.
type Payload interface {
	Kind() Kind
	payload()
}

// Token is an incremental text fragment plus the running concatenation.
type Token struct {
	Content        string
	CumulativeText string
}

// StageUpdate is a coarse lifecycle change of the stage.
type StageUpdate struct {
	Status   string
	Progress int
	Message  string
}

// Progress reports batch sub-work, e.g. image N of M.
type Progress struct {
	Current   int
	Total     int
	Percent   int
	ItemLabel string
}

// Done terminates a stream successfully.
type Done struct {
	Result   string
	Metadata map[string]any
}

// Error reports a failure. RetryCount is nil when the producer did not say.
type Error struct {
	Message    string
	RetryCount *int
}

// Connected is written by the bridge as soon as a client is attached.
type Connected struct {
	Message string
}

// StreamEnd is written by the bridge right before it closes a client stream.
type StreamEnd struct {
	Message string
}

// DecodeError wraps a broker payload that could not be decoded.
type DecodeError struct {
	Raw []byte
	Err error
}

func (Token) Kind() Kind       { return KindToken }
func (StageUpdate) Kind() Kind { return KindStageUpdate }
func (Progress) Kind() Kind    { return KindProgress }
func (Done) Kind() Kind        { return KindDone }
func (Error) Kind() Kind       { return KindError }
func (Connected) Kind() Kind   { return KindConnected }
func (StreamEnd) Kind() Kind   { return KindStreamEnd }
func (DecodeError) Kind() Kind { return KindDecodeError }

func (Token) payload()       {}
func (StageUpdate) payload() {}
func (Progress) payload()    {}
func (Done) payload()        {}
func (Error) payload()       {}
func (Connected) payload()   {}
func (StreamEnd) payload()   {}
func (DecodeError) payload() {}

// Event is one progress event together with its routing envelope.
type Event struct {
	// Channel is the concrete broker channel the event was published on.
	Channel string
	// GroupID and SubID identify the producer, e.g. project and stage.
	GroupID string
	SubID   string
	// Timestamp is assigned by the producer. It is informational only.
	Timestamp time.Time
	Payload   Payload
}

// Kind returns the payload kind, or "" for an empty event.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Terminal reports whether the event ends a producer's emission sequence.
func (e Event) Terminal() bool {
	switch e.Payload.(type) {
	case Done, Error:
		return true
	default:
		return false
	}
}

// Percent converts current/total into a 0-100 integer.
func Percent(current, total int) int {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return current * 100 / total
}

// ClampPercent bounds a caller-supplied percentage to 0-100.
func ClampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// IntPtr is a helper for optional integer fields such as Error.RetryCount.
func IntPtr(v int) *int {
	return &v
}
