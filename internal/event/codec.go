package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("event: malformed payload")

// ErrNotEncodable is returned when an event has no wire representation.
var ErrNotEncodable = errors.New("event: payload has no wire form")

// wireEvent mirrors the JSON object on the wire. Pointer fields distinguish
// "absent" from the zero value so required fields can be checked on decode.
type wireEvent struct {
	Type           Kind           `json:"type"`
	Channel        string         `json:"channel,omitempty"`
	GroupID        string         `json:"group_id,omitempty"`
	SubID          string         `json:"sub_id,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
	Content        *string        `json:"content,omitempty"`
	CumulativeText *string        `json:"cumulative_text,omitempty"`
	Status         *string        `json:"status,omitempty"`
	Progress       *int           `json:"progress,omitempty"`
	Message        *string        `json:"message,omitempty"`
	Current        *int           `json:"current,omitempty"`
	Total          *int           `json:"total,omitempty"`
	ItemLabel      *string        `json:"item_label,omitempty"`
	Result         *string        `json:"result,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RetryCount     *int           `json:"retry_count,omitempty"`
}

// Encode renders e as one JSON object with the fields required for its kind.
func Encode(e Event) ([]byte, error) {
	obj := map[string]any{"type": e.Kind()}
	if e.GroupID != "" {
		obj["group_id"] = e.GroupID
	}
	stamp := func() {
		if e.SubID != "" {
			obj["sub_id"] = e.SubID
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		obj["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	}

	switch p := e.Payload.(type) {
	case Connected:
		if e.SubID != "" {
			obj["sub_id"] = e.SubID
		}
		if e.Channel != "" {
			obj["channel"] = e.Channel
		}
		obj["message"] = p.Message
	case Token:
		stamp()
		obj["content"] = p.Content
		obj["cumulative_text"] = p.CumulativeText
	case StageUpdate:
		stamp()
		obj["status"] = p.Status
		obj["progress"] = ClampPercent(p.Progress)
		obj["message"] = p.Message
	case Progress:
		stamp()
		obj["current"] = p.Current
		obj["total"] = p.Total
		obj["progress"] = ClampPercent(p.Percent)
		if p.ItemLabel != "" {
			obj["item_label"] = p.ItemLabel
		}
	case Done:
		stamp()
		obj["result"] = p.Result
		meta := p.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		obj["metadata"] = meta
	case Error:
		stamp()
		obj["message"] = p.Message
		if p.RetryCount != nil {
			obj["retry_count"] = *p.RetryCount
		}
	case StreamEnd:
		obj["message"] = p.Message
	case DecodeError, nil:
		return nil, fmt.Errorf("%w: %q", ErrNotEncodable, e.Kind())
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	return data, nil
}

// Decode parses a wire payload, checking the fields required for its type.
// Channel is left empty; callers set it from the transport.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	evt := Event{
		Channel: w.Channel,
		GroupID: w.GroupID,
		SubID:   w.SubID,
	}
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Event{}, fmt.Errorf("%w: timestamp: %w", ErrMalformed, err)
		}
		evt.Timestamp = ts
	}

	switch w.Type {
	case KindConnected:
		evt.Payload = Connected{Message: deref(w.Message)}
	case KindToken:
		if w.Content == nil || w.CumulativeText == nil {
			return Event{}, missing(w.Type, "content/cumulative_text")
		}
		evt.Payload = Token{Content: *w.Content, CumulativeText: *w.CumulativeText}
	case KindStageUpdate:
		if w.Status == nil || w.Progress == nil {
			return Event{}, missing(w.Type, "status/progress")
		}
		evt.Payload = StageUpdate{Status: *w.Status, Progress: *w.Progress, Message: deref(w.Message)}
	case KindProgress:
		if w.Current == nil || w.Total == nil {
			return Event{}, missing(w.Type, "current/total")
		}
		percent := Percent(*w.Current, *w.Total)
		if w.Progress != nil {
			percent = *w.Progress
		}
		evt.Payload = Progress{
			Current:   *w.Current,
			Total:     *w.Total,
			Percent:   percent,
			ItemLabel: deref(w.ItemLabel),
		}
	case KindDone:
		result := deref(w.Result)
		if w.Result == nil {
			result = deref(w.CumulativeText)
		}
		evt.Payload = Done{Result: result, Metadata: w.Metadata}
	case KindError:
		if w.Message == nil {
			return Event{}, missing(w.Type, "message")
		}
		evt.Payload = Error{Message: *w.Message, RetryCount: w.RetryCount}
	case KindStreamEnd:
		evt.Payload = StreamEnd{Message: deref(w.Message)}
	case "":
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}
	return evt, nil
}

func missing(kind Kind, fields string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformed, kind, fields)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
