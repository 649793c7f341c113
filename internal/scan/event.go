package scan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/queue"
)

// Event is a raw identifier read by a scanner, as it travels on the queue.
type Event struct {
	Kind       attendance.ScanKind `json:"kind"`
	Owner      string              `json:"owner"`
	Payload    string              `json:"payload"`
	Source     string              `json:"source,omitempty"`
	ReceivedAt time.Time           `json:"receivedAt"`
}

// Key identifies repeats of the same read for debouncing.
func (e Event) Key() string {
	return e.Owner + "|" + string(e.Kind) + "|" + e.Payload
}

// Validate checks the fields every event needs.
func (e Event) Validate() error {
	if e.Kind != attendance.KindQR && e.Kind != attendance.KindNFC {
		return fmt.Errorf("%w: unknown scan kind %q", attendance.ErrInvalidInput, e.Kind)
	}
	if strings.TrimSpace(e.Owner) == "" {
		return fmt.Errorf("%w: owner required", attendance.ErrInvalidInput)
	}
	if e.Kind == attendance.KindQR && strings.TrimSpace(e.Payload) == "" {
		return attendance.ErrMalformedPayload
	}
	return nil
}

// Encode wraps e into a queue message.
func Encode(e Event) (queue.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return queue.Message{}, err
	}
	return queue.Message{Type: queue.TypeScan, Body: body}, nil
}

// Decode reads an event from a queue message.
func Decode(msg queue.Message) (Event, error) {
	if msg.Type != queue.TypeScan {
		return Event{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var e Event
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return Event{}, fmt.Errorf("decode scan event: %w", err)
	}
	return e, nil
}
