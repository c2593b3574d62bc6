package v1

import (
	"fmt"
	"time"
)

// Attribution links an event to another entity for scoped aggregation.
// Examples: {type: "identity", value: "user_42"}, {type: "campaign", value: "spring_sale"}.
type Attribution struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Event is one recorded fact. Events are write-once: after recording, the
// row is never mutated, only re-read by the aggregation pipeline.
type Event struct {
	// ID is the server-side identifier assigned on insert (BIGSERIAL).
	// It is what the aggregation queue carries, not the client UUID.
	ID int64 `json:"-"`

	// UUID is the client-supplied idempotency key. Recording the same UUID
	// twice returns the originally recorded event.
	UUID string `json:"uuid"`

	SourceID    string `json:"source_id"`
	EventTypeID string `json:"event_type_id"`

	// Timestamp is when the event happened. BOOLEAN metrics keep this exact
	// value; every other aggregation type truncates it to the storage bucket.
	Timestamp time.Time `json:"timestamp"`

	// Payload is a flat map of scalar fields. Numbers become SUM/COMPOUND_SUM
	// inputs, strings become CATEGORY inputs, booleans become both CATEGORY
	// and BOOLEAN inputs.
	Payload map[string]any `json:"payload"`

	Attributions []Attribution `json:"attributions,omitempty"`
}

// EventTransfer is the client-facing shape for recording an event.
// Timestamp defaults to the server clock when zero.
type EventTransfer struct {
	UUID         string         `json:"uuid"`
	EventType    string         `json:"event_type"`
	Payload      map[string]any `json:"payload"`
	Attributions []Attribution  `json:"attributions,omitempty"`
	Timestamp    time.Time      `json:"timestamp,omitempty"`
}

// Validate ensures the transfer has the required fields.
func (t *EventTransfer) Validate() error {
	if t.UUID == "" {
		return fmt.Errorf("uuid is required")
	}
	if t.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	return nil
}

// TimeRange is the inclusive [Start, End] window used by every query and by
// retention sweeps. Callers must pass Start <= End.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range, inclusive on both ends.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}
