package postgres

import (
	"encoding/json"
	"fmt"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
)

// marshalEventJSON marshals an event's payload and attributions to JSON.
// Nil attributions produce nil (SQL NULL) rather than JSON "null" string.
func marshalEventJSON(event *v1.Event) (payloadJSON, attributionsJSON []byte, err error) {
	payloadJSON, err = json.Marshal(event.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if len(event.Attributions) > 0 {
		attributionsJSON, err = json.Marshal(event.Attributions)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal attributions: %w", err)
		}
	}

	return payloadJSON, attributionsJSON, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans a database row into an Event struct.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
// Passes sql.ErrNoRows through so callers can map it to storage.ErrNotFound.
func scanEventRow(row scanner) (*v1.Event, error) {
	var evt v1.Event
	var payloadJSON, attributionsJSON []byte

	err := row.Scan(
		&evt.ID,
		&evt.UUID,
		&evt.SourceID,
		&evt.EventTypeID,
		&evt.Timestamp,
		&payloadJSON,
		&attributionsJSON,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if len(attributionsJSON) > 0 {
		if err := json.Unmarshal(attributionsJSON, &evt.Attributions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributions: %w", err)
		}
	}

	return &evt, nil
}

// nullableJSON marshals v to JSON, mapping nil pointers to SQL NULL.
func nullableJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return data, nil
}

// unmarshalInto decodes a nullable JSON column into dest, leaving dest
// untouched on NULL.
func unmarshalInto(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}
