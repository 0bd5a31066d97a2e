package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventPayload is the envelope serialized into OutboxEntry.Payload and carried
// as the log record value. Version is the source entity's monotonic version
// (or any counter that only moves forward); consumers use it to discard stale
// out-of-order redeliveries.
type EventPayload struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	EventName    string          `json:"event_name"`
	Version      int64           `json:"version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// EncodePayload serializes an EventPayload to bytes.
func EncodePayload(p *EventPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return b, nil
}

// DecodePayload deserializes an EventPayload; the inverse of EncodePayload.
func DecodePayload(b []byte) (*EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	if p.ResourceType == "" || p.ResourceID == "" {
		return nil, fmt.Errorf("decode event payload: missing resource identity")
	}
	return &p, nil
}
