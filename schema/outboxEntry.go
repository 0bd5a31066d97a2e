package schema

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the publish state of an outbox entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Event names for the common change kinds.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// HeaderCorrelationID carries the correlation id through log record headers.
const HeaderCorrelationID = "x-correlation-id"

// OutboxEntry represents an intent-to-publish record written in the same
// transaction as the domain mutation that produced it.
type OutboxEntry struct {
	ID           int64             `json:"id"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	EventName    string            `json:"event_name"`
	Topic        string            `json:"topic"`
	PartitionKey string            `json:"partition_key"`
	Payload      []byte            `json:"payload"`
	Headers      map[string]string `json:"headers"`
	Status       Status            `json:"status"`
	Attempts     int               `json:"attempts"`
	ErrorClass   string            `json:"error_class,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	FailedAt     *time.Time        `json:"failed_at,omitempty"`
	RetryAt      *time.Time        `json:"retry_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewEntry creates a pending OutboxEntry with sensible defaults. A correlation
// id header is added when the caller did not supply one.
func NewEntry(
	resourceType, resourceID, eventName, topic, partitionKey string,
	payload []byte,
	headers map[string]string,
) *OutboxEntry {
	if headers == nil {
		headers = make(map[string]string)
	}
	if headers[HeaderCorrelationID] == "" {
		headers[HeaderCorrelationID] = uuid.NewString()
	}
	now := time.Now().UTC()
	return &OutboxEntry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		EventName:    eventName,
		Topic:        topic,
		PartitionKey: partitionKey,
		Payload:      payload,
		Headers:      headers,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
