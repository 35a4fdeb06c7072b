package store

import (
	"encoding/json"
	"time"
)

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueEntry is one durable offline operation.
type QueueEntry struct {
	ID           string      `json:"id"`
	Payload      string      `json:"payload"`
	Status       QueueStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	LastRetryAt  *time.Time  `json:"last_retry_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (e *QueueEntry) Clone() *QueueEntry {
	c := *e
	if e.LastRetryAt != nil {
		t := *e.LastRetryAt
		c.LastRetryAt = &t
	}
	return &c
}

// Conflict is the audit record of a detected (and possibly resolved) conflict.
type Conflict struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	LocalData    json.RawMessage `json:"local_data"`
	RemoteData   json.RawMessage `json:"remote_data"`
	ConflictType string          `json:"conflict_type"`
	DetectedAt   time.Time       `json:"detected_at"`
	Resolved     bool            `json:"resolved"`
	Resolution   string          `json:"resolution,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	ResolvedData json.RawMessage `json:"resolved_data,omitempty"`
}

type SyncHistory struct {
	ID                string     `json:"id"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Collections       string     `json:"collections"`
	ConflictsDetected int        `json:"conflicts_detected"`
	Status            string     `json:"status"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}
