package model

import (
	"encoding/json"
	"time"
)

// Event is a persisted audit row, mirroring what is published to NATS.
type Event struct {
	ID          int64           `json:"id"`
	Topic       string          `json:"topic"`
	TableID     string          `json:"table_id"`
	OperationID string          `json:"operation_id"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}
