package events

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/gridbase/internal/model"
)

// Event topic constants
const (
	TopicRecordsCreated = "gridbase.records.created"
	TopicRecordsUpdated = "gridbase.records.updated"
	TopicRecordsDeleted = "gridbase.records.deleted"
	TopicSchemaUpdated  = "gridbase.schema.updated"

	// TopicAll matches every gridbase topic.
	TopicAll = "gridbase.>"
)

// Event types

// ChangeBatch is the single coherent unit published for one record operation:
// the direct and derived cell changes of every table it touched.
type ChangeBatch struct {
	OperationID string             `json:"operation_id"`
	TableID     string             `json:"table_id"`
	Actor       string             `json:"actor,omitempty"`
	Origin      model.Origin       `json:"origin,omitempty"`
	Tables      []string           `json:"tables"`
	RecordIDs   []string           `json:"record_ids,omitempty"`
	Changes     []model.CellChange `json:"changes"`
	Ops         model.OpsMap       `json:"ops"`
}

// SchemaUpdated announces a schema version bump of one table.
type SchemaUpdated struct {
	TableID string `json:"table_id"`
	Version int64  `json:"version"`
	FieldID string `json:"field_id,omitempty"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// ErrClosed is returned when publishing on a closed publisher.
var ErrClosed = errors.New("events: publisher closed")

// TablesOf returns the tables an event touches, or nil for unknown event
// types.
func TablesOf(event any) []string {
	switch e := event.(type) {
	case ChangeBatch:
		return e.Tables
	case *ChangeBatch:
		return e.Tables
	case SchemaUpdated:
		return []string{e.TableID}
	case *SchemaUpdated:
		return []string{e.TableID}
	}
	return nil
}

// Touches reports whether the batch changed a cell of tableID or was issued
// against it.
func (b *ChangeBatch) Touches(tableID string) bool {
	if b.TableID == tableID {
		return true
	}
	for _, t := range b.Tables {
		if t == tableID {
			return true
		}
	}
	return false
}
