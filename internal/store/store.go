package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/gridbase/internal/model"
)

// ErrConflict is returned by stores that detect a write-write conflict at
// commit time. It is always safe to retry the whole transaction.
var ErrConflict = errors.New("store: transaction conflict")

// SchemaStore persists tables and their field definitions. Every field
// mutation bumps the owning table's version.
type SchemaStore interface {
	GetTable(ctx context.Context, tableID string) (*model.Table, error)
	ListTables(ctx context.Context) ([]*model.Table, error)
	CreateTable(ctx context.Context, table *model.Table) error
	CreateField(ctx context.Context, field *model.Field) error
	UpdateField(ctx context.Context, field *model.Field) error
	// GetFieldsByProjection returns the table's fields in table order,
	// restricted to projection when it is non-nil.
	GetFieldsByProjection(ctx context.Context, tableID string, projection []string) ([]*model.Field, error)
}

// RecordStore persists record rows.
type RecordStore interface {
	// GetSnapshotBulk returns the requested records in request order,
	// restricted to projection when it is non-nil. Unknown ids are omitted.
	GetSnapshotBulk(ctx context.Context, tableID string, recordIDs []string, projection []string) ([]*model.Record, error)
	ListRecords(ctx context.Context, tableID string, projection []string, limit, offset int) ([]*model.Record, error)
	// InsertRecords stores new records. The store assigns AutoNumber, and
	// CreatedTime when it is zero; Version starts at 1.
	InsertRecords(ctx context.Context, tableID string, records []*model.Record) error
	// BatchWrite merges cell values into existing records and bumps each
	// written record's version once. It returns the new versions.
	BatchWrite(ctx context.Context, tableID string, writes []model.RecordWrite) (map[string]int64, error)
	DeleteRecords(ctx context.Context, tableID string, recordIDs []string) error
	// FindRecordsByTitle returns records whose fieldID cell renders to one of
	// titles exactly.
	FindRecordsByTitle(ctx context.Context, tableID, fieldID string, titles []string) ([]*model.Record, error)
	GetRecordIndexes(ctx context.Context, tableID string, recordIDs []string) (map[string]float64, error)
	UpdateRecordIndexes(ctx context.Context, tableID string, indexes map[string]float64) error
}

// LinkSide selects which column of a link relation a lookup matches.
type LinkSide int

const (
	SideSource LinkSide = iota
	SideTarget
)

// LinkRow is one association stored for a link relation. SourceOrder is the
// position of the target inside the source record's cell; TargetOrder the
// position of the source inside the target record's cell.
type LinkRow struct {
	SourceID    string
	TargetID    string
	SourceOrder float64
	TargetOrder float64
}

// LinkKey identifies a link row within its relation.
type LinkKey struct {
	SourceID string
	TargetID string
}

// LinkDelta is a planned mutation of one link relation.
type LinkDelta struct {
	Relation string
	Upsert   []LinkRow
	Remove   []LinkKey
}

// IsEmpty reports whether the delta changes nothing.
func (d LinkDelta) IsEmpty() bool {
	return len(d.Upsert) == 0 && len(d.Remove) == 0
}

// LinkStore persists link relations, whether they live in a junction table or
// as a foreign key on a host table.
type LinkStore interface {
	// GetLinkRows returns the rows whose side column matches one of ids.
	GetLinkRows(ctx context.Context, relation string, side LinkSide, ids []string) ([]LinkRow, error)
	ApplyLinkDelta(ctx context.Context, delta LinkDelta) error
}

// Directory resolves collaborators of a table.
type Directory interface {
	// ResolveUsers matches identifiers against collaborator ids, emails and
	// names. Unmatched identifiers are omitted.
	ResolveUsers(ctx context.Context, tableID string, identifiers []string) ([]model.User, error)
	AddCollaborator(ctx context.Context, tableID string, user model.User) error
}

// EventLog persists audit rows.
type EventLog interface {
	RecordEvent(ctx context.Context, event *model.Event) error
	ListEvents(ctx context.Context, tableID string, limit int) ([]*model.Event, error)
}

// Store composes every persistence concern used by the record engine.
type Store interface {
	SchemaStore
	RecordStore
	LinkStore
	Directory
	EventLog

	// LockTables takes shared locks on the given tables in sorted id order so
	// concurrent operations acquire them consistently.
	LockTables(ctx context.Context, tableIDs []string) error

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
