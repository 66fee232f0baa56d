package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanRecord scans a single row into a model.Record.
// The row must contain columns in the order defined by recordColumns.
func scanRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var (
		fields    []byte
		createdBy sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&fields,
		&r.Version,
		&r.AutoNumber,
		&r.CreatedTime,
		&createdBy,
		&r.Order,
	); err != nil {
		return nil, err
	}
	r.CreatedBy = createdBy.String
	r.Fields = make(map[string]any)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of record %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// scanRecords scans multiple rows into a slice of model.Record pointers.
func scanRecords(rows *sql.Rows) ([]*model.Record, error) {
	var recs []*model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// scanFields decodes field definitions stored as JSONB documents.
func scanFields(rows *sql.Rows) ([]*model.Field, error) {
	var fields []*model.Field
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		var f model.Field
		if err := json.Unmarshal(def, &f); err != nil {
			return nil, fmt.Errorf("decode field definition: %w", err)
		}
		fields = append(fields, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fields, nil
}

// scanLinkRows scans link association rows.
func scanLinkRows(rows *sql.Rows) ([]store.LinkRow, error) {
	var out []store.LinkRow
	for rows.Next() {
		var l store.LinkRow
		if err := rows.Scan(&l.SourceID, &l.TargetID, &l.SourceOrder, &l.TargetOrder); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanUsers scans collaborator rows.
func scanUsers(rows *sql.Rows) ([]model.User, error) {
	var out []model.User
	for rows.Next() {
		var u model.User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &email); err != nil {
			return nil, err
		}
		u.Email = email.String
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanEvent scans a single row into a model.Event.
func scanEvent(row scannable) (*model.Event, error) {
	var e model.Event
	var (
		actor   sql.NullString
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.Topic, &e.TableID, &e.OperationID, &actor, &payload, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Actor = actor.String
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// scanEvents scans multiple rows into a slice of model.Event pointers.
func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
