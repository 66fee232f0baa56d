package model

import (
	"fmt"
	"time"
)

// Table is an ordered list of fields plus the identity of its record store.
// Version increases on every schema mutation.
type Table struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Version int64    `json:"version" yaml:"version"`
	Fields  []*Field `json:"fields" yaml:"fields"`
}

// Field returns the field with the given id, or nil.
func (t *Table) Field(id string) *Field {
	for _, f := range t.Fields {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// FieldByName returns the field with the given name, or nil.
func (t *Table) FieldByName(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// PrimaryField returns the table's primary (title) field, or nil.
func (t *Table) PrimaryField() *Field {
	for _, f := range t.Fields {
		if f.IsPrimary {
			return f
		}
	}
	return nil
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := *t
	c.Fields = make([]*Field, len(t.Fields))
	for i, f := range t.Fields {
		c.Fields[i] = f.Clone()
	}
	return &c
}

// ValidateTable checks a table definition for constraint violations.
// It returns a *ValidationError if any rules fail, or nil if the table is valid.
func ValidateTable(t *Table) error {
	var ve ValidationError

	if t.ID == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "id", Message: "is required"})
	}
	if t.Name == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "name", Message: "is required"})
	}

	ids := make(map[string]bool, len(t.Fields))
	primaries := 0
	for _, f := range t.Fields {
		if f.ID == "" {
			ve.Errors = append(ve.Errors, FieldError{Field: "fields", Message: fmt.Sprintf("field %q has no id", f.Name)})
			continue
		}
		if ids[f.ID] {
			ve.Errors = append(ve.Errors, FieldError{Field: f.ID, Message: "duplicate field id"})
		}
		ids[f.ID] = true
		if f.TableID != "" && f.TableID != t.ID {
			ve.Errors = append(ve.Errors, FieldError{Field: f.ID, Message: fmt.Sprintf("belongs to table %s", f.TableID)})
		}
		if !f.Type.IsValid() {
			ve.Errors = append(ve.Errors, FieldError{Field: f.ID, Message: fmt.Sprintf("invalid type %q", f.Type)})
		}
		if f.IsPrimary {
			primaries++
		}
		if f.Type == FieldLink {
			if f.Options.Link == nil {
				ve.Errors = append(ve.Errors, FieldError{Field: f.ID, Message: "link options are required"})
			} else if !f.Options.Link.Relationship.IsValid() {
				ve.Errors = append(ve.Errors, FieldError{Field: f.ID, Message: fmt.Sprintf("invalid relationship %q", f.Options.Link.Relationship)})
			}
		}
		if f.Type == FieldFormula && (f.Options.Formula == nil || f.Options.Formula.Expression == "") {
			ve.Errors = append(ve.Errors, FieldError{Field: f.ID, Message: "formula expression is required"})
		}
		if f.IsLookup || f.IsRollup() {
			if f.Lookup == nil {
				ve.Errors = append(ve.Errors, FieldError{Field: f.ID, Message: "lookup options are required"})
			} else if err := f.Lookup.Filter.Validate(); err != nil {
				ve.Errors = append(ve.Errors, FieldError{Field: f.ID, Message: err.Error()})
			}
		}
	}
	if primaries > 1 {
		ve.Errors = append(ve.Errors, FieldError{Field: "fields", Message: "at most one primary field"})
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidateLinkPair checks that two link fields form a consistent symmetric
// pair: they point at each other and agree on relationship kind and storage.
func ValidateLinkPair(a, b *Field) error {
	la, lb := a.Options.Link, b.Options.Link
	if la == nil || lb == nil {
		return fmt.Errorf("link pair %s/%s: both fields must be links", a.ID, b.ID)
	}
	if la.SymmetricFieldID != b.ID || lb.SymmetricFieldID != a.ID {
		return fmt.Errorf("link pair %s/%s: symmetric ids do not point at each other", a.ID, b.ID)
	}
	if la.ForeignTableID != b.TableID || lb.ForeignTableID != a.TableID {
		return fmt.Errorf("link pair %s/%s: foreign tables do not match", a.ID, b.ID)
	}
	if la.Relationship.Reverse() != lb.Relationship {
		return fmt.Errorf("link pair %s/%s: relationship %s does not mirror %s", a.ID, b.ID, la.Relationship, lb.Relationship)
	}
	if la.Storage.Relation != lb.Storage.Relation || la.Storage.IsSource == lb.Storage.IsSource {
		return fmt.Errorf("link pair %s/%s: storage must share a relation with one source side", a.ID, b.ID)
	}
	return nil
}

// Record is one row of a table.
type Record struct {
	ID          string         `json:"id"`
	Fields      map[string]any `json:"fields"`
	Version     int64          `json:"version"`
	AutoNumber  int64          `json:"autoNumber"`
	CreatedTime time.Time      `json:"createdTime"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	Order       float64        `json:"order"`
}

// Clone returns a copy of the record with its own cell map.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Project returns a copy of the record restricted to the given field ids.
// A nil projection keeps every field.
func (r *Record) Project(projection []string) *Record {
	c := r.Clone()
	if projection == nil {
		return c
	}
	keep := make(map[string]bool, len(projection))
	for _, id := range projection {
		keep[id] = true
	}
	for k := range c.Fields {
		if !keep[k] {
			delete(c.Fields, k)
		}
	}
	return c
}

// RecordPosition places a record relative to an anchor record.
type RecordPosition string

const (
	PositionBefore RecordPosition = "before"
	PositionAfter  RecordPosition = "after"
)

// RecordOrder is an optional ordering hint for inserted or duplicated records.
type RecordOrder struct {
	AnchorID string         `json:"anchorId"`
	Position RecordPosition `json:"position"`
}

// FieldKeyType selects how incoming record payloads address fields.
type FieldKeyType string

const (
	FieldKeyID   FieldKeyType = "id"
	FieldKeyName FieldKeyType = "name"
)

// RecordInput is one record payload of a create or update request.
type RecordInput struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

// User is a collaborator who may appear in user cells.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// ToCell returns the JSON-compatible object form of the user.
func (u User) ToCell() map[string]any {
	m := map[string]any{"id": u.ID, "title": u.Name}
	if u.Email != "" {
		m["email"] = u.Email
	}
	return m
}
