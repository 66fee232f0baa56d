package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// Document is a declarative set of table definitions, as read by
// `gridd schema apply`.
type Document struct {
	Tables []*model.Table `yaml:"tables"`
}

// ReadDocument parses a YAML schema document from path.
func ReadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeDocument(f)
}

// DecodeDocument parses a YAML schema document, rejecting unknown keys.
func DecodeDocument(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("decode schema document: %w", err)
	}
	doc.Normalize()
	return &doc, nil
}

// Normalize fills in flags implied by field types: computed and multiple
// cell value markers, and the owning table id.
func (d *Document) Normalize() {
	for _, t := range d.Tables {
		for _, f := range t.Fields {
			f.TableID = t.ID
			switch {
			case f.Type == model.FieldFormula, f.IsRollup(), f.Type.IsSystem():
				f.IsComputed = true
			case f.IsLookup:
				f.IsComputed = true
			}
			switch f.Type {
			case model.FieldMultipleSelect, model.FieldAttachment:
				f.IsMultipleCellValue = true
			case model.FieldLink:
				if f.Options.Link != nil {
					f.IsMultipleCellValue = f.Options.Link.Relationship.IsMultiple()
				}
			case model.FieldUser:
				f.IsMultipleCellValue = f.Options.User != nil && f.Options.User.IsMultiple
			}
		}
	}

	// A lookup holds several values when its link or the looked up field
	// does. Lookups of lookups need the looked up field settled first.
	fields := make(map[string]*model.Field)
	for _, t := range d.Tables {
		for _, f := range t.Fields {
			fields[f.ID] = f
		}
	}
	for changed := true; changed; {
		changed = false
		for _, f := range fields {
			if !f.IsLookup || f.IsRollup() || f.Lookup == nil || f.IsMultipleCellValue {
				continue
			}
			link, target := fields[f.Lookup.LinkFieldID], fields[f.Lookup.LookupFieldID]
			if link == nil || target == nil || link.IsMultipleCellValue || target.IsMultipleCellValue {
				f.IsMultipleCellValue = true
				changed = true
			}
		}
	}
}

// Validate checks every table and the cross-table references between them:
// link pairs, foreign tables and lookup targets.
func (d *Document) Validate() error {
	var ve model.ValidationError
	tables := make(map[string]*model.Table, len(d.Tables))
	fields := make(map[string]*model.Field)
	for _, t := range d.Tables {
		if err := model.ValidateTable(t); err != nil {
			var tv *model.ValidationError
			if errors.As(err, &tv) {
				for _, fe := range tv.Errors {
					fe.Field = t.ID + "." + fe.Field
					ve.Errors = append(ve.Errors, fe)
				}
			}
		}
		if tables[t.ID] != nil {
			ve.Errors = append(ve.Errors, model.FieldError{Field: t.ID, Message: "duplicate table id"})
		}
		tables[t.ID] = t
		for _, f := range t.Fields {
			if fields[f.ID] != nil && fields[f.ID].TableID != t.ID {
				ve.Errors = append(ve.Errors, model.FieldError{Field: f.ID, Message: "field id used by more than one table"})
			}
			fields[f.ID] = f
		}
	}

	for _, t := range d.Tables {
		for _, f := range t.Fields {
			if lo := f.Options.Link; f.Type == model.FieldLink && lo != nil {
				foreign := tables[lo.ForeignTableID]
				if foreign == nil {
					ve.Errors = append(ve.Errors, model.FieldError{Field: f.ID, Message: fmt.Sprintf("unknown foreign table %q", lo.ForeignTableID)})
					continue
				}
				if lo.LookupFieldID != "" && foreign.Field(lo.LookupFieldID) == nil {
					ve.Errors = append(ve.Errors, model.FieldError{Field: f.ID, Message: fmt.Sprintf("unknown title field %q", lo.LookupFieldID)})
				}
				if lo.Storage.Relation == "" {
					ve.Errors = append(ve.Errors, model.FieldError{Field: f.ID, Message: "storage relation is required"})
				}
				if lo.SymmetricFieldID != "" {
					sym := foreign.Field(lo.SymmetricFieldID)
					if sym == nil {
						ve.Errors = append(ve.Errors, model.FieldError{Field: f.ID, Message: fmt.Sprintf("unknown symmetric field %q", lo.SymmetricFieldID)})
					} else if err := model.ValidateLinkPair(f, sym); err != nil {
						ve.Errors = append(ve.Errors, model.FieldError{Field: f.ID, Message: err.Error()})
					}
				}
			}
			if f.ReadsThroughLink() {
				link := t.Field(f.Lookup.LinkFieldID)
				if link == nil || link.Type != model.FieldLink || link.Options.Link == nil {
					ve.Errors = append(ve.Errors, model.FieldError{Field: f.ID, Message: fmt.Sprintf("unknown link field %q", f.Lookup.LinkFieldID)})
					continue
				}
				foreign := tables[link.Options.Link.ForeignTableID]
				if foreign == nil || foreign.Field(f.Lookup.LookupFieldID) == nil {
					ve.Errors = append(ve.Errors, model.FieldError{Field: f.ID, Message: fmt.Sprintf("unknown looked up field %q", f.Lookup.LookupFieldID)})
				}
			}
		}
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ApplyResult summarizes what Apply changed.
type ApplyResult struct {
	CreatedTables []string
	CreatedFields []string
	UpdatedFields []string
}

// IsEmpty reports whether Apply changed nothing.
func (r *ApplyResult) IsEmpty() bool {
	return len(r.CreatedTables) == 0 && len(r.CreatedFields) == 0 && len(r.UpdatedFields) == 0
}

// Apply creates missing tables and fields and updates changed field
// definitions in one transaction, then invalidates the loader. Fields present
// in the store but absent from the document are left alone.
func Apply(ctx context.Context, st store.Store, loader *Loader, doc *Document) (*ApplyResult, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	var res *ApplyResult
	err := st.RunInTransaction(ctx, func(tx store.Store) error {
		res = &ApplyResult{}
		for _, want := range doc.Tables {
			have, err := tx.GetTable(ctx, want.ID)
			if model.IsNotFound(err) {
				if err := tx.CreateTable(ctx, want.Clone()); err != nil {
					return err
				}
				res.CreatedTables = append(res.CreatedTables, want.ID)
				continue
			}
			if err != nil {
				return err
			}
			for _, f := range want.Fields {
				existing := have.Field(f.ID)
				if existing == nil {
					if err := tx.CreateField(ctx, f.Clone()); err != nil {
						return err
					}
					res.CreatedFields = append(res.CreatedFields, f.ID)
					continue
				}
				same, err := sameDefinition(existing, f)
				if err != nil {
					return err
				}
				if !same {
					if err := tx.UpdateField(ctx, f.Clone()); err != nil {
						return err
					}
					res.UpdatedFields = append(res.UpdatedFields, f.ID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if !res.IsEmpty() {
		var ids []string
		for _, t := range doc.Tables {
			ids = append(ids, t.ID)
		}
		loader.Invalidate(ids...)
	}
	return res, nil
}

func sameDefinition(a, b *model.Field) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ja, jb), nil
}
