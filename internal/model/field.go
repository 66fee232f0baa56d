package model

import (
	"regexp"
	"sort"
)

// FieldType is the semantic type of a column.
type FieldType string

const (
	FieldSingleLineText    FieldType = "singleLineText"
	FieldLongText          FieldType = "longText"
	FieldNumber            FieldType = "number"
	FieldCheckbox          FieldType = "checkbox"
	FieldSingleSelect      FieldType = "singleSelect"
	FieldMultipleSelect    FieldType = "multipleSelect"
	FieldDate              FieldType = "date"
	FieldUser              FieldType = "user"
	FieldAttachment        FieldType = "attachment"
	FieldLink              FieldType = "link"
	FieldFormula           FieldType = "formula"
	FieldRollup            FieldType = "rollup"
	FieldConditionalRollup FieldType = "conditionalRollup"
	FieldCreatedTime       FieldType = "createdTime"
	FieldCreatedBy         FieldType = "createdBy"
	FieldLastModifiedTime  FieldType = "lastModifiedTime"
	FieldLastModifiedBy    FieldType = "lastModifiedBy"
	FieldAutoNumber        FieldType = "autoNumber"
)

// String returns the string representation of the field type.
func (t FieldType) String() string {
	return string(t)
}

// IsValid checks whether the field type is a known value.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldSingleLineText, FieldLongText, FieldNumber, FieldCheckbox,
		FieldSingleSelect, FieldMultipleSelect, FieldDate, FieldUser,
		FieldAttachment, FieldLink, FieldFormula, FieldRollup,
		FieldConditionalRollup, FieldCreatedTime, FieldCreatedBy,
		FieldLastModifiedTime, FieldLastModifiedBy, FieldAutoNumber:
		return true
	}
	return false
}

// IsSystem reports whether values of this type are maintained by the
// platform rather than derived from other fields.
func (t FieldType) IsSystem() bool {
	switch t {
	case FieldCreatedTime, FieldCreatedBy, FieldLastModifiedTime,
		FieldLastModifiedBy, FieldAutoNumber:
		return true
	}
	return false
}

// IsTrackAll reports whether the type changes whenever any other cell of the
// same record changes.
func (t FieldType) IsTrackAll() bool {
	return t == FieldLastModifiedTime || t == FieldLastModifiedBy
}

// Relationship is the cardinality of a link field, seen from its own table.
type Relationship string

const (
	OneOne   Relationship = "oneOne"
	OneMany  Relationship = "oneMany"
	ManyOne  Relationship = "manyOne"
	ManyMany Relationship = "manyMany"
)

// IsValid checks whether the relationship is a known value.
func (r Relationship) IsValid() bool {
	switch r {
	case OneOne, OneMany, ManyOne, ManyMany:
		return true
	}
	return false
}

// Reverse returns the relationship as seen from the other side of the link.
func (r Relationship) Reverse() Relationship {
	switch r {
	case OneMany:
		return ManyOne
	case ManyOne:
		return OneMany
	}
	return r
}

// IsMultiple reports whether a cell on this side holds more than one link.
func (r Relationship) IsMultiple() bool {
	return r == OneMany || r == ManyMany
}

// Choice is one option of a select field.
type Choice struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
}

// SelectOptions configures single and multiple select fields.
type SelectOptions struct {
	Choices               []Choice `json:"choices" yaml:"choices"`
	PreventAutoNewOptions bool     `json:"preventAutoNewOptions,omitempty" yaml:"preventAutoNewOptions,omitempty"`
}

// ChoiceByName returns the choice with the exact given name.
func (o *SelectOptions) ChoiceByName(name string) (Choice, bool) {
	for _, c := range o.Choices {
		if c.Name == name {
			return c, true
		}
	}
	return Choice{}, false
}

// NumberOptions configures number fields.
type NumberOptions struct {
	Precision int `json:"precision" yaml:"precision"`
}

// DateOptions configures date fields.
type DateOptions struct {
	Layout   string `json:"layout,omitempty" yaml:"layout,omitempty"`
	TimeZone string `json:"timeZone,omitempty" yaml:"timeZone,omitempty"`
}

// UserOptions configures user fields.
type UserOptions struct {
	IsMultiple bool `json:"isMultiple,omitempty" yaml:"isMultiple,omitempty"`
}

// LinkStorage describes where the rows of a link relation physically live.
// Both fields of a symmetric pair share the same Relation; exactly one of them
// has IsSource set.
type LinkStorage struct {
	// Relation names the junction table, or "<table>.<column>" when the
	// foreign key sits on a host table.
	Relation string `json:"relation" yaml:"relation"`
	// IsSource is true when this field's records occupy the source column.
	IsSource bool `json:"isSource" yaml:"isSource"`
	// Junction is true for junction-table storage, false for a host foreign key.
	Junction bool `json:"junction" yaml:"junction"`
}

// LinkOptions configures link fields.
type LinkOptions struct {
	Relationship     Relationship `json:"relationship" yaml:"relationship"`
	ForeignTableID   string       `json:"foreignTableId" yaml:"foreignTableId"`
	LookupFieldID    string       `json:"lookupFieldId" yaml:"lookupFieldId"`
	SymmetricFieldID string       `json:"symmetricFieldId,omitempty" yaml:"symmetricFieldId,omitempty"`
	Storage          LinkStorage  `json:"storage" yaml:"storage"`
}

// FormulaOptions configures formula fields.
type FormulaOptions struct {
	Expression string `json:"expression" yaml:"expression"`
}

// RollupOptions configures rollup and conditional rollup fields.
type RollupOptions struct {
	Function string `json:"function" yaml:"function"`
}

// FieldOptions holds the type specific option block of a field. At most one
// member is set, matching the field type.
type FieldOptions struct {
	Select  *SelectOptions  `json:"select,omitempty" yaml:"select,omitempty"`
	Number  *NumberOptions  `json:"number,omitempty" yaml:"number,omitempty"`
	Date    *DateOptions    `json:"date,omitempty" yaml:"date,omitempty"`
	User    *UserOptions    `json:"user,omitempty" yaml:"user,omitempty"`
	Link    *LinkOptions    `json:"link,omitempty" yaml:"link,omitempty"`
	Formula *FormulaOptions `json:"formula,omitempty" yaml:"formula,omitempty"`
	Rollup  *RollupOptions  `json:"rollup,omitempty" yaml:"rollup,omitempty"`
}

// LookupOptions describes how a lookup or rollup reads through a link.
type LookupOptions struct {
	LinkFieldID    string  `json:"linkFieldId" yaml:"linkFieldId"`
	ForeignTableID string  `json:"foreignTableId" yaml:"foreignTableId"`
	LookupFieldID  string  `json:"lookupFieldId" yaml:"lookupFieldId"`
	Filter         *Filter `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Field describes one column of a table.
type Field struct {
	ID                  string         `json:"id" yaml:"id"`
	TableID             string         `json:"tableId" yaml:"tableId"`
	Name                string         `json:"name" yaml:"name"`
	Type                FieldType      `json:"type" yaml:"type"`
	IsPrimary           bool           `json:"isPrimary,omitempty" yaml:"isPrimary,omitempty"`
	IsComputed          bool           `json:"isComputed,omitempty" yaml:"isComputed,omitempty"`
	IsLookup            bool           `json:"isLookup,omitempty" yaml:"isLookup,omitempty"`
	IsMultipleCellValue bool           `json:"isMultipleCellValue,omitempty" yaml:"isMultipleCellValue,omitempty"`
	Options             FieldOptions   `json:"options" yaml:"options"`
	Lookup              *LookupOptions `json:"lookup,omitempty" yaml:"lookup,omitempty"`
}

// Clone returns a deep copy of the field so callers may mutate options
// without affecting cached metadata.
func (f *Field) Clone() *Field {
	c := *f
	if f.Options.Select != nil {
		sel := *f.Options.Select
		sel.Choices = append([]Choice(nil), f.Options.Select.Choices...)
		c.Options.Select = &sel
	}
	if f.Options.Number != nil {
		n := *f.Options.Number
		c.Options.Number = &n
	}
	if f.Options.Date != nil {
		d := *f.Options.Date
		c.Options.Date = &d
	}
	if f.Options.User != nil {
		u := *f.Options.User
		c.Options.User = &u
	}
	if f.Options.Link != nil {
		l := *f.Options.Link
		c.Options.Link = &l
	}
	if f.Options.Formula != nil {
		fo := *f.Options.Formula
		c.Options.Formula = &fo
	}
	if f.Options.Rollup != nil {
		r := *f.Options.Rollup
		c.Options.Rollup = &r
	}
	if f.Lookup != nil {
		lk := *f.Lookup
		if f.Lookup.Filter != nil {
			lk.Filter = f.Lookup.Filter.Clone()
		}
		c.Lookup = &lk
	}
	return &c
}

// IsRollup reports whether the field aggregates foreign values.
func (f *Field) IsRollup() bool {
	return f.Type == FieldRollup || f.Type == FieldConditionalRollup
}

// ReadsThroughLink reports whether the field's value is derived from a
// foreign table through a link (lookups and rollups).
func (f *Field) ReadsThroughLink() bool {
	return f.Lookup != nil && (f.IsLookup || f.IsRollup())
}

var referencePattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// FormulaReferences returns the field ids referenced by a formula expression
// through {fieldId} tokens, sorted and de-duplicated.
func FormulaReferences(expression string) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, m := range referencePattern.FindAllStringSubmatch(expression, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}
	sort.Strings(refs)
	return refs
}

// Dependencies lists the ids of the fields whose values this field reads.
// For lookups and rollups this includes the link field (same table) and the
// foreign looked-up and filter fields.
func (f *Field) Dependencies() []string {
	var deps []string
	switch {
	case f.ReadsThroughLink():
		deps = append(deps, f.Lookup.LinkFieldID, f.Lookup.LookupFieldID)
		if f.Lookup.Filter != nil {
			deps = append(deps, f.Lookup.Filter.FieldIDs()...)
		}
	case f.Type == FieldFormula && f.Options.Formula != nil:
		deps = append(deps, FormulaReferences(f.Options.Formula.Expression)...)
	case f.Type == FieldLink && f.Options.Link != nil:
		deps = append(deps, f.Options.Link.LookupFieldID)
	}
	return deps
}
