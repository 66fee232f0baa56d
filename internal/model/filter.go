package model

import (
	"fmt"
	"strings"
)

// Conjunction joins the conditions of a filter.
type Conjunction string

const (
	ConjunctionAnd Conjunction = "and"
	ConjunctionOr  Conjunction = "or"
)

// Operator is a comparison applied by a filter condition.
type Operator string

const (
	OpIs         Operator = "is"
	OpIsNot      Operator = "isNot"
	OpContains   Operator = "contains"
	OpIsEmpty    Operator = "isEmpty"
	OpIsNotEmpty Operator = "isNotEmpty"
	OpIsGreater  Operator = "isGreater"
	OpIsLess     Operator = "isLess"
)

// IsValid checks whether the operator is a known value.
func (o Operator) IsValid() bool {
	switch o {
	case OpIs, OpIsNot, OpContains, OpIsEmpty, OpIsNotEmpty, OpIsGreater, OpIsLess:
		return true
	}
	return false
}

// Condition compares one field of a foreign record against a value.
type Condition struct {
	FieldID  string   `json:"fieldId" yaml:"fieldId"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Filter restricts the foreign records a conditional lookup or rollup reads.
type Filter struct {
	Conjunction Conjunction `json:"conjunction" yaml:"conjunction"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
}

// Clone returns a copy of the filter.
func (f *Filter) Clone() *Filter {
	if f == nil {
		return nil
	}
	c := *f
	c.Conditions = append([]Condition(nil), f.Conditions...)
	return &c
}

// FieldIDs returns the ids of the fields the filter reads.
func (f *Filter) FieldIDs() []string {
	if f == nil {
		return nil
	}
	ids := make([]string, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		ids = append(ids, c.FieldID)
	}
	return ids
}

// Validate checks the filter's operators and conjunction.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	if f.Conjunction != "" && f.Conjunction != ConjunctionAnd && f.Conjunction != ConjunctionOr {
		return fmt.Errorf("invalid conjunction %q", f.Conjunction)
	}
	for _, c := range f.Conditions {
		if c.FieldID == "" {
			return fmt.Errorf("condition is missing fieldId")
		}
		if !c.Operator.IsValid() {
			return fmt.Errorf("invalid operator %q on %s", c.Operator, c.FieldID)
		}
	}
	return nil
}

// Match evaluates the filter against a record's cells. A nil or empty filter
// matches everything.
func (f *Filter) Match(cells map[string]any) bool {
	if f == nil || len(f.Conditions) == 0 {
		return true
	}
	or := f.Conjunction == ConjunctionOr
	for _, c := range f.Conditions {
		ok := c.match(cells[c.FieldID])
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func (c Condition) match(v any) bool {
	switch c.Operator {
	case OpIsEmpty:
		return IsEmptyValue(v)
	case OpIsNotEmpty:
		return !IsEmptyValue(v)
	case OpIs:
		return matchAny(v, func(s any) bool { return equalScalar(s, c.Value) })
	case OpIsNot:
		return !matchAny(v, func(s any) bool { return equalScalar(s, c.Value) })
	case OpContains:
		needle := strings.ToLower(CellTitle(c.Value))
		return matchAny(v, func(s any) bool {
			return strings.Contains(strings.ToLower(CellTitle(s)), needle)
		})
	case OpIsGreater:
		return matchAny(v, func(s any) bool {
			n, ok := compareScalar(s, c.Value)
			return ok && n > 0
		})
	case OpIsLess:
		return matchAny(v, func(s any) bool {
			n, ok := compareScalar(s, c.Value)
			return ok && n < 0
		})
	}
	return false
}

// matchAny applies fn to a scalar or to each element of an array cell.
func matchAny(v any, fn func(any) bool) bool {
	if arr, ok := v.([]any); ok {
		for _, item := range arr {
			if fn(item) {
				return true
			}
		}
		return false
	}
	return fn(v)
}

func equalScalar(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	n, ok := compareScalar(a, b)
	return ok && n == 0
}

// compareScalar orders two cell scalars. Numbers compare numerically, objects
// by their title, everything else by its string form. The boolean is false
// when either side is nil.
func compareScalar(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	af, aok := ToFloat(a)
	bf, bok := ToFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(CellTitle(a), CellTitle(b)), true
}
