package model

import "sort"

// CellContext is the atomic before/after unit produced whenever a cell
// changes. OldValue is the value immediately prior to this change.
type CellContext struct {
	RecordID string `json:"recordId"`
	FieldID  string `json:"fieldId"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// CellChange is a CellContext annotated with its table.
type CellChange struct {
	TableID string `json:"tableId"`
	CellContext
}

// IsNoop reports whether the change leaves the cell semantically unchanged.
func (c CellContext) IsNoop() bool {
	return ValuesEqual(c.OldValue, c.NewValue)
}

// ToChanges annotates contexts with their table id.
func ToChanges(tableID string, contexts []CellContext) []CellChange {
	out := make([]CellChange, len(contexts))
	for i, c := range contexts {
		out[i] = CellChange{TableID: tableID, CellContext: c}
	}
	return out
}

// OpKind is the kind of a field operation.
type OpKind string

const (
	OpSet   OpKind = "set"
	OpUnset OpKind = "unset"
)

// FieldOp is a single net write to one cell.
type FieldOp struct {
	FieldID  string `json:"fieldId"`
	Kind     OpKind `json:"kind"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
}

// OpsMap maps table id to record id to the ordered field operations for that
// record. A (table, record, field) appears at most once.
type OpsMap map[string]map[string][]FieldOp

// Put records op for a cell, replacing any existing op on the same field
// while keeping its position.
func (m OpsMap) Put(tableID, recordID string, op FieldOp) {
	records, ok := m[tableID]
	if !ok {
		records = make(map[string][]FieldOp)
		m[tableID] = records
	}
	ops := records[recordID]
	for i := range ops {
		if ops[i].FieldID == op.FieldID {
			ops[i] = op
			return
		}
	}
	records[recordID] = append(ops, op)
}

// Len returns the number of field operations in the map.
func (m OpsMap) Len() int {
	n := 0
	for _, records := range m {
		for _, ops := range records {
			n += len(ops)
		}
	}
	return n
}

// Tables returns the sorted table ids present in the map.
func (m OpsMap) Tables() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecordWrite is the set of cell values to persist for one record.
type RecordWrite struct {
	RecordID string
	Fields   map[string]any
}

// Writes converts the ops of one table into per-record writes. Unset ops
// write nil.
func (m OpsMap) Writes(tableID string) []RecordWrite {
	records := m[tableID]
	out := make([]RecordWrite, 0, len(records))
	for recordID, ops := range records {
		w := RecordWrite{RecordID: recordID, Fields: make(map[string]any, len(ops))}
		for _, op := range ops {
			if op.Kind == OpUnset {
				w.Fields[op.FieldID] = nil
			} else {
				w.Fields[op.FieldID] = op.NewValue
			}
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}
