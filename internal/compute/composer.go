package compute

import (
	"github.com/alfredjeanlab/gridbase/internal/model"
)

type cellKey struct {
	table, record, field string
}

// MergeDuplicateChange collapses changes to the same (table, record, field)
// into one, keeping the earliest OldValue and the latest NewValue. The merged
// change takes the position of the first occurrence.
func MergeDuplicateChange(changes []model.CellChange) []model.CellChange {
	index := make(map[cellKey]int, len(changes))
	out := make([]model.CellChange, 0, len(changes))
	for _, c := range changes {
		k := cellKey{c.TableID, c.RecordID, c.FieldID}
		if i, ok := index[k]; ok {
			out[i].NewValue = c.NewValue
			continue
		}
		index[k] = len(out)
		out = append(out, c)
	}
	return out
}

// CompressAndFilterChanges merges duplicates, drops no-op changes, and drops
// track-all system changes (last modified time/by) on records whose only
// other changes are to system fields. systemField reports whether a field id
// is platform-maintained; trackAll whether it is a track-all field.
func CompressAndFilterChanges(changes []model.CellChange, systemField, trackAll func(fieldID string) bool) []model.CellChange {
	merged := MergeDuplicateChange(changes)

	type recKey struct{ table, record string }
	substantive := make(map[recKey]bool)
	kept := merged[:0:0]
	for _, c := range merged {
		if c.IsNoop() {
			continue
		}
		kept = append(kept, c)
		if !systemField(c.FieldID) {
			substantive[recKey{c.TableID, c.RecordID}] = true
		}
	}

	out := make([]model.CellChange, 0, len(kept))
	for _, c := range kept {
		if trackAll(c.FieldID) && !substantive[recKey{c.TableID, c.RecordID}] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FormatChangesToOps converts a flat change list into an OpsMap. Changes that
// empty a cell become unset operations.
func FormatChangesToOps(changes []model.CellChange) model.OpsMap {
	ops := make(model.OpsMap)
	for _, c := range changes {
		op := model.FieldOp{FieldID: c.FieldID, Kind: model.OpSet, OldValue: c.OldValue, NewValue: c.NewValue}
		if model.IsEmptyValue(c.NewValue) {
			op.Kind = model.OpUnset
			op.NewValue = nil
		}
		ops.Put(c.TableID, c.RecordID, op)
	}
	return ops
}

// ComposeOpMaps merges op maps in order. A later operation on the same cell
// replaces the earlier one's kind and new value but keeps its old value, so
// the result still describes one net write per cell; distinct fields of a
// record are unioned.
func ComposeOpMaps(maps ...model.OpsMap) model.OpsMap {
	out := make(model.OpsMap)
	for _, m := range maps {
		for _, tableID := range m.Tables() {
			for recordID, ops := range m[tableID] {
				for _, op := range ops {
					if prev, ok := findOp(out, tableID, recordID, op.FieldID); ok {
						op.OldValue = prev.OldValue
					}
					out.Put(tableID, recordID, op)
				}
			}
		}
	}
	return out
}

func findOp(m model.OpsMap, tableID, recordID, fieldID string) (model.FieldOp, bool) {
	for _, op := range m[tableID][recordID] {
		if op.FieldID == fieldID {
			return op, true
		}
	}
	return model.FieldOp{}, false
}
