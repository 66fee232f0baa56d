package compute

import (
	"context"
	"fmt"
	"sort"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// ResolveField looks a payload key up by id or by name.
func ResolveField(table *model.Table, keyType model.FieldKeyType, key string) (*model.Field, error) {
	var f *model.Field
	if keyType == model.FieldKeyName {
		f = table.FieldByName(key)
	} else {
		f = table.Field(key)
	}
	if f == nil {
		return nil, &model.NotFoundError{Kind: "field", ID: key}
	}
	return f, nil
}

// BuildCellContexts diffs record payloads against the stored records and
// returns one context per edited cell, in payload order with each record's
// cells in table field order.
//
// For new records OldValue is nil. For existing records the old values come
// from a snapshot restricted to the touched fields. When projection is
// non-nil only the fields it names produce contexts.
func BuildCellContexts(ctx context.Context, rs store.RecordStore, table *model.Table, keyType model.FieldKeyType,
	records []model.RecordInput, isNew bool, projection []string) ([]model.CellContext, error) {

	var keep map[string]bool
	if projection != nil {
		keep = make(map[string]bool, len(projection))
		for _, id := range projection {
			keep[id] = true
		}
	}
	position := make(map[string]int, len(table.Fields))
	for i, f := range table.Fields {
		position[f.ID] = i
	}

	type cell struct {
		field string
		value any
	}
	resolved := make([][]cell, len(records))
	touched := make(map[string]bool)
	var ids []string
	for i, rec := range records {
		if rec.ID == "" {
			return nil, model.NewValidationError("id", nil, "record id is required")
		}
		ids = append(ids, rec.ID)
		cells := make([]cell, 0, len(rec.Fields))
		for key, v := range rec.Fields {
			f, err := ResolveField(table, keyType, key)
			if err != nil {
				return nil, err
			}
			if keep != nil && !keep[f.ID] {
				continue
			}
			touched[f.ID] = true
			cells = append(cells, cell{field: f.ID, value: model.NormalizeValue(v)})
		}
		sort.Slice(cells, func(a, b int) bool { return position[cells[a].field] < position[cells[b].field] })
		resolved[i] = cells
	}

	old := make(map[string]*model.Record)
	if !isNew && len(ids) > 0 {
		// An empty projection still proves the records exist.
		fieldIDs := make([]string, 0, len(touched))
		for id := range touched {
			fieldIDs = append(fieldIDs, id)
		}
		sort.Strings(fieldIDs)
		snaps, err := rs.GetSnapshotBulk(ctx, table.ID, ids, fieldIDs)
		if err != nil {
			return nil, fmt.Errorf("load snapshots of %s: %w", table.ID, err)
		}
		for _, r := range snaps {
			old[r.ID] = r
		}
	}

	var out []model.CellContext
	for i, rec := range records {
		var prev *model.Record
		if !isNew {
			prev = old[rec.ID]
			if prev == nil {
				return nil, &model.NotFoundError{Kind: "record", ID: rec.ID}
			}
		}
		for _, c := range resolved[i] {
			cc := model.CellContext{RecordID: rec.ID, FieldID: c.field, NewValue: c.value}
			if prev != nil {
				cc.OldValue = prev.Fields[c.field]
			}
			out = append(out, cc)
		}
	}
	return out, nil
}

// dropNoops removes contexts that leave their cell unchanged.
func dropNoops(contexts []model.CellContext) []model.CellContext {
	out := make([]model.CellContext, 0, len(contexts))
	for _, c := range contexts {
		if !c.IsNoop() {
			out = append(out, c)
		}
	}
	return out
}
