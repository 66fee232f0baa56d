package compute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

func change(table, record, field string, old, new any) model.CellChange {
	return model.CellChange{TableID: table, CellContext: model.CellContext{RecordID: record, FieldID: field, OldValue: old, NewValue: new}}
}

func TestMergeDuplicateChange(t *testing.T) {
	in := []model.CellChange{
		change("t", "r1", "f1", "a", "b"),
		change("t", "r2", "f1", 1.0, 2.0),
		change("t", "r1", "f1", "b", "c"),
		change("t", "r1", "f2", nil, true),
		change("t", "r1", "f1", "c", "d"),
	}
	got := MergeDuplicateChange(in)
	require.Len(t, got, 3)
	assert.Equal(t, change("t", "r1", "f1", "a", "d"), got[0])
	assert.Equal(t, change("t", "r2", "f1", 1.0, 2.0), got[1])
	assert.Equal(t, change("t", "r1", "f2", nil, true), got[2])
}

func TestMergeDuplicateChange_DistinctTables(t *testing.T) {
	got := MergeDuplicateChange([]model.CellChange{
		change("t1", "r", "f", 1.0, 2.0),
		change("t2", "r", "f", 1.0, 3.0),
	})
	assert.Len(t, got, 2)
}

func TestCompressAndFilterChanges(t *testing.T) {
	system := func(id string) bool { return id == "fldModified" || id == "fldAuto" }
	trackAll := func(id string) bool { return id == "fldModified" }

	got := CompressAndFilterChanges([]model.CellChange{
		// Reverted within the operation.
		change("t", "r1", "fldName", "a", "b"),
		change("t", "r1", "fldName", "b", "a"),
		change("t", "r1", "fldModified", "t0", "t1"),
		// Substantive change keeps its track-all stamp.
		change("t", "r2", "fldName", "x", "y"),
		change("t", "r2", "fldModified", "t0", "t1"),
		// Empty to empty is a no-op.
		change("t", "r3", "fldTags", nil, []any{}),
	}, system, trackAll)

	assert.Equal(t, []model.CellChange{
		change("t", "r2", "fldName", "x", "y"),
		change("t", "r2", "fldModified", "t0", "t1"),
	}, got)
}

func TestFormatChangesToOps(t *testing.T) {
	ops := FormatChangesToOps([]model.CellChange{
		change("t", "r1", "f1", nil, "a"),
		change("t", "r1", "f2", "x", ""),
		change("u", "r9", "f1", 1.0, 2.0),
	})
	assert.Equal(t, 3, ops.Len())
	assert.Equal(t, []string{"t", "u"}, ops.Tables())
	assert.Equal(t, []model.FieldOp{
		{FieldID: "f1", Kind: model.OpSet, NewValue: "a"},
		{FieldID: "f2", Kind: model.OpUnset, OldValue: "x"},
	}, ops["t"]["r1"])
}

func TestComposeOpMaps(t *testing.T) {
	first := FormatChangesToOps([]model.CellChange{
		change("t", "r1", "f1", "a", "b"),
		change("t", "r1", "f2", nil, 1.0),
	})
	second := FormatChangesToOps([]model.CellChange{
		change("t", "r1", "f1", "b", nil),
		change("t", "r2", "f1", nil, "z"),
	})
	got := ComposeOpMaps(first, second)

	assert.Equal(t, 3, got.Len())
	assert.Equal(t, []model.FieldOp{
		{FieldID: "f1", Kind: model.OpUnset, OldValue: "a"},
		{FieldID: "f2", Kind: model.OpSet, NewValue: 1.0},
	}, got["t"]["r1"])
	assert.Equal(t, []model.FieldOp{{FieldID: "f1", Kind: model.OpSet, NewValue: "z"}}, got["t"]["r2"])
}

func TestFKPlan_Deltas(t *testing.T) {
	p := NewFKPlan()
	assert.True(t, p.IsEmpty())

	p.Put("rel_b", store.LinkKey{SourceID: "s2", TargetID: "t1"}, &store.LinkRow{SourceID: "s2", TargetID: "t1", SourceOrder: 1})
	p.Put("rel_a", store.LinkKey{SourceID: "s1", TargetID: "t2"}, &store.LinkRow{SourceID: "s1", TargetID: "t2"})
	p.Put("rel_a", store.LinkKey{SourceID: "s1", TargetID: "t1"}, &store.LinkRow{SourceID: "s1", TargetID: "t1"})
	p.Remove("rel_a", store.LinkKey{SourceID: "s1", TargetID: "t2"})

	row, ok := p.Get("rel_a", store.LinkKey{SourceID: "s1", TargetID: "t2"})
	assert.True(t, ok)
	assert.Nil(t, row)

	deltas := p.Deltas()
	require.Len(t, deltas, 2)
	assert.Equal(t, store.LinkDelta{
		Relation: "rel_a",
		Upsert:   []store.LinkRow{{SourceID: "s1", TargetID: "t1"}},
		Remove:   []store.LinkKey{{SourceID: "s1", TargetID: "t2"}},
	}, deltas[0])
	assert.Equal(t, "rel_b", deltas[1].Relation)
	assert.Equal(t, []string{"rel_a", "rel_b"}, p.Relations())
}

type recordingLinks struct {
	deltas []store.LinkDelta
}

func (r *recordingLinks) GetLinkRows(context.Context, string, store.LinkSide, []string) ([]store.LinkRow, error) {
	return nil, nil
}

func (r *recordingLinks) ApplyLinkDelta(_ context.Context, d store.LinkDelta) error {
	r.deltas = append(r.deltas, d)
	return nil
}

func TestFKPlan_CommitAndMerge(t *testing.T) {
	a := NewFKPlan()
	a.Put("rel", store.LinkKey{SourceID: "s", TargetID: "t"}, &store.LinkRow{SourceID: "s", TargetID: "t"})
	b := NewFKPlan()
	b.Remove("rel", store.LinkKey{SourceID: "s", TargetID: "t"})
	b.Remove("other", store.LinkKey{SourceID: "x", TargetID: "y"})
	a.Merge(b)
	a.Merge(nil)

	ls := &recordingLinks{}
	require.NoError(t, a.Commit(context.Background(), ls))
	require.Len(t, ls.deltas, 2)
	assert.Equal(t, "other", ls.deltas[0].Relation)
	assert.Empty(t, ls.deltas[1].Upsert)
	assert.Equal(t, []store.LinkKey{{SourceID: "s", TargetID: "t"}}, ls.deltas[1].Remove)
}
