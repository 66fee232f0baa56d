package compute

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alfredjeanlab/gridbase/internal/formula"
	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/store"
	"github.com/alfredjeanlab/gridbase/internal/store/memory"
)

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

var testOp = model.OperationContext{UserID: "usrAda", UserName: "Ada", Origin: model.OriginAPI, OperationID: "op-test"}

type harness struct {
	t      *testing.T
	ctx    context.Context
	st     *memory.Store
	loader *schema.Loader
	eval   *formula.ExprEvaluator
	logger *slog.Logger
}

func newHarness(t *testing.T, tables ...*model.Table) *harness {
	t.Helper()
	st := memory.New()
	st.SetClock(func() time.Time { return testNow })
	ctx := context.Background()
	for _, tbl := range tables {
		require.NoError(t, st.CreateTable(ctx, tbl))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{
		t:      t,
		ctx:    ctx,
		st:     st,
		loader: schema.NewLoader(st, logger),
		eval:   formula.NewExprEvaluator(),
		logger: logger,
	}
}

// run executes fn inside a transaction with a fresh session and orchestrator.
func (h *harness) run(fn func(tx store.Store, sess *schema.Session, o *Orchestrator) (*Result, error)) (*Result, error) {
	var res *Result
	err := h.st.RunInTransaction(h.ctx, func(tx store.Store) error {
		sess := h.loader.Session(tx)
		o := NewOrchestrator(tx, sess, h.eval, WithClock(func() time.Time { return testNow }), WithLogger(h.logger))
		var err error
		res, err = fn(tx, sess, o)
		return err
	})
	return res, err
}

func (h *harness) cast(tx store.Store, sess *schema.Session, tableID string, inputs []model.RecordInput) (*model.Table, []model.RecordInput, error) {
	table, err := sess.Table(h.ctx, tableID)
	if err != nil {
		return nil, nil, err
	}
	cast, err := NewTypecaster(tx, sess, nil, h.logger).TypecastRecords(h.ctx, table, model.FieldKeyID, inputs, true)
	if err != nil {
		return nil, nil, err
	}
	return table, cast, nil
}

func (h *harness) tryCreate(tableID string, inputs ...model.RecordInput) (*Result, error) {
	return h.run(func(tx store.Store, sess *schema.Session, o *Orchestrator) (*Result, error) {
		table, cast, err := h.cast(tx, sess, tableID, inputs)
		if err != nil {
			return nil, err
		}
		contexts, err := BuildCellContexts(h.ctx, tx, table, model.FieldKeyID, cast, true, nil)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, in := range cast {
			ids = append(ids, in.ID)
		}
		src := Source{TableID: tableID, Contexts: contexts, NewRecords: ids}
		return o.ComputeCellChangesForRecordsMulti(h.ctx, testOp, []Source{src}, BaseWriteFunc(func(ctx context.Context, set *TableSet) error {
			recs := make([]*model.Record, len(cast))
			for i, in := range cast {
				recs[i] = &model.Record{ID: in.ID, Fields: make(map[string]any), CreatedBy: testOp.UserID}
				for k, v := range in.Fields {
					if !model.IsEmptyValue(v) {
						recs[i].Fields[k] = v
					}
				}
			}
			if err := set.Store().InsertRecords(ctx, tableID, recs); err != nil {
				return err
			}
			return set.CommitForeignKeys(ctx)
		}))
	})
}

func (h *harness) create(tableID string, inputs ...model.RecordInput) *Result {
	h.t.Helper()
	res, err := h.tryCreate(tableID, inputs...)
	require.NoError(h.t, err)
	return res
}

func (h *harness) tryUpdate(tableID string, inputs ...model.RecordInput) (*Result, error) {
	return h.run(func(tx store.Store, sess *schema.Session, o *Orchestrator) (*Result, error) {
		table, cast, err := h.cast(tx, sess, tableID, inputs)
		if err != nil {
			return nil, err
		}
		contexts, err := BuildCellContexts(h.ctx, tx, table, model.FieldKeyID, cast, false, nil)
		if err != nil {
			return nil, err
		}
		return o.ComputeCellChangesForRecords(h.ctx, testOp, tableID, contexts, BaseWriteFunc(func(ctx context.Context, set *TableSet) error {
			return set.WriteContexts(ctx, tableID)
		}))
	})
}

func (h *harness) update(tableID string, inputs ...model.RecordInput) *Result {
	h.t.Helper()
	res, err := h.tryUpdate(tableID, inputs...)
	require.NoError(h.t, err)
	return res
}

func (h *harness) delete(tableID string, ids ...string) *Result {
	h.t.Helper()
	res, err := h.run(func(tx store.Store, sess *schema.Session, o *Orchestrator) (*Result, error) {
		sources, err := o.PlanDelete(h.ctx, tableID, ids)
		if err != nil {
			return nil, err
		}
		return o.ComputeCellChangesForRecordsMulti(h.ctx, testOp, sources, BaseWriteFunc(func(ctx context.Context, set *TableSet) error {
			for _, id := range set.Tables() {
				if err := set.WriteContexts(ctx, id); err != nil {
					return err
				}
			}
			if err := set.CommitForeignKeys(ctx); err != nil {
				return err
			}
			return set.Store().DeleteRecords(ctx, tableID, set.Deleted(tableID))
		}))
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) record(tableID, id string) *model.Record {
	h.t.Helper()
	recs, err := h.st.GetSnapshotBulk(h.ctx, tableID, []string{id}, nil)
	require.NoError(h.t, err)
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

func (h *harness) cell(tableID, id, fieldID string) any {
	h.t.Helper()
	r := h.record(tableID, id)
	require.NotNil(h.t, r, "record %s.%s", tableID, id)
	return r.Fields[fieldID]
}

// sourceRows returns every row of a relation whose source is one of ids.
func (h *harness) sourceRows(relation string, ids ...string) []store.LinkRow {
	h.t.Helper()
	rows, err := h.st.GetLinkRows(h.ctx, relation, store.SideSource, ids)
	require.NoError(h.t, err)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SourceID != rows[j].SourceID {
			return rows[i].SourceID < rows[j].SourceID
		}
		return rows[i].TargetID < rows[j].TargetID
	})
	return rows
}

func rec(id string, fields map[string]any) model.RecordInput {
	return model.RecordInput{ID: id, Fields: fields}
}

func link(ids ...string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"id": id}
	}
	return out
}

func linkIDs(v any) []string {
	return model.LinkIDs(v)
}

// authorsAndBooks is a many-to-many pair: authors link books through the
// junction relation "rel_authors_books".
func authorsAndBooks() []*model.Table {
	return []*model.Table{
		{
			ID:   "tblAuthors",
			Name: "Authors",
			Fields: []*model.Field{
				{ID: "fldAuthorName", Name: "Name", Type: model.FieldSingleLineText, IsPrimary: true},
				{ID: "fldAuthorBooks", Name: "Books", Type: model.FieldLink, IsMultipleCellValue: true, Options: model.FieldOptions{Link: &model.LinkOptions{
					Relationship: model.ManyMany, ForeignTableID: "tblBooks", LookupFieldID: "fldBookTitle", SymmetricFieldID: "fldBookAuthors",
					Storage: model.LinkStorage{Relation: "rel_authors_books", IsSource: true, Junction: true},
				}}},
				{ID: "fldAuthorBookCount", Name: "Book count", Type: model.FieldRollup, IsComputed: true,
					Options: model.FieldOptions{Rollup: &model.RollupOptions{Function: "countall"}},
					Lookup:  &model.LookupOptions{LinkFieldID: "fldAuthorBooks", ForeignTableID: "tblBooks", LookupFieldID: "fldBookTitle"}},
				{ID: "fldAuthorExpensive", Name: "Expensive total", Type: model.FieldRollup, IsComputed: true,
					Options: model.FieldOptions{Rollup: &model.RollupOptions{Function: "sum"}},
					Lookup: &model.LookupOptions{LinkFieldID: "fldAuthorBooks", ForeignTableID: "tblBooks", LookupFieldID: "fldBookPrice",
						Filter: &model.Filter{Conjunction: model.ConjunctionAnd, Conditions: []model.Condition{{FieldID: "fldBookPrice", Operator: model.OpIsGreater, Value: 10.0}}}}},
				{ID: "fldAuthorModified", Name: "Modified", Type: model.FieldLastModifiedTime, IsComputed: true},
			},
		},
		{
			ID:   "tblBooks",
			Name: "Books",
			Fields: []*model.Field{
				{ID: "fldBookTitle", Name: "Title", Type: model.FieldSingleLineText, IsPrimary: true},
				{ID: "fldBookPrice", Name: "Price", Type: model.FieldNumber},
				{ID: "fldBookStatus", Name: "Status", Type: model.FieldSingleSelect, Options: model.FieldOptions{Select: &model.SelectOptions{
					Choices: []model.Choice{{ID: "choDraft", Name: "Draft", Color: "blueLight2"}},
				}}},
				{ID: "fldBookAuthors", Name: "Authors", Type: model.FieldLink, IsMultipleCellValue: true, Options: model.FieldOptions{Link: &model.LinkOptions{
					Relationship: model.ManyMany, ForeignTableID: "tblAuthors", LookupFieldID: "fldAuthorName", SymmetricFieldID: "fldAuthorBooks",
					Storage: model.LinkStorage{Relation: "rel_authors_books", IsSource: false, Junction: true},
				}}},
				{ID: "fldBookAuthorNames", Name: "Author names", Type: model.FieldSingleLineText, IsComputed: true, IsLookup: true, IsMultipleCellValue: true,
					Lookup: &model.LookupOptions{LinkFieldID: "fldBookAuthors", ForeignTableID: "tblAuthors", LookupFieldID: "fldAuthorName"}},
			},
		},
	}
}

// chain is X <- Y <- Z: Y sums X through a link, doubles the sum with a
// formula, and Z sums Y's doubles.
func chain() []*model.Table {
	return []*model.Table{
		{
			ID:   "tblX",
			Name: "X",
			Fields: []*model.Field{
				{ID: "fldXName", Name: "Name", Type: model.FieldSingleLineText, IsPrimary: true},
				{ID: "fldXVal", Name: "Value", Type: model.FieldNumber},
			},
		},
		{
			ID:   "tblY",
			Name: "Y",
			Fields: []*model.Field{
				{ID: "fldYName", Name: "Name", Type: model.FieldSingleLineText, IsPrimary: true},
				{ID: "fldYLink", Name: "X", Type: model.FieldLink, IsMultipleCellValue: true, Options: model.FieldOptions{Link: &model.LinkOptions{
					Relationship: model.ManyMany, ForeignTableID: "tblX", LookupFieldID: "fldXName",
					Storage: model.LinkStorage{Relation: "rel_y_x", IsSource: true, Junction: true},
				}}},
				{ID: "fldYSum", Name: "Sum", Type: model.FieldRollup, IsComputed: true,
					Options: model.FieldOptions{Rollup: &model.RollupOptions{Function: "sum"}},
					Lookup:  &model.LookupOptions{LinkFieldID: "fldYLink", ForeignTableID: "tblX", LookupFieldID: "fldXVal"}},
				{ID: "fldYDouble", Name: "Double", Type: model.FieldFormula, IsComputed: true,
					Options: model.FieldOptions{Formula: &model.FormulaOptions{Expression: "{fldYSum} * 2"}}},
			},
		},
		{
			ID:   "tblZ",
			Name: "Z",
			Fields: []*model.Field{
				{ID: "fldZName", Name: "Name", Type: model.FieldSingleLineText, IsPrimary: true},
				{ID: "fldZLink", Name: "Y", Type: model.FieldLink, IsMultipleCellValue: true, Options: model.FieldOptions{Link: &model.LinkOptions{
					Relationship: model.ManyMany, ForeignTableID: "tblY", LookupFieldID: "fldYName",
					Storage: model.LinkStorage{Relation: "rel_z_y", IsSource: true, Junction: true},
				}}},
				{ID: "fldZTotal", Name: "Total", Type: model.FieldRollup, IsComputed: true,
					Options: model.FieldOptions{Rollup: &model.RollupOptions{Function: "sum"}},
					Lookup:  &model.LookupOptions{LinkFieldID: "fldZLink", ForeignTableID: "tblY", LookupFieldID: "fldYDouble"}},
			},
		},
	}
}

// parentsAndChildren is a one-to-many pair stored as a foreign key on the
// child table.
func parentsAndChildren() []*model.Table {
	return []*model.Table{
		{
			ID:   "tblParents",
			Name: "Parents",
			Fields: []*model.Field{
				{ID: "fldParentName", Name: "Name", Type: model.FieldSingleLineText, IsPrimary: true},
				{ID: "fldParentChildren", Name: "Children", Type: model.FieldLink, IsMultipleCellValue: true, Options: model.FieldOptions{Link: &model.LinkOptions{
					Relationship: model.OneMany, ForeignTableID: "tblChildren", LookupFieldID: "fldChildName", SymmetricFieldID: "fldChildParent",
					Storage: model.LinkStorage{Relation: "tblChildren.parent", IsSource: true},
				}}},
			},
		},
		{
			ID:   "tblChildren",
			Name: "Children",
			Fields: []*model.Field{
				{ID: "fldChildName", Name: "Name", Type: model.FieldSingleLineText, IsPrimary: true},
				{ID: "fldChildParent", Name: "Parent", Type: model.FieldLink, Options: model.FieldOptions{Link: &model.LinkOptions{
					Relationship: model.ManyOne, ForeignTableID: "tblParents", LookupFieldID: "fldParentName", SymmetricFieldID: "fldParentChildren",
					Storage: model.LinkStorage{Relation: "tblChildren.parent", IsSource: false},
				}}},
			},
		},
	}
}
