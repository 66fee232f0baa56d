package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjeanlab/gridbase/internal/events"
	"github.com/alfredjeanlab/gridbase/internal/formula"
	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/retry"
	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/store"
	"github.com/alfredjeanlab/gridbase/internal/store/memory"
)

var testOp = model.OperationContext{UserID: "usrAda", UserName: "Ada", Origin: model.OriginAPI, OperationID: "op-1"}

// countingStore counts transactions, one per chunk attempt.
type countingStore struct {
	*memory.Store
	txns atomic.Int64

	// gate holds the next gated transactions after their work until all of
	// them are done, so they commit from the same snapshot.
	gate  *sync.WaitGroup
	gated atomic.Int64
}

// holdNext gates the next n transactions. Call it before starting them.
func (c *countingStore) holdNext(n int) {
	c.gate = &sync.WaitGroup{}
	c.gate.Add(n)
	c.gated.Store(int64(n))
}

func (c *countingStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	c.txns.Add(1)
	held := c.gate != nil && c.gated.Add(-1) >= 0
	return c.Store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		if held {
			c.gate.Done()
			c.gate.Wait()
		}
		return nil
	})
}

type fixture struct {
	t   *testing.T
	ctx context.Context
	st  *countingStore
	pub *events.RecordingPublisher
	svc *Service
}

func newFixture(t *testing.T, tables []*model.Table, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := memory.New()
	for _, tbl := range tables {
		require.NoError(t, mem.CreateTable(ctx, tbl))
	}
	st := &countingStore{Store: mem}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &events.RecordingPublisher{}
	base := []Option{
		WithPublisher(pub),
		WithLogger(logger),
		WithClock(func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }),
		WithRetryPolicy(retry.Policy{MaxRetries: 3, Factor: 2, Sleep: func(context.Context, time.Duration) error { return nil }}),
	}
	svc := NewService(st, schema.NewLoader(st, logger), formula.NewExprEvaluator(), append(base, opts...)...)
	return &fixture{t: t, ctx: ctx, st: st, pub: pub, svc: svc}
}

func (f *fixture) cell(tableID, recordID, fieldID string) any {
	f.t.Helper()
	recs, err := f.st.GetSnapshotBulk(f.ctx, tableID, []string{recordID}, nil)
	require.NoError(f.t, err)
	require.Len(f.t, recs, 1, "record %s", recordID)
	return recs[0].Fields[fieldID]
}

func (f *fixture) order(tableID string) []string {
	f.t.Helper()
	recs, err := f.st.ListRecords(f.ctx, tableID, []string{}, 0, 0)
	require.NoError(f.t, err)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func (f *fixture) topics() []string {
	var out []string
	for _, e := range f.pub.Events() {
		out = append(out, e.Topic)
	}
	return out
}

func items() []*model.Table {
	return []*model.Table{{
		ID:   "tblItems",
		Name: "Items",
		Fields: []*model.Field{
			{ID: "fldItemName", Name: "Name", Type: model.FieldSingleLineText, IsPrimary: true},
			{ID: "fldItemQty", Name: "Qty", Type: model.FieldNumber},
			{ID: "fldItemDouble", Name: "Double", Type: model.FieldFormula, IsComputed: true,
				Options: model.FieldOptions{Formula: &model.FormulaOptions{Expression: "{fldItemQty} * 2"}}},
			{ID: "fldItemKind", Name: "Kind", Type: model.FieldSingleSelect, Options: model.FieldOptions{Select: &model.SelectOptions{}}},
		},
	}}
}

func library() []*model.Table {
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
				{ID: "fldAuthorTotal", Name: "Total", Type: model.FieldRollup, IsComputed: true,
					Options: model.FieldOptions{Rollup: &model.RollupOptions{Function: "sum"}},
					Lookup:  &model.LookupOptions{LinkFieldID: "fldAuthorBooks", ForeignTableID: "tblBooks", LookupFieldID: "fldBookPrice"}},
			},
		},
		{
			ID:   "tblBooks",
			Name: "Books",
			Fields: []*model.Field{
				{ID: "fldBookTitle", Name: "Title", Type: model.FieldSingleLineText, IsPrimary: true},
				{ID: "fldBookPrice", Name: "Price", Type: model.FieldNumber},
				{ID: "fldBookAuthors", Name: "Authors", Type: model.FieldLink, IsMultipleCellValue: true, Options: model.FieldOptions{Link: &model.LinkOptions{
					Relationship: model.ManyMany, ForeignTableID: "tblAuthors", LookupFieldID: "fldAuthorName", SymmetricFieldID: "fldAuthorBooks",
					Storage: model.LinkStorage{Relation: "rel_authors_books", IsSource: false, Junction: true},
				}}},
			},
		},
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

// seedLibrary creates two books and an author linking both by title.
func seedLibrary(t *testing.T) *fixture {
	f := newFixture(t, library())
	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblBooks", Records: []model.RecordInput{
		{ID: "recDune", Fields: map[string]any{"fldBookTitle": "Dune", "fldBookPrice": 5.0}},
		{ID: "recEmma", Fields: map[string]any{"fldBookTitle": "Emma", "fldBookPrice": 20.0}},
	}})
	require.NoError(t, err)
	_, err = f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblAuthors", FieldKeyType: model.FieldKeyName, Typecast: true, Records: []model.RecordInput{
		{ID: "recAnn", Fields: map[string]any{"Name": "Ann", "Books": []any{"Dune", "Emma"}}},
	}})
	require.NoError(t, err)
	return f
}

func itemInputs(n int) []model.RecordInput {
	out := make([]model.RecordInput, n)
	for i := range out {
		out[i] = model.RecordInput{ID: fmt.Sprintf("rec%04d", i), Fields: map[string]any{"fldItemName": fmt.Sprintf("item %d", i), "fldItemQty": float64(i)}}
	}
	return out
}

func TestCreateRecords_ChunksBulkWrites(t *testing.T) {
	f := newFixture(t, items(), WithChunkSize(1000))

	resp, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: itemInputs(2500)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.st.txns.Load())
	assert.Len(t, resp.Records, 2500)
	assert.Len(t, resp.Results, 3)
	assert.Equal(t, 4998.0, f.cell("tblItems", "rec2499", "fldItemDouble"))

	var ops []string
	for _, r := range resp.Results {
		ops = append(ops, r.Operation.OperationID)
	}
	assert.Equal(t, []string{"op-1-0", "op-1-1", "op-1-2"}, ops)
	assert.Equal(t, []string{events.TopicRecordsCreated, events.TopicRecordsCreated, events.TopicRecordsCreated}, f.topics())
}

func TestCreateRecords_ChunkFailureKeepsCommittedChunks(t *testing.T) {
	f := newFixture(t, items(), WithChunkSize(1000))
	inputs := itemInputs(2500)
	inputs[1500].Fields["fldItemQty"] = "not a number"

	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: inputs})
	require.Error(t, err)

	var ce *ChunkError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Index)
	assert.Len(t, ce.Committed, 1000)
	assert.True(t, model.IsValidation(err))

	assert.EqualValues(t, 2, f.st.txns.Load(), "third chunk must not be attempted")
	assert.Len(t, f.order("tblItems"), 1000)
}

func TestCreateRecords_SingleChunkErrorIsUnwrapped(t *testing.T) {
	f := newFixture(t, items())
	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: []model.RecordInput{
		{Fields: map[string]any{"fldItemQty": "x"}},
	}})
	var ce *ChunkError
	assert.False(t, errors.As(err, &ce))
	assert.True(t, model.IsValidation(err))
}

func TestCreateRecords_RetriesConflicts(t *testing.T) {
	f := newFixture(t, items())
	f.st.FailNextCommits(2)

	resp, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: []model.RecordInput{
		{Fields: map[string]any{"fldItemName": "a", "fldItemQty": 2.0}},
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.st.txns.Load())
	require.Len(t, resp.Records, 1)
	assert.Equal(t, 4.0, resp.Records[0].Fields["fldItemDouble"])
	assert.Len(t, f.order("tblItems"), 1)
	assert.Len(t, f.pub.Events(), 1, "only the committed attempt publishes")
}

func TestCreateRecords_ConflictBudgetExhausted(t *testing.T) {
	f := newFixture(t, items())
	f.st.FailNextCommits(10)

	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: []model.RecordInput{
		{Fields: map[string]any{"fldItemName": "a"}},
	}})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	assert.EqualValues(t, 4, f.st.txns.Load())
	assert.Empty(t, f.pub.Events())
}

func TestCreateRecords_RejectsComputedAndDuplicateIDs(t *testing.T) {
	f := newFixture(t, items())

	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: []model.RecordInput{
		{Fields: map[string]any{"fldItemDouble": 3.0}},
	}})
	assert.True(t, model.IsValidation(err))

	_, err = f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: []model.RecordInput{
		{ID: "recA"}, {ID: "recA"},
	}})
	assert.True(t, model.IsValidation(err))
	assert.Zero(t, f.st.txns.Load())

	_, err = f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblNope", Records: []model.RecordInput{{ID: "recA"}}})
	assert.True(t, model.IsNotFound(err))
}

func TestCreateRecords_TypecastCreatesOptionAndPublishesSchema(t *testing.T) {
	f := newFixture(t, items())

	resp, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", FieldKeyType: model.FieldKeyName, Typecast: true, Records: []model.RecordInput{
		{Fields: map[string]any{"Name": "a", "Qty": "7", "Kind": "Tool"}},
	}})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, 7.0, resp.Records[0].Fields["fldItemQty"])
	assert.Equal(t, "Tool", resp.Records[0].Fields["fldItemKind"])

	tbl, err := f.svc.Schema().Table(f.ctx, "tblItems")
	require.NoError(t, err)
	require.Len(t, tbl.Field("fldItemKind").Options.Select.Choices, 1)
	assert.Equal(t, []string{events.TopicSchemaUpdated, events.TopicRecordsCreated}, f.topics())
}

func TestUpdateRecords_PropagatesAndPublishesOneBatch(t *testing.T) {
	f := seedLibrary(t)
	assert.Equal(t, 25.0, f.cell("tblAuthors", "recAnn", "fldAuthorTotal"))
	before := len(f.pub.Events())

	resp, err := f.svc.UpdateRecords(f.ctx, testOp, UpdateRequest{TableID: "tblBooks", Records: []model.RecordInput{
		{ID: "recDune", Fields: map[string]any{"fldBookPrice": 15.0}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 35.0, f.cell("tblAuthors", "recAnn", "fldAuthorTotal"))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, 15.0, resp.Records[0].Fields["fldBookPrice"])

	evs := f.pub.Events()[before:]
	require.Len(t, evs, 1)
	batch := evs[0].Event.(events.ChangeBatch)
	assert.Equal(t, events.TopicRecordsUpdated, evs[0].Topic)
	assert.Equal(t, "op-1", batch.OperationID)
	assert.Contains(t, batch.Tables, "tblAuthors")
	assert.Contains(t, batch.Ops, "tblAuthors")

	audit, err := f.st.ListEvents(f.ctx, "tblBooks", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, audit)
}

func TestUpdateRecords_NoopPublishesNothing(t *testing.T) {
	f := seedLibrary(t)
	before := len(f.pub.Events())

	_, err := f.svc.UpdateRecords(f.ctx, testOp, UpdateRequest{TableID: "tblBooks", Records: []model.RecordInput{
		{ID: "recDune", Fields: map[string]any{"fldBookPrice": 5.0}},
	}})
	require.NoError(t, err)
	assert.Len(t, f.pub.Events(), before)
}

func TestUpdateRecords_UnknownRecord(t *testing.T) {
	f := seedLibrary(t)
	_, err := f.svc.UpdateRecords(f.ctx, testOp, UpdateRequest{TableID: "tblBooks", Records: []model.RecordInput{
		{ID: "recGone", Fields: map[string]any{}},
	}})
	assert.True(t, model.IsNotFound(err))

	_, err = f.svc.UpdateRecords(f.ctx, testOp, UpdateRequest{TableID: "tblBooks", Records: []model.RecordInput{{Fields: map[string]any{}}}})
	assert.True(t, model.IsValidation(err))
}

func TestUpdateRecords_OppositeOrderWritersBothCommit(t *testing.T) {
	f := newFixture(t, items())
	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: []model.RecordInput{
		{ID: "recA", Fields: map[string]any{"fldItemQty": 1.0}},
		{ID: "recB", Fields: map[string]any{"fldItemQty": 2.0}},
	}})
	require.NoError(t, err)
	f.st.txns.Store(0)

	// Both first attempts read the same snapshot before either commits, so
	// the second commit conflicts and must be retried.
	f.st.holdNext(2)
	writes := [][]model.RecordInput{
		{{ID: "recA", Fields: map[string]any{"fldItemQty": 10.0}}, {ID: "recB", Fields: map[string]any{"fldItemQty": 11.0}}},
		{{ID: "recB", Fields: map[string]any{"fldItemQty": 21.0}}, {ID: "recA", Fields: map[string]any{"fldItemQty": 20.0}}},
	}
	errs := make([]error, len(writes))
	var wg sync.WaitGroup
	for i, recs := range writes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.UpdateRecords(f.ctx, testOp, UpdateRequest{TableID: "tblItems", Records: recs})
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("opposite-order updates did not finish")
	}

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 3, f.st.txns.Load(), "exactly one writer retries")

	a, b := f.cell("tblItems", "recA", "fldItemQty"), f.cell("tblItems", "recB", "fldItemQty")
	assert.Contains(t, [][2]any{{10.0, 11.0}, {20.0, 21.0}}, [2]any{a, b}, "rows come from one writer")
	assert.Equal(t, a.(float64)*2, f.cell("tblItems", "recA", "fldItemDouble"))
	assert.Equal(t, b.(float64)*2, f.cell("tblItems", "recB", "fldItemDouble"))
}

func TestService_RejectsEmptyBatches(t *testing.T) {
	f := newFixture(t, items())

	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems"})
	assert.True(t, model.IsValidation(err))

	_, err = f.svc.UpdateRecords(f.ctx, testOp, UpdateRequest{TableID: "tblItems", Records: []model.RecordInput{}})
	assert.True(t, model.IsValidation(err))

	_, err = f.svc.DeleteRecords(f.ctx, testOp, "tblItems", nil)
	assert.True(t, model.IsValidation(err))

	assert.Zero(t, f.st.txns.Load())
	assert.Empty(t, f.pub.Events())
}

func TestDeleteRecords_ShrinksLinks(t *testing.T) {
	f := seedLibrary(t)

	resp, err := f.svc.DeleteRecords(f.ctx, testOp, "tblBooks", []string{"recEmma", "recEmma"})
	require.NoError(t, err)
	assert.Equal(t, []string{"recEmma"}, resp.Deleted)
	assert.Equal(t, []string{"recDune"}, model.LinkIDs(f.cell("tblAuthors", "recAnn", "fldAuthorBooks")))
	assert.Equal(t, 5.0, f.cell("tblAuthors", "recAnn", "fldAuthorTotal"))
	assert.Equal(t, []string{"recDune"}, f.order("tblBooks"))

	_, err = f.svc.DeleteRecords(f.ctx, testOp, "tblBooks", []string{"recEmma"})
	assert.True(t, model.IsNotFound(err))
}

func TestDuplicateRecord(t *testing.T) {
	f := seedLibrary(t)
	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblParents", Records: []model.RecordInput{
		{ID: "recP1", Fields: map[string]any{"fldParentName": "Pat"}},
	}})
	require.NoError(t, err)
	_, err = f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblChildren", Typecast: true, Records: []model.RecordInput{
		{ID: "recC1", Fields: map[string]any{"fldChildName": "Cam", "fldChildParent": "recP1"}},
		{ID: "recC2", Fields: map[string]any{"fldChildName": "Cy"}},
	}})
	require.NoError(t, err)

	// Many-to-many links are copied and the rollup follows.
	resp, err := f.svc.DuplicateRecord(f.ctx, testOp, "tblAuthors", "recAnn", nil)
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	ann2 := resp.Records[0]
	assert.NotEqual(t, "recAnn", ann2.ID)
	assert.Equal(t, "Ann", ann2.Fields["fldAuthorName"])
	assert.Equal(t, []string{"recDune", "recEmma"}, model.LinkIDs(ann2.Fields["fldAuthorBooks"]))
	assert.Equal(t, 25.0, ann2.Fields["fldAuthorTotal"])
	assert.ElementsMatch(t, []string{"recAnn", ann2.ID}, model.LinkIDs(f.cell("tblBooks", "recDune", "fldBookAuthors")))

	// A child's parent is copied: the parent may hold many children.
	resp, err = f.svc.DuplicateRecord(f.ctx, testOp, "tblChildren", "recC1", nil)
	require.NoError(t, err)
	cam2 := resp.Records[0].ID
	assert.Equal(t, []string{"recP1"}, model.LinkIDs(f.cell("tblChildren", cam2, "fldChildParent")))
	assert.ElementsMatch(t, []string{"recC1", cam2}, model.LinkIDs(f.cell("tblParents", "recP1", "fldParentChildren")))
	assert.Equal(t, []string{"recC1", cam2, "recC2"}, f.order("tblChildren"))

	// A parent's children are not: copying would take them from the source.
	resp, err = f.svc.DuplicateRecord(f.ctx, testOp, "tblParents", "recP1", nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Records[0].Fields["fldParentChildren"])
	assert.ElementsMatch(t, []string{"recC1", cam2}, model.LinkIDs(f.cell("tblParents", "recP1", "fldParentChildren")))

	_, err = f.svc.DuplicateRecord(f.ctx, testOp, "tblParents", "recNope", nil)
	assert.True(t, model.IsNotFound(err))
}

func TestCreateRecords_OrderAnchors(t *testing.T) {
	f := newFixture(t, items(), WithChunkSize(2))
	_, err := f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems", Records: []model.RecordInput{{ID: "a"}, {ID: "b"}, {ID: "c"}}})
	require.NoError(t, err)

	_, err = f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems",
		Records: []model.RecordInput{{ID: "x"}, {ID: "y"}, {ID: "z"}},
		Order:   &model.RecordOrder{AnchorID: "a", Position: model.PositionAfter},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "x", "y", "z", "b", "c"}, f.order("tblItems"))

	_, err = f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems",
		Records: []model.RecordInput{{ID: "w"}},
		Order:   &model.RecordOrder{AnchorID: "a", Position: model.PositionBefore},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"w", "a", "x", "y", "z", "b", "c"}, f.order("tblItems"))

	_, err = f.svc.CreateRecords(f.ctx, testOp, CreateRequest{TableID: "tblItems",
		Records: []model.RecordInput{{ID: "v"}},
		Order:   &model.RecordOrder{AnchorID: "gone"},
	})
	assert.True(t, model.IsNotFound(err))
}

func TestPlaceRecords_RenumbersCrowdedOrder(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.CreateTable(ctx, items()[0]))
	require.NoError(t, st.InsertRecords(ctx, "tblItems", []*model.Record{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}}))
	require.NoError(t, st.UpdateRecordIndexes(ctx, "tblItems", map[string]float64{"r1": 1, "r2": 1 + 1e-12, "r3": 5}))

	got, err := placeRecords(ctx, st, "tblItems", model.RecordOrder{AnchorID: "r1", Position: model.PositionAfter}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5}, got)

	idx, err := st.GetRecordIndexes(ctx, "tblItems", []string{"r1", "r2", "r3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"r1": 1, "r2": 2, "r3": 3}, idx)

	_, err = placeRecords(ctx, st, "tblItems", model.RecordOrder{AnchorID: "r1", Position: "sideways"}, 1)
	assert.True(t, model.IsValidation(err))
}

func TestGetAndListRecords(t *testing.T) {
	f := seedLibrary(t)

	recs, err := f.svc.GetRecords(f.ctx, "tblBooks", []string{"recEmma", "recDune"}, []string{"fldBookTitle"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, map[string]any{"fldBookTitle": "Emma"}, recs[0].Fields)

	_, err = f.svc.GetRecords(f.ctx, "tblBooks", []string{"recGone"}, nil)
	assert.True(t, model.IsNotFound(err))

	page, err := f.svc.ListRecords(f.ctx, "tblBooks", nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "recEmma", page[0].ID)

	_, err = f.svc.ListRecords(f.ctx, "tblNope", nil, 0, 0)
	assert.True(t, model.IsNotFound(err))
}

func TestChunks(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 1000}, {1000, 2000}, {2000, 2500}}, chunks(2500, 1000))
	assert.Nil(t, chunks(0, 10))
	assert.Len(t, chunks(5, 0), 1)
}
