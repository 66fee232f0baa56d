package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/formula"
	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// calculator recomputes derived cells after the base write. It reads the
// transaction's records with an overlay of values computed earlier in the
// same pass, so later fields see the new values of the fields they read.
type calculator struct {
	store  store.Store
	graph  *schema.Graph
	eval   formula.Evaluator
	op     model.OperationContext
	now    time.Time
	logger *slog.Logger

	records map[string]map[string]*model.Record
	overlay map[cellKey]any
	rows    map[rowQuery][]store.LinkRow
}

func newCalculator(st store.Store, graph *schema.Graph, eval formula.Evaluator, op model.OperationContext, now time.Time, logger *slog.Logger) *calculator {
	return &calculator{
		store:   st,
		graph:   graph,
		eval:    eval,
		op:      op,
		now:     now,
		logger:  logger,
		records: make(map[string]map[string]*model.Record),
		overlay: make(map[cellKey]any),
		rows:    make(map[rowQuery][]store.LinkRow),
	}
}

func (c *calculator) set(tableID, recordID, fieldID string, v any) {
	c.overlay[cellKey{tableID, recordID, fieldID}] = v
}

// load fetches the records of a table that are not cached yet. Records that
// do not exist are cached as nil.
func (c *calculator) load(ctx context.Context, tableID string, ids []string) error {
	recs, ok := c.records[tableID]
	if !ok {
		recs = make(map[string]*model.Record)
		c.records[tableID] = recs
	}
	var missing []string
	for _, id := range ids {
		if _, ok := recs[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	snaps, err := c.store.GetSnapshotBulk(ctx, tableID, missing, nil)
	if err != nil {
		return fmt.Errorf("load records of %s: %w", tableID, err)
	}
	for _, id := range missing {
		recs[id] = nil
	}
	for _, r := range snaps {
		recs[r.ID] = r
	}
	return nil
}

func (c *calculator) record(ctx context.Context, tableID, recordID string) (*model.Record, error) {
	if err := c.load(ctx, tableID, []string{recordID}); err != nil {
		return nil, err
	}
	return c.records[tableID][recordID], nil
}

func (c *calculator) value(ctx context.Context, tableID, recordID, fieldID string) (any, error) {
	if v, ok := c.overlay[cellKey{tableID, recordID, fieldID}]; ok {
		return v, nil
	}
	r, err := c.record(ctx, tableID, recordID)
	if err != nil || r == nil {
		return nil, err
	}
	return r.Fields[fieldID], nil
}

// prefetch loads what computing f for records needs in bulk: the records
// themselves and, for fields reading through a link, the link rows.
func (c *calculator) prefetch(ctx context.Context, f *model.Field, recordIDs []string) error {
	if err := c.load(ctx, f.TableID, recordIDs); err != nil {
		return err
	}
	var link *model.Field
	switch {
	case f.ReadsThroughLink():
		link = c.graph.Field(f.Lookup.LinkFieldID)
	case f.Type == model.FieldLink:
		link = f
	}
	if link == nil || link.Options.Link == nil {
		return nil
	}
	mine, _ := sides(link.Options.Link.Storage.IsSource)
	return c.loadRows(ctx, link.Options.Link.Storage.Relation, mine, recordIDs)
}

func (c *calculator) loadRows(ctx context.Context, relation string, side store.LinkSide, ids []string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := c.rows[rowQuery{relation, side, id}]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	rows, err := c.store.GetLinkRows(ctx, relation, side, missing)
	if err != nil {
		return fmt.Errorf("load link rows of %s: %w", relation, err)
	}
	for _, id := range missing {
		c.rows[rowQuery{relation, side, id}] = nil
	}
	for _, row := range rows {
		q := rowQuery{relation, side, sideID(row, side)}
		c.rows[q] = append(c.rows[q], row)
	}
	return nil
}

// linked returns the foreign ids in recordID's link cell, in cell order, as
// stored after the link rows were committed.
func (c *calculator) linked(ctx context.Context, link *model.Field, recordID string) ([]string, error) {
	lo := link.Options.Link
	mine, other := sides(lo.Storage.IsSource)
	if err := c.loadRows(ctx, lo.Storage.Relation, mine, []string{recordID}); err != nil {
		return nil, err
	}
	rows := append([]store.LinkRow(nil), c.rows[rowQuery{lo.Storage.Relation, mine, recordID}]...)
	sortRows(rows, mine)
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = sideID(r, other)
	}
	if err := c.load(ctx, lo.ForeignTableID, ids); err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if c.records[lo.ForeignTableID][id] != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// compute returns the new value of a derived cell.
func (c *calculator) compute(ctx context.Context, f *model.Field, recordID string) (any, error) {
	var (
		v   any
		err error
	)
	switch {
	case f.Type.IsSystem():
		v, err = c.system(ctx, f, recordID)
	case f.Type == model.FieldFormula:
		v, err = c.formula(ctx, f, recordID)
	case f.ReadsThroughLink():
		v, err = c.lookup(ctx, f, recordID)
	case f.Type == model.FieldLink:
		v, err = c.linkTitles(ctx, f, recordID)
	default:
		v, err = c.value(ctx, f.TableID, recordID, f.ID)
	}
	if err != nil {
		var ce *model.ComputationError
		if errors.As(err, &ce) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &model.ComputationError{TableID: f.TableID, RecordID: recordID, FieldID: f.ID, Err: err}
	}
	return v, nil
}

func (c *calculator) formula(ctx context.Context, f *model.Field, recordID string) (any, error) {
	if f.Options.Formula == nil {
		return nil, &model.ComputationError{TableID: f.TableID, FieldID: f.ID, Err: errors.New("formula has no expression")}
	}
	expression := f.Options.Formula.Expression
	env := make(map[string]any)
	for _, ref := range c.eval.References(expression) {
		if c.graph.TableOf(ref) != f.TableID {
			return nil, &model.ComputationError{TableID: f.TableID, FieldID: f.ID, Err: fmt.Errorf("unknown field reference {%s}", ref)}
		}
		v, err := c.value(ctx, f.TableID, recordID, ref)
		if err != nil {
			return nil, err
		}
		env[ref] = v
	}
	v, err := c.eval.Evaluate(ctx, expression, env)
	if err != nil {
		if formula.IsCompileError(err) {
			return nil, &model.ComputationError{TableID: f.TableID, FieldID: f.ID, Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A blank input yields a blank result; anything else fails the
		// operation.
		if blank := blankReference(env); blank != "" {
			c.logger.Debug("formula input blank", "table", f.TableID, "field", f.ID, "record", recordID, "input", blank)
			return nil, nil
		}
		return nil, &model.ComputationError{TableID: f.TableID, RecordID: recordID, FieldID: f.ID, Err: err}
	}
	return v, nil
}

// blankReference returns the first referenced field id whose cell is empty,
// in stable order.
func blankReference(env map[string]any) string {
	var blank []string
	for id, v := range env {
		if model.IsEmptyValue(v) {
			blank = append(blank, id)
		}
	}
	if len(blank) == 0 {
		return ""
	}
	sort.Strings(blank)
	return blank[0]
}

func (c *calculator) lookup(ctx context.Context, f *model.Field, recordID string) (any, error) {
	lk := f.Lookup
	link := c.graph.Field(lk.LinkFieldID)
	if link == nil || link.TableID != f.TableID || link.Options.Link == nil {
		return nil, &model.ComputationError{TableID: f.TableID, FieldID: f.ID, Err: fmt.Errorf("unknown link field %q", lk.LinkFieldID)}
	}
	foreign := link.Options.Link.ForeignTableID
	if c.graph.TableOf(lk.LookupFieldID) != foreign {
		return nil, &model.ComputationError{TableID: f.TableID, FieldID: f.ID, Err: fmt.Errorf("unknown looked up field %q", lk.LookupFieldID)}
	}
	ids, err := c.linked(ctx, link, recordID)
	if err != nil {
		return nil, err
	}

	var values []any
	for _, id := range ids {
		if lk.Filter != nil {
			cells := make(map[string]any)
			for _, fid := range lk.Filter.FieldIDs() {
				if cells[fid], err = c.value(ctx, foreign, id, fid); err != nil {
					return nil, err
				}
			}
			if !lk.Filter.Match(cells) {
				continue
			}
		}
		v, err := c.value(ctx, foreign, id, lk.LookupFieldID)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	if f.IsRollup() {
		fn := "countall"
		if f.Options.Rollup != nil && f.Options.Rollup.Function != "" {
			fn = f.Options.Rollup.Function
		}
		v, err := Rollup(fn, values)
		if err != nil {
			return nil, &model.ComputationError{TableID: f.TableID, FieldID: f.ID, Err: err}
		}
		return v, nil
	}
	out := compact(flattenValues(values))
	switch {
	case len(out) == 0:
		return nil, nil
	case !f.IsMultipleCellValue:
		return out[0], nil
	}
	return out, nil
}

func (c *calculator) linkTitles(ctx context.Context, f *model.Field, recordID string) (any, error) {
	lo := f.Options.Link
	ids, err := c.linked(ctx, f, recordID)
	if err != nil {
		return nil, err
	}
	links := make([]model.LinkValue, len(ids))
	for i, id := range ids {
		links[i] = model.LinkValue{ID: id}
		if lo.LookupFieldID != "" {
			v, err := c.value(ctx, lo.ForeignTableID, id, lo.LookupFieldID)
			if err != nil {
				return nil, err
			}
			links[i].Title = model.CellTitle(v)
		}
	}
	return model.LinkCell(links, lo.Relationship.IsMultiple()), nil
}

func (c *calculator) system(ctx context.Context, f *model.Field, recordID string) (any, error) {
	switch f.Type {
	case model.FieldLastModifiedTime:
		return c.now.UTC().Format(time.RFC3339Nano), nil
	case model.FieldLastModifiedBy:
		return c.actor(), nil
	}

	r, err := c.record(ctx, f.TableID, recordID)
	if err != nil || r == nil {
		return nil, err
	}
	switch f.Type {
	case model.FieldCreatedTime:
		if r.CreatedTime.IsZero() {
			return nil, nil
		}
		return r.CreatedTime.UTC().Format(time.RFC3339Nano), nil
	case model.FieldAutoNumber:
		return float64(r.AutoNumber), nil
	case model.FieldCreatedBy:
		if r.CreatedBy == "" {
			return nil, nil
		}
		if r.CreatedBy == c.op.UserID {
			return c.actor(), nil
		}
		name := r.CreatedBy
		if cur, ok := r.Fields[f.ID].(map[string]any); ok && cur["id"] == r.CreatedBy {
			name = model.CellTitle(cur)
		}
		return model.User{ID: r.CreatedBy, Name: name}.ToCell(), nil
	}
	return nil, nil
}

func (c *calculator) actor() any {
	if c.op.UserID == "" {
		return nil
	}
	name := c.op.UserName
	if name == "" {
		name = c.op.UserID
	}
	return model.User{ID: c.op.UserID, Name: name}.ToCell()
}

// Rollup aggregates the looked up values of the linked records, one value
// per record, with the named function.
func Rollup(fn string, values []any) (any, error) {
	flat := flattenValues(values)
	fn = strings.ToLower(fn)
	switch fn {
	case "countall":
		return float64(len(values)), nil
	case "counta":
		return float64(len(compact(flat))), nil
	case "count":
		return float64(len(numbersOf(flat))), nil
	case "sum":
		total := 0.0
		for _, n := range numbersOf(flat) {
			total += n
		}
		return total, nil
	case "average":
		nums := numbersOf(flat)
		if len(nums) == 0 {
			return nil, nil
		}
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total / float64(len(nums)), nil
	case "max", "min":
		nums := numbersOf(flat)
		if len(nums) == 0 {
			return nil, nil
		}
		sort.Float64s(nums)
		if fn == "max" {
			return nums[len(nums)-1], nil
		}
		return nums[0], nil
	case "and":
		if len(flat) == 0 {
			return nil, nil
		}
		for _, v := range flat {
			if model.IsEmptyValue(v) || v == 0.0 {
				return false, nil
			}
		}
		return true, nil
	case "or":
		if len(flat) == 0 {
			return nil, nil
		}
		for _, v := range flat {
			if !model.IsEmptyValue(v) && v != 0.0 {
				return true, nil
			}
		}
		return false, nil
	case "concatenate":
		return joinValues(compact(flat), ""), nil
	case "array_join":
		return joinValues(compact(flat), ", "), nil
	case "array_unique":
		var out []any
		for _, v := range compact(flat) {
			dup := false
			for _, seen := range out {
				if model.ValuesEqual(seen, v) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, v)
			}
		}
		return nilIfEmpty(out), nil
	case "array_compact":
		return nilIfEmpty(compact(flat)), nil
	}
	return nil, fmt.Errorf("unknown rollup function %q", fn)
}

func flattenValues(values []any) []any {
	var out []any
	for _, v := range values {
		if arr, ok := v.([]any); ok {
			out = append(out, flattenValues(arr)...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func compact(values []any) []any {
	var out []any
	for _, v := range values {
		if v != nil && v != "" {
			out = append(out, v)
		}
	}
	return out
}

func numbersOf(values []any) []float64 {
	var out []float64
	for _, v := range values {
		if n, ok := model.ToFloat(v); ok {
			out = append(out, n)
		}
	}
	return out
}

func joinValues(values []any, sep string) any {
	if len(values) == 0 {
		return nil
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = model.CellTitle(v)
	}
	return strings.Join(parts, sep)
}

func nilIfEmpty(values []any) any {
	if len(values) == 0 {
		return nil
	}
	return values
}
