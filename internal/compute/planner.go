package compute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// LinkDerivation is the cross-table consequence of a set of link edits.
type LinkDerivation struct {
	// Contexts are the derived cell contexts per table: symmetric link cells,
	// cells losing a link to a single-valued foreign side, and cells shrunk
	// by a deletion.
	Contexts map[string][]model.CellContext
	// FK is the planned link row mutation.
	FK *FKPlan
	// Projections lists, per table, the fields the contexts touch.
	Projections map[string][]string
}

func newLinkDerivation() *LinkDerivation {
	return &LinkDerivation{
		Contexts:    make(map[string][]model.CellContext),
		FK:          NewFKPlan(),
		Projections: make(map[string][]string),
	}
}

func (d *LinkDerivation) add(tableID string, c model.CellContext) {
	d.Contexts[tableID] = append(d.Contexts[tableID], c)
	for _, id := range d.Projections[tableID] {
		if id == c.FieldID {
			return
		}
	}
	d.Projections[tableID] = append(d.Projections[tableID], c.FieldID)
	sort.Strings(d.Projections[tableID])
}

// Changes flattens the contexts in table order.
func (d *LinkDerivation) Changes() []model.CellChange {
	tables := make([]string, 0, len(d.Contexts))
	for id := range d.Contexts {
		tables = append(tables, id)
	}
	sort.Strings(tables)
	var out []model.CellChange
	for _, id := range tables {
		out = append(out, model.ToChanges(id, d.Contexts[id])...)
	}
	return out
}

func (d *LinkDerivation) merge(other *LinkDerivation) {
	for _, ch := range other.Changes() {
		d.add(ch.TableID, ch.CellContext)
	}
	d.FK.Merge(other.FK)
}

// Affected is the set of computed cells to recompute: table, field, records.
type Affected struct {
	cells map[string]map[string]map[string]bool
}

func newAffected() *Affected {
	return &Affected{cells: make(map[string]map[string]map[string]bool)}
}

// Add marks a cell and reports whether it was new.
func (a *Affected) Add(tableID, fieldID, recordID string) bool {
	fields, ok := a.cells[tableID]
	if !ok {
		fields = make(map[string]map[string]bool)
		a.cells[tableID] = fields
	}
	recs, ok := fields[fieldID]
	if !ok {
		recs = make(map[string]bool)
		fields[fieldID] = recs
	}
	if recs[recordID] {
		return false
	}
	recs[recordID] = true
	return true
}

// Has reports whether a cell is marked.
func (a *Affected) Has(tableID, fieldID, recordID string) bool {
	return a.cells[tableID][fieldID][recordID]
}

// Tables returns the sorted ids of tables with affected cells.
func (a *Affected) Tables() []string {
	out := make([]string, 0, len(a.cells))
	for id := range a.cells {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Fields returns every affected field id, sorted.
func (a *Affected) Fields() []string {
	var out []string
	for _, fields := range a.cells {
		for id := range fields {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Records returns the sorted affected records of one field.
func (a *Affected) Records(tableID, fieldID string) []string {
	recs := a.cells[tableID][fieldID]
	out := make([]string, 0, len(recs))
	for id := range recs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Projections returns, per table, the sorted affected field ids.
func (a *Affected) Projections() map[string][]string {
	out := make(map[string][]string, len(a.cells))
	for tableID, fields := range a.cells {
		ids := make([]string, 0, len(fields))
		for id := range fields {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[tableID] = ids
	}
	return out
}

// Len returns the number of affected cells.
func (a *Affected) Len() int {
	n := 0
	for _, fields := range a.cells {
		for _, recs := range fields {
			n += len(recs)
		}
	}
	return n
}

type rowQuery struct {
	relation string
	side     store.LinkSide
	id       string
}

// Planner computes link derivations and affected cells for one operation.
// It reads the state before the base write and accumulates one FKPlan across
// calls; nothing is written until the plan is committed.
type Planner struct {
	store  store.Store
	graph  *schema.Graph
	logger *slog.Logger

	fk      *FKPlan
	rows    map[rowQuery][]store.LinkRow
	snap    map[cellKey]any
	loaded  map[cellKey]bool
	pending map[cellKey]any
	deleted map[string]map[string]bool
}

// NewPlanner returns a planner reading through st.
func NewPlanner(st store.Store, graph *schema.Graph, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store:   st,
		graph:   graph,
		logger:  logger,
		fk:      NewFKPlan(),
		rows:    make(map[rowQuery][]store.LinkRow),
		snap:    make(map[cellKey]any),
		loaded:  make(map[cellKey]bool),
		pending: make(map[cellKey]any),
		deleted: make(map[string]map[string]bool),
	}
}

// FK returns the accumulated link row plan.
func (p *Planner) FK() *FKPlan { return p.fk }

// MarkDeleted records that the operation deletes recordIDs. Deleted records
// receive no derived contexts and are never recomputed.
func (p *Planner) MarkDeleted(tableID string, recordIDs []string) {
	m, ok := p.deleted[tableID]
	if !ok {
		m = make(map[string]bool)
		p.deleted[tableID] = m
	}
	for _, id := range recordIDs {
		m[id] = true
	}
}

func (p *Planner) isDeleted(tableID, recordID string) bool {
	return p.deleted[tableID][recordID]
}

func sides(isSource bool) (mine, other store.LinkSide) {
	if isSource {
		return store.SideSource, store.SideTarget
	}
	return store.SideTarget, store.SideSource
}

func sideID(row store.LinkRow, side store.LinkSide) string {
	if side == store.SideSource {
		return row.SourceID
	}
	return row.TargetID
}

// orderOf returns the position of the row inside the cell of the record on
// the given side.
func orderOf(row store.LinkRow, side store.LinkSide) float64 {
	if side == store.SideSource {
		return row.SourceOrder
	}
	return row.TargetOrder
}

func setOrder(row *store.LinkRow, side store.LinkSide, v float64) {
	if side == store.SideSource {
		row.SourceOrder = v
	} else {
		row.TargetOrder = v
	}
}

func keyOf(row store.LinkRow) store.LinkKey {
	return store.LinkKey{SourceID: row.SourceID, TargetID: row.TargetID}
}

func sortRows(rows []store.LinkRow, side store.LinkSide) {
	other := store.SideTarget
	if side == store.SideTarget {
		other = store.SideSource
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if sideID(a, side) != sideID(b, side) {
			return sideID(a, side) < sideID(b, side)
		}
		if orderOf(a, side) != orderOf(b, side) {
			return orderOf(a, side) < orderOf(b, side)
		}
		return sideID(a, other) < sideID(b, other)
	})
}

// storeRows returns the committed rows whose side column matches ids.
func (p *Planner) storeRows(ctx context.Context, relation string, side store.LinkSide, ids []string) ([]store.LinkRow, error) {
	var missing []string
	for _, id := range ids {
		if _, ok := p.rows[rowQuery{relation, side, id}]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		rows, err := p.store.GetLinkRows(ctx, relation, side, missing)
		if err != nil {
			return nil, fmt.Errorf("load link rows of %s: %w", relation, err)
		}
		for _, id := range missing {
			p.rows[rowQuery{relation, side, id}] = nil
		}
		for _, row := range rows {
			q := rowQuery{relation, side, sideID(row, side)}
			p.rows[q] = append(p.rows[q], row)
		}
	}
	var out []store.LinkRow
	for _, id := range ids {
		out = append(out, p.rows[rowQuery{relation, side, id}]...)
	}
	return out, nil
}

// currentRows returns the rows matching ids as they will be once the plan
// is committed.
func (p *Planner) currentRows(ctx context.Context, relation string, side store.LinkSide, ids []string) ([]store.LinkRow, error) {
	base, err := p.storeRows(ctx, relation, side, ids)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	seen := make(map[store.LinkKey]bool)
	var out []store.LinkRow
	for _, row := range base {
		k := keyOf(row)
		seen[k] = true
		if planned, ok := p.fk.Get(relation, k); ok {
			if planned != nil {
				out = append(out, *planned)
			}
			continue
		}
		out = append(out, row)
	}
	for _, row := range p.fk.upserts(relation) {
		if want[sideID(row, side)] && !seen[keyOf(row)] {
			out = append(out, row)
		}
	}
	sortRows(out, side)
	return out, nil
}

// cells returns a field's values for records, preferring values planned by
// this operation over the stored snapshot.
func (p *Planner) cells(ctx context.Context, tableID, fieldID string, ids []string) (map[string]any, error) {
	var missing []string
	for _, id := range ids {
		k := cellKey{tableID, id, fieldID}
		if _, ok := p.pending[k]; ok {
			continue
		}
		if !p.loaded[k] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		recs, err := p.store.GetSnapshotBulk(ctx, tableID, missing, []string{fieldID})
		if err != nil {
			return nil, fmt.Errorf("load %s.%s: %w", tableID, fieldID, err)
		}
		for _, id := range missing {
			p.loaded[cellKey{tableID, id, fieldID}] = true
		}
		for _, r := range recs {
			p.snap[cellKey{tableID, r.ID, fieldID}] = r.Fields[fieldID]
		}
	}
	out := make(map[string]any, len(ids))
	for _, id := range ids {
		k := cellKey{tableID, id, fieldID}
		if v, ok := p.pending[k]; ok {
			out[id] = v
		} else {
			out[id] = p.snap[k]
		}
	}
	return out, nil
}

func (p *Planner) cellValue(ctx context.Context, tableID, recordID, fieldID string) (any, error) {
	m, err := p.cells(ctx, tableID, fieldID, []string{recordID})
	if err != nil {
		return nil, err
	}
	return m[recordID], nil
}

// derive records a derived context and makes its value visible to later
// planning steps.
func (p *Planner) derive(d *LinkDerivation, tableID string, c model.CellContext) {
	if c.IsNoop() {
		return
	}
	p.pending[cellKey{tableID, c.RecordID, c.FieldID}] = c.NewValue
	d.add(tableID, c)
}

func (p *Planner) linkField(fieldID string) *model.Field {
	f := p.graph.Field(fieldID)
	if f == nil || f.Type != model.FieldLink || f.Options.Link == nil {
		return nil
	}
	return f
}

// PlanLinkDerivation plans the link row delta for the link cells among
// contexts and the cells it changes in other records: symmetric fields, and
// records losing a link to a foreign record that can only be linked once.
func (p *Planner) PlanLinkDerivation(ctx context.Context, tableID string, contexts []model.CellContext) (*LinkDerivation, error) {
	d := newLinkDerivation()
	for _, c := range contexts {
		p.pending[cellKey{tableID, c.RecordID, c.FieldID}] = c.NewValue
	}

	byField := make(map[string][]model.CellContext)
	var order []string
	for _, c := range contexts {
		f := p.linkField(c.FieldID)
		if f == nil || f.TableID != tableID {
			continue
		}
		if _, ok := byField[f.ID]; !ok {
			order = append(order, f.ID)
		}
		byField[f.ID] = append(byField[f.ID], c)
	}
	for _, id := range order {
		if err := p.deriveLink(ctx, d, p.graph.Field(id), byField[id]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (p *Planner) deriveLink(ctx context.Context, d *LinkDerivation, f *model.Field, contexts []model.CellContext) error {
	lo := f.Options.Link
	rel := lo.Storage.Relation
	mine, other := sides(lo.Storage.IsSource)
	foreignSingle := !lo.Relationship.Reverse().IsMultiple()

	var ids []string
	for _, c := range contexts {
		ids = append(ids, c.RecordID)
	}
	before, err := p.currentRows(ctx, rel, mine, ids)
	if err != nil {
		return err
	}
	existing := make(map[string]map[string]store.LinkRow)
	for _, row := range before {
		x := sideID(row, mine)
		if existing[x] == nil {
			existing[x] = make(map[string]store.LinkRow)
		}
		existing[x][sideID(row, other)] = row
	}

	var touched []string
	seen := make(map[string]bool)
	touch := func(id string) {
		if !seen[id] {
			seen[id] = true
			touched = append(touched, id)
		}
	}
	put := func(row store.LinkRow) {
		p.fk.Put(rel, keyOf(row), &row)
		d.FK.Put(rel, keyOf(row), &row)
	}
	remove := func(row store.LinkRow) {
		p.fk.Remove(rel, keyOf(row))
		d.FK.Remove(rel, keyOf(row))
	}

	for _, c := range contexts {
		x := c.RecordID
		if p.isDeleted(f.TableID, x) {
			continue
		}
		newIDs := dedupe(model.LinkIDs(c.NewValue))
		keep := make(map[string]bool, len(newIDs))
		for _, id := range newIDs {
			keep[id] = true
		}

		var gone []string
		for oid := range existing[x] {
			if !keep[oid] {
				gone = append(gone, oid)
			}
		}
		sort.Strings(gone)
		for _, oid := range gone {
			remove(existing[x][oid])
			touch(oid)
		}

		for i, oid := range newIDs {
			row, had := existing[x][oid]
			if !had {
				theirs, err := p.currentRows(ctx, rel, other, []string{oid})
				if err != nil {
					return err
				}
				if mine == store.SideSource {
					row = store.LinkRow{SourceID: x, TargetID: oid}
				} else {
					row = store.LinkRow{SourceID: oid, TargetID: x}
				}
				next := 0.0
				for _, r := range theirs {
					if o := orderOf(r, other) + 1; o > next {
						next = o
					}
				}
				setOrder(&row, other, next)
				touch(oid)

				if foreignSingle {
					for _, r := range theirs {
						if z := sideID(r, mine); z != x {
							remove(r)
							if err := p.steal(ctx, d, f, z, oid); err != nil {
								return err
							}
						}
					}
				}
			}
			setOrder(&row, mine, float64(i))
			put(row)
		}
	}

	if lo.SymmetricFieldID == "" {
		return nil
	}
	sym := p.linkField(lo.SymmetricFieldID)
	if sym == nil {
		return &model.ComputationError{TableID: f.TableID, FieldID: f.ID, Err: fmt.Errorf("unknown symmetric field %q", lo.SymmetricFieldID)}
	}
	return p.refreshSymmetric(ctx, d, f, sym, touched)
}

// steal removes foreignID from z's cell after another record took the only
// slot foreignID has for this link.
func (p *Planner) steal(ctx context.Context, d *LinkDerivation, f *model.Field, z, foreignID string) error {
	if p.isDeleted(f.TableID, z) {
		return nil
	}
	old, err := p.cellValue(ctx, f.TableID, z, f.ID)
	if err != nil {
		return err
	}
	var kept []model.LinkValue
	for _, l := range model.LinkValues(old) {
		if l.ID != foreignID {
			kept = append(kept, l)
		}
	}
	p.logger.Debug("link moved to another record", "table", f.TableID, "field", f.ID, "from", z, "foreign", foreignID)
	p.derive(d, f.TableID, model.CellContext{
		RecordID: z,
		FieldID:  f.ID,
		OldValue: old,
		NewValue: model.LinkCell(kept, f.Options.Link.Relationship.IsMultiple()),
	})
	return nil
}

// refreshSymmetric rebuilds the symmetric cells of the foreign records whose
// rows changed.
func (p *Planner) refreshSymmetric(ctx context.Context, d *LinkDerivation, f, sym *model.Field, foreignIDs []string) error {
	lo := f.Options.Link
	mine, other := sides(lo.Storage.IsSource)
	foreignTable := lo.ForeignTableID
	titleField := sym.Options.Link.LookupFieldID

	for _, y := range foreignIDs {
		if p.isDeleted(foreignTable, y) {
			continue
		}
		rows, err := p.currentRows(ctx, lo.Storage.Relation, other, []string{y})
		if err != nil {
			return err
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = sideID(r, mine)
		}
		titles := map[string]any{}
		if titleField != "" && len(ids) > 0 {
			if titles, err = p.cells(ctx, f.TableID, titleField, ids); err != nil {
				return err
			}
		}
		links := make([]model.LinkValue, len(ids))
		for i, id := range ids {
			links[i] = model.LinkValue{ID: id, Title: model.CellTitle(titles[id])}
		}
		old, err := p.cellValue(ctx, foreignTable, y, sym.ID)
		if err != nil {
			return err
		}
		p.derive(d, foreignTable, model.CellContext{
			RecordID: y,
			FieldID:  sym.ID,
			OldValue: old,
			NewValue: model.LinkCell(links, sym.Options.Link.Relationship.IsMultiple()),
		})
	}
	return nil
}

// PlanDelete plans the removal of recordIDs from tableID: every link row
// touching them is removed, and every surviving record linking to them gets
// a context shrinking its link cell. The deleted table's own rows are not
// touched.
func (p *Planner) PlanDelete(ctx context.Context, tableID string, recordIDs []string) (*LinkDerivation, error) {
	if p.graph.Table(tableID) == nil {
		return nil, &model.NotFoundError{Kind: "table", ID: tableID}
	}
	p.MarkDeleted(tableID, recordIDs)
	gone := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		gone[id] = true
	}
	d := newLinkDerivation()

	for _, f := range p.graph.LinksTo(tableID) {
		lo := f.Options.Link
		mine, other := sides(lo.Storage.IsSource)
		rows, err := p.currentRows(ctx, lo.Storage.Relation, other, recordIDs)
		if err != nil {
			return nil, err
		}
		var linkers []string
		seen := make(map[string]bool)
		for _, row := range rows {
			p.fk.Remove(lo.Storage.Relation, keyOf(row))
			d.FK.Remove(lo.Storage.Relation, keyOf(row))
			if x := sideID(row, mine); !seen[x] && !p.isDeleted(f.TableID, x) {
				seen[x] = true
				linkers = append(linkers, x)
			}
		}
		sort.Strings(linkers)
		if len(linkers) == 0 {
			continue
		}
		olds, err := p.cells(ctx, f.TableID, f.ID, linkers)
		if err != nil {
			return nil, err
		}
		for _, x := range linkers {
			var kept []model.LinkValue
			for _, l := range model.LinkValues(olds[x]) {
				if !gone[l.ID] {
					kept = append(kept, l)
				}
			}
			p.derive(d, f.TableID, model.CellContext{
				RecordID: x,
				FieldID:  f.ID,
				OldValue: olds[x],
				NewValue: model.LinkCell(kept, lo.Relationship.IsMultiple()),
			})
		}
	}

	for _, f := range p.graph.Table(tableID).Fields {
		if f.Type != model.FieldLink || f.Options.Link == nil {
			continue
		}
		mine, _ := sides(f.Options.Link.Storage.IsSource)
		rows, err := p.currentRows(ctx, f.Options.Link.Storage.Relation, mine, recordIDs)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			p.fk.Remove(f.Options.Link.Storage.Relation, keyOf(row))
			d.FK.Remove(f.Options.Link.Storage.Relation, keyOf(row))
		}
	}
	return d, nil
}

type workItem struct {
	table, field, record string
	known                bool
	old, new             any
}

// PlanAffected walks the dependency graph forward from seeds and returns
// every computed cell that must be recomputed. Computed fields of new
// records are always included. Each (table, field, record) is visited at
// most once, so cycles terminate.
func (p *Planner) PlanAffected(ctx context.Context, seeds []model.CellChange, newRecords map[string][]string) (*Affected, error) {
	a := newAffected()
	var queue []workItem
	for _, s := range seeds {
		queue = append(queue, workItem{table: s.TableID, field: s.FieldID, record: s.RecordID, known: true, old: s.OldValue, new: s.NewValue})
	}
	enqueue := func(tableID, fieldID, recordID string) {
		if p.isDeleted(tableID, recordID) {
			return
		}
		if a.Add(tableID, fieldID, recordID) {
			queue = append(queue, workItem{table: tableID, field: fieldID, record: recordID})
		}
	}

	tables := make([]string, 0, len(newRecords))
	for id := range newRecords {
		tables = append(tables, id)
	}
	sort.Strings(tables)
	for _, tableID := range tables {
		t := p.graph.Table(tableID)
		if t == nil {
			return nil, &model.NotFoundError{Kind: "table", ID: tableID}
		}
		for _, f := range t.Fields {
			if !f.IsComputed || f.Type.IsTrackAll() {
				continue
			}
			for _, id := range newRecords[tableID] {
				enqueue(tableID, f.ID, id)
			}
		}
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if p.isDeleted(item.table, item.record) {
			continue
		}
		for _, e := range p.graph.Dependents(item.field) {
			if e.Symmetric {
				continue
			}
			dep := p.graph.Field(e.To)
			if dep.Type.IsTrackAll() {
				continue
			}
			if e.Link == "" {
				enqueue(dep.TableID, dep.ID, item.record)
				continue
			}
			if dep.ReadsThroughLink() && dep.Lookup.Filter != nil && item.known {
				ok, err := p.filterMayMatch(ctx, a, item, dep.Lookup.Filter)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			link := p.linkField(e.Link)
			if link == nil {
				continue
			}
			linkers, err := p.linkers(ctx, link, item.record)
			if err != nil {
				return nil, err
			}
			for _, x := range linkers {
				enqueue(dep.TableID, dep.ID, x)
			}
		}
	}
	return a, nil
}

// filterMayMatch reports whether the foreign record of item passes filter
// before or after the change. Filter fields that are computed and may still
// change in this pass make the check pass.
func (p *Planner) filterMayMatch(ctx context.Context, a *Affected, item workItem, filter *model.Filter) (bool, error) {
	before := make(map[string]any)
	after := make(map[string]any)
	for _, id := range filter.FieldIDs() {
		if id == item.field {
			before[id], after[id] = item.old, item.new
			continue
		}
		if f := p.graph.Field(id); f == nil || f.IsComputed || a.Has(item.table, id, item.record) {
			return true, nil
		}
		v, err := p.cellValue(ctx, item.table, item.record, id)
		if err != nil {
			return false, err
		}
		before[id], after[id] = v, v
	}
	return filter.Match(before) || filter.Match(after), nil
}

// linkers returns the records whose link cell contains foreignID, before or
// after the planned delta.
func (p *Planner) linkers(ctx context.Context, link *model.Field, foreignID string) ([]string, error) {
	lo := link.Options.Link
	mine, other := sides(lo.Storage.IsSource)
	rows, err := p.storeRows(ctx, lo.Storage.Relation, other, []string{foreignID})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	add := func(row store.LinkRow) {
		if x := sideID(row, mine); !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	for _, row := range rows {
		add(row)
	}
	for _, row := range p.fk.upserts(lo.Storage.Relation) {
		if sideID(row, other) == foreignID {
			add(row)
		}
	}
	sort.Strings(out)
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
