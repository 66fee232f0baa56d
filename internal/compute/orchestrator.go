package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/events"
	"github.com/alfredjeanlab/gridbase/internal/formula"
	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// State is the position of an Orchestrator in its pipeline.
type State int

const (
	StateNew State = iota
	StatePlanned
	StateBaseWriteApplied
	StateDerivedComputed
	StatePersisted
	StatePublished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePlanned:
		return "planned"
	case StateBaseWriteApplied:
		return "base_write_applied"
	case StateDerivedComputed:
		return "derived_computed"
	case StatePersisted:
		return "persisted"
	case StatePublished:
		return "published"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// BaseWriter persists the direct edits of an operation. It runs after the
// reachable tables are locked and the before values are captured, and before
// any derived value is computed.
type BaseWriter interface {
	ApplyBaseWrite(ctx context.Context, set *TableSet) error
}

// BaseWriteFunc adapts a function to BaseWriter.
type BaseWriteFunc func(ctx context.Context, set *TableSet) error

func (f BaseWriteFunc) ApplyBaseWrite(ctx context.Context, set *TableSet) error { return f(ctx, set) }

// Source is the direct input of one table to an operation.
type Source struct {
	TableID  string
	Contexts []model.CellContext
	// NewRecords lists records the base write inserts.
	NewRecords []string
	// Deleted lists records the base write removes.
	Deleted []string
}

// TableSet is what a BaseWriter sees: the resolved and locked tables, the
// direct contexts per table and the planned link rows.
type TableSet struct {
	store      store.Store
	tables     []string
	contexts   map[string][]model.CellContext
	newRecords map[string][]string
	deleted    map[string][]string
	fk         *FKPlan
	committed  bool
}

// Tables returns the sorted ids of every table the operation may touch.
func (s *TableSet) Tables() []string { return s.tables }

// Store returns the transaction the operation runs in.
func (s *TableSet) Store() store.Store { return s.store }

// Contexts returns the direct contexts of a table.
func (s *TableSet) Contexts(tableID string) []model.CellContext { return s.contexts[tableID] }

// NewRecords returns the records of a table the base write inserts.
func (s *TableSet) NewRecords(tableID string) []string { return s.newRecords[tableID] }

// Deleted returns the records of a table the base write removes.
func (s *TableSet) Deleted(tableID string) []string { return s.deleted[tableID] }

// FK returns the planned link row mutation.
func (s *TableSet) FK() *FKPlan { return s.fk }

// CommitForeignKeys applies the planned link rows. It runs at most once per
// operation; writers that insert records call it after the insert so the
// rows reference existing records.
func (s *TableSet) CommitForeignKeys(ctx context.Context) error {
	if s.committed {
		return nil
	}
	if err := s.fk.Commit(ctx, s.store); err != nil {
		return err
	}
	s.committed = true
	return nil
}

// WriteContexts persists the direct contexts of an existing-record table.
// Empty values clear the cell.
func (s *TableSet) WriteContexts(ctx context.Context, tableID string) error {
	writes := contextWrites(s.contexts[tableID], s.deleted[tableID])
	if len(writes) == 0 {
		return nil
	}
	if _, err := s.store.BatchWrite(ctx, tableID, writes); err != nil {
		return fmt.Errorf("write %s: %w", tableID, err)
	}
	return nil
}

func contextWrites(contexts []model.CellContext, skip []string) []model.RecordWrite {
	gone := make(map[string]bool, len(skip))
	for _, id := range skip {
		gone[id] = true
	}
	index := make(map[string]int)
	var out []model.RecordWrite
	for _, c := range contexts {
		if gone[c.RecordID] {
			continue
		}
		i, ok := index[c.RecordID]
		if !ok {
			i = len(out)
			index[c.RecordID] = i
			out = append(out, model.RecordWrite{RecordID: c.RecordID, Fields: make(map[string]any)})
		}
		v := c.NewValue
		if model.IsEmptyValue(v) {
			v = nil
		}
		out[i].Fields[c.FieldID] = v
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RecordID < out[b].RecordID })
	return out
}

// Result is the outcome of one operation.
type Result struct {
	Operation model.OperationContext
	// TableID is the table the operation was addressed to.
	TableID string
	// Tables is the resolved set of tables the operation could affect.
	Tables []string
	// Changes are the net direct and derived cell changes.
	Changes []model.CellChange
	Ops     model.OpsMap
	// Deleted maps table id to the records removed.
	Deleted map[string][]string
}

// ChangesFor returns the changes of one table.
func (r *Result) ChangesFor(tableID string) []model.CellChange {
	var out []model.CellChange
	for _, c := range r.Changes {
		if c.TableID == tableID {
			out = append(out, c)
		}
	}
	return out
}

// RecordIDs returns the sorted ids of records of the addressed table that
// changed or were deleted.
func (r *Result) RecordIDs() []string {
	seen := make(map[string]bool)
	for _, c := range r.Changes {
		if c.TableID == r.TableID {
			seen[c.RecordID] = true
		}
	}
	for _, id := range r.Deleted[r.TableID] {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsEmpty reports whether the operation changed nothing.
func (r *Result) IsEmpty() bool {
	if r == nil {
		return true
	}
	for _, ids := range r.Deleted {
		if len(ids) > 0 {
			return false
		}
	}
	return len(r.Changes) == 0
}

// Orchestrator runs one record operation inside a transaction: it plans the
// link rows, lets the caller apply the base write, recomputes every affected
// derived cell and persists the result. An Orchestrator is single use.
type Orchestrator struct {
	store  store.Store
	schema *schema.Session
	eval   formula.Evaluator
	logger *slog.Logger
	now    func() time.Time

	state   State
	planner *Planner
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source of last-modified fields.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator returns an orchestrator working in tx with the metadata
// session sess.
func NewOrchestrator(tx store.Store, sess *schema.Session, eval formula.Evaluator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  tx,
		schema: sess,
		eval:   eval,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the pipeline position.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) plannerFor(ctx context.Context) (*Planner, *schema.Graph, error) {
	graph, err := o.schema.Graph(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load dependency graph: %w", err)
	}
	if o.planner == nil || o.planner.graph.Key() != graph.Key() {
		o.planner = NewPlanner(o.store, graph, o.logger)
	}
	return o.planner, graph, nil
}

// PlanDelete returns the sources of deleting recordIDs from tableID: the
// deletion itself and, for every other table linking to the records, the
// contexts shrinking those links.
func (o *Orchestrator) PlanDelete(ctx context.Context, tableID string, recordIDs []string) ([]Source, error) {
	p, _, err := o.plannerFor(ctx)
	if err != nil {
		return nil, err
	}
	d, err := p.PlanDelete(ctx, tableID, recordIDs)
	if err != nil {
		return nil, err
	}
	sources := []Source{{TableID: tableID, Deleted: recordIDs}}
	tables := make([]string, 0, len(d.Contexts))
	for id := range d.Contexts {
		tables = append(tables, id)
	}
	sort.Strings(tables)
	for _, id := range tables {
		if id == tableID {
			sources[0].Contexts = append(sources[0].Contexts, d.Contexts[id]...)
			continue
		}
		sources = append(sources, Source{TableID: id, Contexts: d.Contexts[id]})
	}
	return sources, nil
}

// ComputeCellChangesForRecords runs an operation on a single table.
func (o *Orchestrator) ComputeCellChangesForRecords(ctx context.Context, op model.OperationContext, tableID string,
	contexts []model.CellContext, w BaseWriter) (*Result, error) {
	return o.ComputeCellChangesForRecordsMulti(ctx, op, []Source{{TableID: tableID, Contexts: contexts}}, w)
}

// ComputeCellChangesForRecordsMulti runs an operation whose direct edits
// span several tables. The first source names the addressed table.
func (o *Orchestrator) ComputeCellChangesForRecordsMulti(ctx context.Context, op model.OperationContext,
	sources []Source, w BaseWriter) (*Result, error) {
	if o.state != StateNew {
		return nil, fmt.Errorf("orchestrator already used (state %s)", o.state)
	}
	if len(sources) == 0 {
		return nil, model.NewValidationError("sources", nil, "operation has no sources")
	}
	res, err := o.run(ctx, op.EnsureID(), sources, w)
	if err != nil {
		o.state = StateFailed
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, op model.OperationContext, sources []Source, w BaseWriter) (*Result, error) {
	p, graph, err := o.plannerFor(ctx)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if graph.Table(src.TableID) == nil {
			return nil, &model.NotFoundError{Kind: "table", ID: src.TableID}
		}
		p.MarkDeleted(src.TableID, src.Deleted)
	}

	set := &TableSet{
		store:      o.store,
		contexts:   make(map[string][]model.CellContext),
		newRecords: make(map[string][]string),
		deleted:    make(map[string][]string),
		fk:         p.FK(),
	}
	var base []model.CellChange
	for _, src := range sources {
		contexts := dropNoops(src.Contexts)
		set.contexts[src.TableID] = append(set.contexts[src.TableID], contexts...)
		set.newRecords[src.TableID] = append(set.newRecords[src.TableID], src.NewRecords...)
		set.deleted[src.TableID] = append(set.deleted[src.TableID], src.Deleted...)
		base = append(base, model.ToChanges(src.TableID, contexts)...)
	}

	// Plan the link rows and the cells they change elsewhere.
	derivation := newLinkDerivation()
	for _, src := range sources {
		if len(set.contexts[src.TableID]) == 0 {
			continue
		}
		d, err := p.PlanLinkDerivation(ctx, src.TableID, set.contexts[src.TableID])
		if err != nil {
			return nil, err
		}
		derivation.merge(d)
	}
	derived := derivation.Changes()
	seeds := append(append([]model.CellChange(nil), base...), derived...)

	set.tables = o.resolveTables(graph, sources, seeds, set.newRecords)
	if err := o.store.LockTables(ctx, set.tables); err != nil {
		return nil, fmt.Errorf("lock tables: %w", err)
	}

	affected, err := p.PlanAffected(ctx, seeds, set.newRecords)
	if err != nil {
		return nil, err
	}
	before, err := o.captureBefore(ctx, affected, nil)
	if err != nil {
		return nil, err
	}
	o.state = StatePlanned
	o.logger.Debug("operation planned", "operation", op.OperationID, "tables", set.tables, "affected", affected.Len())

	if err := w.ApplyBaseWrite(ctx, set); err != nil {
		return nil, err
	}
	if err := set.CommitForeignKeys(ctx); err != nil {
		return nil, err
	}
	o.state = StateBaseWriteApplied

	calc := newCalculator(o.store, graph, o.eval, op, o.now(), o.logger)
	for _, c := range seeds {
		calc.set(c.TableID, c.RecordID, c.FieldID, c.NewValue)
	}
	all := append([]model.CellChange(nil), seeds...)
	computed, err := o.recompute(ctx, calc, graph, affected, before)
	if err != nil {
		return nil, err
	}
	all = append(all, computed...)

	stamped := make(map[cellKey]bool)
	for {
		stamps, err := o.stampTrackAll(ctx, calc, graph, p, all, stamped)
		if err != nil {
			return nil, err
		}
		if len(stamps) == 0 {
			break
		}
		all = append(all, stamps...)
		more, err := p.PlanAffected(ctx, stamps, nil)
		if err != nil {
			return nil, err
		}
		if _, err := o.captureBefore(ctx, more, before); err != nil {
			return nil, err
		}
		computed, err := o.recompute(ctx, calc, graph, more, before)
		if err != nil {
			return nil, err
		}
		all = append(all, computed...)
	}
	o.state = StateDerivedComputed

	net := CompressAndFilterChanges(all, isSystemField(graph), isTrackAllField(graph))
	if err := o.persist(ctx, p, base, all, net); err != nil {
		return nil, err
	}
	o.state = StatePersisted

	baseKeys := make(map[cellKey]bool, len(base))
	for _, c := range base {
		baseKeys[cellKey{c.TableID, c.RecordID, c.FieldID}] = true
	}
	var direct, indirect []model.CellChange
	for _, c := range net {
		if baseKeys[cellKey{c.TableID, c.RecordID, c.FieldID}] {
			direct = append(direct, c)
		} else {
			indirect = append(indirect, c)
		}
	}

	res := &Result{
		Operation: op,
		TableID:   sources[0].TableID,
		Tables:    set.tables,
		Changes:   net,
		Ops:       ComposeOpMaps(FormatChangesToOps(direct), FormatChangesToOps(indirect)),
		Deleted:   make(map[string][]string),
	}
	for id, recs := range set.deleted {
		if len(recs) > 0 {
			res.Deleted[id] = recs
		}
	}
	return res, nil
}

// resolveTables returns every table the operation can reach: the source
// tables and the closure of the seeds, the computed fields of new records
// and the track-all fields of every reached table.
func (o *Orchestrator) resolveTables(graph *schema.Graph, sources []Source, seeds []model.CellChange, newRecords map[string][]string) []string {
	var fields []string
	for _, c := range seeds {
		fields = append(fields, c.FieldID)
	}
	for tableID, ids := range newRecords {
		if len(ids) == 0 {
			continue
		}
		for _, f := range graph.Table(tableID).Fields {
			if f.IsComputed {
				fields = append(fields, f.ID)
			}
		}
	}
	tables := make(map[string]bool)
	for _, src := range sources {
		tables[src.TableID] = true
	}
	for {
		for _, id := range graph.ReachableTables(fields) {
			tables[id] = true
		}
		var more []string
		known := make(map[string]bool, len(fields))
		for _, id := range fields {
			known[id] = true
		}
		for id := range tables {
			for _, f := range graph.Table(id).Fields {
				if f.Type.IsTrackAll() && !known[f.ID] {
					more = append(more, f.ID)
				}
			}
		}
		if len(more) == 0 {
			break
		}
		fields = append(fields, more...)
	}
	out := make([]string, 0, len(tables))
	for id := range tables {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// captureBefore reads the stored values of the affected cells that into does
// not hold yet. Missing records read as nil.
func (o *Orchestrator) captureBefore(ctx context.Context, affected *Affected, into map[cellKey]any) (map[cellKey]any, error) {
	if into == nil {
		into = make(map[cellKey]any)
	}
	projections := affected.Projections()
	for _, tableID := range affected.Tables() {
		fields := projections[tableID]
		seen := make(map[string]bool)
		var ids []string
		for _, fid := range fields {
			for _, id := range affected.Records(tableID, fid) {
				if _, ok := into[cellKey{tableID, id, fid}]; ok || seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		recs, err := o.store.GetSnapshotBulk(ctx, tableID, ids, fields)
		if err != nil {
			return nil, fmt.Errorf("capture before values of %s: %w", tableID, err)
		}
		byID := make(map[string]*model.Record, len(recs))
		for _, r := range recs {
			byID[r.ID] = r
		}
		for _, fid := range fields {
			for _, id := range affected.Records(tableID, fid) {
				k := cellKey{tableID, id, fid}
				if _, ok := into[k]; ok {
					continue
				}
				if r := byID[id]; r != nil {
					into[k] = r.Fields[fid]
				} else {
					into[k] = nil
				}
			}
		}
	}
	return into, nil
}

// recompute evaluates the affected cells in dependency order.
func (o *Orchestrator) recompute(ctx context.Context, calc *calculator, graph *schema.Graph, affected *Affected, before map[cellKey]any) ([]model.CellChange, error) {
	var out []model.CellChange
	for _, fieldID := range graph.TopoOrder(affected.Fields(), o.logger) {
		f := graph.Field(fieldID)
		if f == nil {
			continue
		}
		records := affected.Records(f.TableID, f.ID)
		if len(records) == 0 {
			continue
		}
		if err := calc.prefetch(ctx, f, records); err != nil {
			return nil, err
		}
		for _, id := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			v, err := calc.compute(ctx, f, id)
			if err != nil {
				return nil, err
			}
			v = model.NormalizeValue(v)
			calc.set(f.TableID, id, f.ID, v)
			out = append(out, model.CellChange{
				TableID:     f.TableID,
				CellContext: model.CellContext{RecordID: id, FieldID: f.ID, OldValue: before[cellKey{f.TableID, id, f.ID}], NewValue: v},
			})
		}
	}
	return out, nil
}

// stampTrackAll computes the track-all fields of every record with a
// substantive change that has not been stamped yet.
func (o *Orchestrator) stampTrackAll(ctx context.Context, calc *calculator, graph *schema.Graph, p *Planner,
	changes []model.CellChange, stamped map[cellKey]bool) ([]model.CellChange, error) {
	type recKey struct{ table, record string }
	var pending []recKey
	seen := make(map[recKey]bool)
	for _, c := range MergeDuplicateChange(changes) {
		f := graph.Field(c.FieldID)
		if f == nil || f.Type.IsSystem() || c.IsNoop() || p.isDeleted(c.TableID, c.RecordID) {
			continue
		}
		k := recKey{c.TableID, c.RecordID}
		if !seen[k] {
			seen[k] = true
			pending = append(pending, k)
		}
	}

	var out []model.CellChange
	for _, k := range pending {
		for _, f := range graph.Table(k.table).Fields {
			ck := cellKey{k.table, k.record, f.ID}
			if !f.Type.IsTrackAll() || stamped[ck] {
				continue
			}
			stamped[ck] = true
			old, err := calc.value(ctx, k.table, k.record, f.ID)
			if err != nil {
				return nil, err
			}
			v, err := calc.compute(ctx, f, k.record)
			if err != nil {
				return nil, err
			}
			calc.set(k.table, k.record, f.ID, v)
			out = append(out, model.CellChange{
				TableID:     k.table,
				CellContext: model.CellContext{RecordID: k.record, FieldID: f.ID, OldValue: old, NewValue: v},
			})
		}
	}
	return out, nil
}

// persist writes every derived cell whose final value differs from what the
// store holds after the base write.
func (o *Orchestrator) persist(ctx context.Context, p *Planner, base, all, net []model.CellChange) error {
	written := make(map[cellKey]any, len(base))
	for _, c := range base {
		written[cellKey{c.TableID, c.RecordID, c.FieldID}] = c.NewValue
	}
	final := make(map[cellKey]any)
	for _, c := range MergeDuplicateChange(all) {
		final[cellKey{c.TableID, c.RecordID, c.FieldID}] = c.NewValue
	}

	writes := make(map[string]map[string]map[string]any)
	put := func(k cellKey, v any) {
		if p.isDeleted(k.table, k.record) {
			return
		}
		if writes[k.table] == nil {
			writes[k.table] = make(map[string]map[string]any)
		}
		if writes[k.table][k.record] == nil {
			writes[k.table][k.record] = make(map[string]any)
		}
		if model.IsEmptyValue(v) {
			v = nil
		}
		writes[k.table][k.record][k.field] = v
	}
	inNet := make(map[cellKey]bool, len(net))
	for _, c := range net {
		k := cellKey{c.TableID, c.RecordID, c.FieldID}
		inNet[k] = true
		if w, ok := written[k]; ok && model.ValuesEqual(w, c.NewValue) {
			continue
		}
		put(k, c.NewValue)
	}
	for k, w := range written {
		if !inNet[k] && !model.ValuesEqual(w, final[k]) {
			put(k, final[k])
		}
	}

	tables := make([]string, 0, len(writes))
	for id := range writes {
		tables = append(tables, id)
	}
	sort.Strings(tables)
	for _, tableID := range tables {
		batch := make([]model.RecordWrite, 0, len(writes[tableID]))
		for id, fields := range writes[tableID] {
			batch = append(batch, model.RecordWrite{RecordID: id, Fields: fields})
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].RecordID < batch[j].RecordID })
		if _, err := o.store.BatchWrite(ctx, tableID, batch); err != nil {
			return fmt.Errorf("persist derived values of %s: %w", tableID, err)
		}
	}
	return nil
}

// Publish emits the result as one ChangeBatch and records the audit row. It
// runs after the transaction committed; failures are logged, not returned,
// since the data is already durable.
func (o *Orchestrator) Publish(ctx context.Context, pub events.Publisher, audit store.EventLog, topic string, res *Result) {
	if res.IsEmpty() {
		return
	}
	batch := events.ChangeBatch{
		OperationID: res.Operation.OperationID,
		TableID:     res.TableID,
		Actor:       res.Operation.UserID,
		Origin:      res.Operation.Origin,
		Tables:      res.Tables,
		RecordIDs:   res.RecordIDs(),
		Changes:     res.Changes,
		Ops:         res.Ops,
	}
	if pub != nil {
		if err := pub.Publish(ctx, topic, batch); err != nil {
			o.logger.Warn("failed to publish change batch", "operation", batch.OperationID, "topic", topic, "err", err)
		}
	}
	o.state = StatePublished

	if audit == nil || res.Operation.SkipAudit {
		return
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		o.logger.Warn("failed to encode audit payload", "operation", batch.OperationID, "err", err)
		return
	}
	ev := &model.Event{
		Topic:       topic,
		TableID:     res.TableID,
		OperationID: batch.OperationID,
		Actor:       batch.Actor,
		Payload:     payload,
		CreatedAt:   o.now().UTC(),
	}
	if err := audit.RecordEvent(ctx, ev); err != nil {
		o.logger.Warn("failed to record audit event", "operation", batch.OperationID, "err", err)
	}
}

func isSystemField(graph *schema.Graph) func(string) bool {
	return func(id string) bool {
		f := graph.Field(id)
		return f != nil && f.Type.IsSystem()
	}
}

func isTrackAllField(graph *schema.Graph) func(string) bool {
	return func(id string) bool {
		f := graph.Field(id)
		return f != nil && f.Type.IsTrackAll()
	}
}
