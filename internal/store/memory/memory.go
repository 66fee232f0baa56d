// Package memory implements store.Store in process. Transactions run against
// a private snapshot and are validated at commit: if another transaction has
// committed a newer version of any row the transaction wrote, the commit fails
// with store.ErrConflict.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

type state struct {
	tables  map[string]*model.Table
	records map[string]map[string]*model.Record
	links   map[string]map[store.LinkKey]store.LinkRow
	users   map[string]model.User
	collabs map[string]map[string]bool
	events  []*model.Event
}

func newState() *state {
	return &state{
		tables:  make(map[string]*model.Table),
		records: make(map[string]map[string]*model.Record),
		links:   make(map[string]map[store.LinkKey]store.LinkRow),
		users:   make(map[string]model.User),
		collabs: make(map[string]map[string]bool),
	}
}

// clone copies the state deeply enough that a transaction can mutate maps and
// records without affecting the committed state. Cell values are treated as
// immutable and shared.
func (s *state) clone() *state {
	c := newState()
	for id, t := range s.tables {
		c.tables[id] = t.Clone()
	}
	for tid, recs := range s.records {
		m := make(map[string]*model.Record, len(recs))
		for id, r := range recs {
			m[id] = r.Clone()
		}
		c.records[tid] = m
	}
	for rel, rows := range s.links {
		m := make(map[store.LinkKey]store.LinkRow, len(rows))
		for k, row := range rows {
			m[k] = row
		}
		c.links[rel] = m
	}
	for id, u := range s.users {
		c.users[id] = u
	}
	for tid, ids := range s.collabs {
		m := make(map[string]bool, len(ids))
		for id := range ids {
			m[id] = true
		}
		c.collabs[tid] = m
	}
	c.events = append([]*model.Event(nil), s.events...)
	return c
}

// Store is an in-memory store.Store.
type Store struct {
	mu          sync.Mutex
	st          *state
	failCommits int

	autoNumber atomic.Int64
	eventID    atomic.Int64
	now        func() time.Time
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source used for created times and events.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// FailNextCommits makes the next n commits fail with store.ErrConflict, as a
// serialization failure would.
func (s *Store) FailNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// RunInTransaction runs fn against a snapshot and commits its write set.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	t := newTxn(s, s.st.clone())
	s.mu.Unlock()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommits > 0 {
		s.failCommits--
		return fmt.Errorf("commit transaction: %w", store.ErrConflict)
	}
	if err := t.validate(s.st); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.apply(s.st)
	return nil
}

// read runs fn against the committed state under the store lock.
func (s *Store) read(fn func(t *txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(newTxn(s, s.st))
}

// write runs fn in its own transaction.
func (s *Store) write(ctx context.Context, fn func(t *txn) error) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return fn(tx.(*txn))
	})
}

func (s *Store) GetTable(ctx context.Context, tableID string) (tbl *model.Table, err error) {
	err = s.read(func(t *txn) error {
		tbl, err = t.GetTable(ctx, tableID)
		return err
	})
	return tbl, err
}

func (s *Store) ListTables(ctx context.Context) (tables []*model.Table, err error) {
	err = s.read(func(t *txn) error {
		tables, err = t.ListTables(ctx)
		return err
	})
	return tables, err
}

func (s *Store) CreateTable(ctx context.Context, table *model.Table) error {
	return s.write(ctx, func(t *txn) error { return t.CreateTable(ctx, table) })
}

func (s *Store) CreateField(ctx context.Context, field *model.Field) error {
	return s.write(ctx, func(t *txn) error { return t.CreateField(ctx, field) })
}

func (s *Store) UpdateField(ctx context.Context, field *model.Field) error {
	return s.write(ctx, func(t *txn) error { return t.UpdateField(ctx, field) })
}

func (s *Store) GetFieldsByProjection(ctx context.Context, tableID string, projection []string) (fields []*model.Field, err error) {
	err = s.read(func(t *txn) error {
		fields, err = t.GetFieldsByProjection(ctx, tableID, projection)
		return err
	})
	return fields, err
}

func (s *Store) GetSnapshotBulk(ctx context.Context, tableID string, recordIDs []string, projection []string) (recs []*model.Record, err error) {
	err = s.read(func(t *txn) error {
		recs, err = t.GetSnapshotBulk(ctx, tableID, recordIDs, projection)
		return err
	})
	return recs, err
}

func (s *Store) ListRecords(ctx context.Context, tableID string, projection []string, limit, offset int) (recs []*model.Record, err error) {
	err = s.read(func(t *txn) error {
		recs, err = t.ListRecords(ctx, tableID, projection, limit, offset)
		return err
	})
	return recs, err
}

func (s *Store) InsertRecords(ctx context.Context, tableID string, records []*model.Record) error {
	return s.write(ctx, func(t *txn) error { return t.InsertRecords(ctx, tableID, records) })
}

func (s *Store) BatchWrite(ctx context.Context, tableID string, writes []model.RecordWrite) (versions map[string]int64, err error) {
	err = s.write(ctx, func(t *txn) error {
		versions, err = t.BatchWrite(ctx, tableID, writes)
		return err
	})
	return versions, err
}

func (s *Store) DeleteRecords(ctx context.Context, tableID string, recordIDs []string) error {
	return s.write(ctx, func(t *txn) error { return t.DeleteRecords(ctx, tableID, recordIDs) })
}

func (s *Store) FindRecordsByTitle(ctx context.Context, tableID, fieldID string, titles []string) (recs []*model.Record, err error) {
	err = s.read(func(t *txn) error {
		recs, err = t.FindRecordsByTitle(ctx, tableID, fieldID, titles)
		return err
	})
	return recs, err
}

func (s *Store) GetRecordIndexes(ctx context.Context, tableID string, recordIDs []string) (idx map[string]float64, err error) {
	err = s.read(func(t *txn) error {
		idx, err = t.GetRecordIndexes(ctx, tableID, recordIDs)
		return err
	})
	return idx, err
}

func (s *Store) UpdateRecordIndexes(ctx context.Context, tableID string, indexes map[string]float64) error {
	return s.write(ctx, func(t *txn) error { return t.UpdateRecordIndexes(ctx, tableID, indexes) })
}

func (s *Store) GetLinkRows(ctx context.Context, relation string, side store.LinkSide, ids []string) (rows []store.LinkRow, err error) {
	err = s.read(func(t *txn) error {
		rows, err = t.GetLinkRows(ctx, relation, side, ids)
		return err
	})
	return rows, err
}

func (s *Store) ApplyLinkDelta(ctx context.Context, delta store.LinkDelta) error {
	return s.write(ctx, func(t *txn) error { return t.ApplyLinkDelta(ctx, delta) })
}

func (s *Store) ResolveUsers(ctx context.Context, tableID string, identifiers []string) (users []model.User, err error) {
	err = s.read(func(t *txn) error {
		users, err = t.ResolveUsers(ctx, tableID, identifiers)
		return err
	})
	return users, err
}

func (s *Store) AddCollaborator(ctx context.Context, tableID string, user model.User) error {
	return s.write(ctx, func(t *txn) error { return t.AddCollaborator(ctx, tableID, user) })
}

func (s *Store) RecordEvent(ctx context.Context, event *model.Event) error {
	return s.write(ctx, func(t *txn) error { return t.RecordEvent(ctx, event) })
}

func (s *Store) ListEvents(ctx context.Context, tableID string, limit int) (events []*model.Event, err error) {
	err = s.read(func(t *txn) error {
		events, err = t.ListEvents(ctx, tableID, limit)
		return err
	})
	return events, err
}

func (s *Store) LockTables(ctx context.Context, tableIDs []string) error {
	return s.read(func(t *txn) error { return t.LockTables(ctx, tableIDs) })
}

// txn implements store.Store against a private snapshot and tracks the
// versions it observed for every row it writes.
type txn struct {
	parent *Store
	st     *state

	baseRecords map[string]map[string]int64
	baseTables  map[string]int64
	baseLinks   map[string]map[store.LinkKey]*store.LinkRow
	collabs     bool
	events      []*model.Event
}

// Compile-time check that txn implements store.Store.
var _ store.Store = (*txn)(nil)

func newTxn(parent *Store, st *state) *txn {
	return &txn{
		parent:      parent,
		st:          st,
		baseRecords: make(map[string]map[string]int64),
		baseTables:  make(map[string]int64),
		baseLinks:   make(map[string]map[store.LinkKey]*store.LinkRow),
	}
}

func (t *txn) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *txn) Close() error { return nil }

func (t *txn) markRecord(tableID, id string) {
	recs, ok := t.baseRecords[tableID]
	if !ok {
		recs = make(map[string]int64)
		t.baseRecords[tableID] = recs
	}
	if _, seen := recs[id]; seen {
		return
	}
	if r, ok := t.st.records[tableID][id]; ok {
		recs[id] = r.Version
	} else {
		recs[id] = 0
	}
}

func (t *txn) markTable(tableID string) {
	if _, seen := t.baseTables[tableID]; seen {
		return
	}
	if tbl, ok := t.st.tables[tableID]; ok {
		t.baseTables[tableID] = tbl.Version
	} else {
		t.baseTables[tableID] = 0
	}
}

func (t *txn) markLink(relation string, key store.LinkKey) {
	rows, ok := t.baseLinks[relation]
	if !ok {
		rows = make(map[store.LinkKey]*store.LinkRow)
		t.baseLinks[relation] = rows
	}
	if _, seen := rows[key]; seen {
		return
	}
	if row, ok := t.st.links[relation][key]; ok {
		r := row
		rows[key] = &r
	} else {
		rows[key] = nil
	}
}

// validate checks that nothing this transaction wrote or locked has been
// changed by a concurrent commit.
func (t *txn) validate(live *state) error {
	for tableID, base := range t.baseTables {
		var v int64
		if tbl, ok := live.tables[tableID]; ok {
			v = tbl.Version
		}
		if v != base {
			return fmt.Errorf("table %s changed concurrently: %w", tableID, store.ErrConflict)
		}
	}
	for tableID, recs := range t.baseRecords {
		for id, base := range recs {
			var v int64
			if r, ok := live.records[tableID][id]; ok {
				v = r.Version
			}
			if v != base {
				return fmt.Errorf("record %s changed concurrently: %w", id, store.ErrConflict)
			}
		}
	}
	for relation, rows := range t.baseLinks {
		for key, base := range rows {
			row, ok := live.links[relation][key]
			if ok != (base != nil) || (ok && row != *base) {
				return fmt.Errorf("link %s %s->%s changed concurrently: %w", relation, key.SourceID, key.TargetID, store.ErrConflict)
			}
		}
	}
	return nil
}

// apply copies the transaction's write set into the committed state.
func (t *txn) apply(live *state) {
	for tableID := range t.baseTables {
		if tbl, ok := t.st.tables[tableID]; ok {
			live.tables[tableID] = tbl
		}
	}
	for tableID, recs := range t.baseRecords {
		target, ok := live.records[tableID]
		if !ok {
			target = make(map[string]*model.Record)
			live.records[tableID] = target
		}
		for id := range recs {
			if r, ok := t.st.records[tableID][id]; ok {
				target[id] = r
			} else {
				delete(target, id)
			}
		}
	}
	for relation, rows := range t.baseLinks {
		target, ok := live.links[relation]
		if !ok {
			target = make(map[store.LinkKey]store.LinkRow)
			live.links[relation] = target
		}
		for key := range rows {
			if row, ok := t.st.links[relation][key]; ok {
				target[key] = row
			} else {
				delete(target, key)
			}
		}
	}
	if t.collabs {
		for id, u := range t.st.users {
			live.users[id] = u
		}
		for tableID, ids := range t.st.collabs {
			m, ok := live.collabs[tableID]
			if !ok {
				m = make(map[string]bool)
				live.collabs[tableID] = m
			}
			for id := range ids {
				m[id] = true
			}
		}
	}
	live.events = append(live.events, t.events...)
}

func (t *txn) table(tableID string) (*model.Table, error) {
	tbl, ok := t.st.tables[tableID]
	if !ok {
		return nil, &model.NotFoundError{Kind: "table", ID: tableID}
	}
	return tbl, nil
}

func (t *txn) GetTable(_ context.Context, tableID string) (*model.Table, error) {
	tbl, err := t.table(tableID)
	if err != nil {
		return nil, err
	}
	return tbl.Clone(), nil
}

func (t *txn) ListTables(_ context.Context) ([]*model.Table, error) {
	out := make([]*model.Table, 0, len(t.st.tables))
	for _, tbl := range t.st.tables {
		out = append(out, tbl.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *txn) CreateTable(_ context.Context, table *model.Table) error {
	if _, exists := t.st.tables[table.ID]; exists {
		return fmt.Errorf("create table %s: already exists", table.ID)
	}
	c := table.Clone()
	if c.Version == 0 {
		c.Version = 1
	}
	for _, f := range c.Fields {
		f.TableID = c.ID
	}
	t.markTable(c.ID)
	t.st.tables[c.ID] = c
	if _, ok := t.st.records[c.ID]; !ok {
		t.st.records[c.ID] = make(map[string]*model.Record)
	}
	table.Version = c.Version
	return nil
}

func (t *txn) CreateField(_ context.Context, field *model.Field) error {
	tbl, err := t.table(field.TableID)
	if err != nil {
		return err
	}
	if tbl.Field(field.ID) != nil {
		return fmt.Errorf("create field %s: already exists", field.ID)
	}
	t.markTable(tbl.ID)
	tbl.Fields = append(tbl.Fields, field.Clone())
	tbl.Version++
	return nil
}

func (t *txn) UpdateField(_ context.Context, field *model.Field) error {
	tbl, err := t.table(field.TableID)
	if err != nil {
		return err
	}
	for i, f := range tbl.Fields {
		if f.ID == field.ID {
			t.markTable(tbl.ID)
			tbl.Fields[i] = field.Clone()
			tbl.Version++
			return nil
		}
	}
	return &model.NotFoundError{Kind: "field", ID: field.ID}
}

func (t *txn) GetFieldsByProjection(_ context.Context, tableID string, projection []string) ([]*model.Field, error) {
	tbl, err := t.table(tableID)
	if err != nil {
		return nil, err
	}
	var keep map[string]bool
	if projection != nil {
		keep = make(map[string]bool, len(projection))
		for _, id := range projection {
			keep[id] = true
		}
	}
	out := make([]*model.Field, 0, len(tbl.Fields))
	for _, f := range tbl.Fields {
		if keep == nil || keep[f.ID] {
			out = append(out, f.Clone())
		}
	}
	return out, nil
}

func (t *txn) recordsOf(tableID string) (map[string]*model.Record, error) {
	if _, err := t.table(tableID); err != nil {
		return nil, err
	}
	recs, ok := t.st.records[tableID]
	if !ok {
		recs = make(map[string]*model.Record)
		t.st.records[tableID] = recs
	}
	return recs, nil
}

func (t *txn) GetSnapshotBulk(_ context.Context, tableID string, recordIDs []string, projection []string) ([]*model.Record, error) {
	recs, err := t.recordsOf(tableID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Record, 0, len(recordIDs))
	for _, id := range recordIDs {
		if r, ok := recs[id]; ok {
			out = append(out, r.Project(projection))
		}
	}
	return out, nil
}

func (t *txn) ListRecords(_ context.Context, tableID string, projection []string, limit, offset int) ([]*model.Record, error) {
	recs, err := t.recordsOf(tableID)
	if err != nil {
		return nil, err
	}
	all := make([]*model.Record, 0, len(recs))
	for _, r := range recs {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Order != all[j].Order {
			return all[i].Order < all[j].Order
		}
		return all[i].AutoNumber < all[j].AutoNumber
	})
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*model.Record, len(all))
	for i, r := range all {
		out[i] = r.Project(projection)
	}
	return out, nil
}

func (t *txn) InsertRecords(_ context.Context, tableID string, records []*model.Record) error {
	recs, err := t.recordsOf(tableID)
	if err != nil {
		return err
	}
	maxOrder := 0.0
	for _, r := range recs {
		if r.Order > maxOrder {
			maxOrder = r.Order
		}
	}
	for _, r := range records {
		if _, exists := recs[r.ID]; exists {
			return fmt.Errorf("insert record %s: already exists", r.ID)
		}
		t.markRecord(tableID, r.ID)
		r.Version = 1
		r.AutoNumber = t.parent.autoNumber.Add(1)
		if r.CreatedTime.IsZero() {
			r.CreatedTime = t.parent.now()
		}
		if r.Order == 0 {
			maxOrder++
			r.Order = maxOrder
		}
		if r.Fields == nil {
			r.Fields = make(map[string]any)
		}
		recs[r.ID] = r.Clone()
	}
	return nil
}

func (t *txn) BatchWrite(_ context.Context, tableID string, writes []model.RecordWrite) (map[string]int64, error) {
	recs, err := t.recordsOf(tableID)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]int64, len(writes))
	for _, w := range writes {
		r, ok := recs[w.RecordID]
		if !ok {
			return nil, &model.NotFoundError{Kind: "record", ID: w.RecordID}
		}
		t.markRecord(tableID, w.RecordID)
		for fieldID, v := range w.Fields {
			if v == nil {
				delete(r.Fields, fieldID)
			} else {
				r.Fields[fieldID] = v
			}
		}
		r.Version++
		versions[w.RecordID] = r.Version
	}
	return versions, nil
}

func (t *txn) DeleteRecords(_ context.Context, tableID string, recordIDs []string) error {
	recs, err := t.recordsOf(tableID)
	if err != nil {
		return err
	}
	for _, id := range recordIDs {
		if _, ok := recs[id]; !ok {
			continue
		}
		t.markRecord(tableID, id)
		delete(recs, id)
	}
	return nil
}

func (t *txn) FindRecordsByTitle(_ context.Context, tableID, fieldID string, titles []string) ([]*model.Record, error) {
	recs, err := t.recordsOf(tableID)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(titles))
	for _, title := range titles {
		want[title] = true
	}
	var out []*model.Record
	for _, r := range recs {
		if want[model.CellTitle(r.Fields[fieldID])] {
			out = append(out, r.Project([]string{fieldID}))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoNumber < out[j].AutoNumber })
	return out, nil
}

func (t *txn) GetRecordIndexes(_ context.Context, tableID string, recordIDs []string) (map[string]float64, error) {
	recs, err := t.recordsOf(tableID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(recordIDs))
	for _, id := range recordIDs {
		if r, ok := recs[id]; ok {
			out[id] = r.Order
		}
	}
	return out, nil
}

func (t *txn) UpdateRecordIndexes(_ context.Context, tableID string, indexes map[string]float64) error {
	recs, err := t.recordsOf(tableID)
	if err != nil {
		return err
	}
	for id, order := range indexes {
		r, ok := recs[id]
		if !ok {
			return &model.NotFoundError{Kind: "record", ID: id}
		}
		t.markRecord(tableID, id)
		r.Order = order
	}
	return nil
}

func (t *txn) GetLinkRows(_ context.Context, relation string, side store.LinkSide, ids []string) ([]store.LinkRow, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []store.LinkRow
	for _, row := range t.st.links[relation] {
		key := row.SourceID
		if side == store.SideTarget {
			key = row.TargetID
		}
		if want[key] {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if side == store.SideTarget {
			if a.TargetID != b.TargetID {
				return a.TargetID < b.TargetID
			}
			if a.TargetOrder != b.TargetOrder {
				return a.TargetOrder < b.TargetOrder
			}
			return a.SourceID < b.SourceID
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.SourceOrder != b.SourceOrder {
			return a.SourceOrder < b.SourceOrder
		}
		return a.TargetID < b.TargetID
	})
	return out, nil
}

func (t *txn) ApplyLinkDelta(_ context.Context, delta store.LinkDelta) error {
	rows, ok := t.st.links[delta.Relation]
	if !ok {
		rows = make(map[store.LinkKey]store.LinkRow)
		t.st.links[delta.Relation] = rows
	}
	for _, key := range delta.Remove {
		t.markLink(delta.Relation, key)
		delete(rows, key)
	}
	for _, row := range delta.Upsert {
		key := store.LinkKey{SourceID: row.SourceID, TargetID: row.TargetID}
		t.markLink(delta.Relation, key)
		rows[key] = row
	}
	return nil
}

func (t *txn) ResolveUsers(_ context.Context, tableID string, identifiers []string) ([]model.User, error) {
	var out []model.User
	seen := make(map[string]bool)
	for _, ident := range identifiers {
		ident = strings.TrimSpace(ident)
		if ident == "" {
			continue
		}
		for id := range t.st.collabs[tableID] {
			u, ok := t.st.users[id]
			if !ok || seen[u.ID] {
				continue
			}
			if u.ID == ident || strings.EqualFold(u.Email, ident) || strings.EqualFold(u.Name, ident) {
				seen[u.ID] = true
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

func (t *txn) AddCollaborator(_ context.Context, tableID string, user model.User) error {
	if _, err := t.table(tableID); err != nil {
		return err
	}
	t.st.users[user.ID] = user
	m, ok := t.st.collabs[tableID]
	if !ok {
		m = make(map[string]bool)
		t.st.collabs[tableID] = m
	}
	m[user.ID] = true
	t.collabs = true
	return nil
}

func (t *txn) RecordEvent(_ context.Context, event *model.Event) error {
	event.ID = t.parent.eventID.Add(1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = t.parent.now()
	}
	e := *event
	t.st.events = append(t.st.events, &e)
	t.events = append(t.events, &e)
	return nil
}

func (t *txn) ListEvents(_ context.Context, tableID string, limit int) ([]*model.Event, error) {
	var out []*model.Event
	for i := len(t.st.events) - 1; i >= 0; i-- {
		e := t.st.events[i]
		if tableID != "" && e.TableID != tableID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LockTables verifies the tables exist and pins their versions: a concurrent
// schema change to any of them fails this transaction's commit.
func (t *txn) LockTables(_ context.Context, tableIDs []string) error {
	ids := append([]string(nil), tableIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := t.table(id); err != nil {
			return err
		}
		t.markTable(id)
	}
	return nil
}
