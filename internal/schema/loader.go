// Package schema caches table and field metadata for the record engine.
//
// The Loader holds a process-wide cache. Each operation reads through a
// Session bound to its transaction: metadata written inside the transaction
// (for example auto-created select options) lives in the session overlay and
// is only published to the shared cache when the transaction commits.
// Invalidation is always explicit; nothing expires on a timer.
package schema

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// Loader is the shared metadata cache.
type Loader struct {
	store  store.SchemaStore
	logger *slog.Logger

	mu       sync.RWMutex
	tables   map[string]*model.Table
	complete bool // tables holds every table of the base
	graph    *Graph
	// gen counts invalidations so a session that loaded metadata before an
	// invalidation does not republish it.
	gen uint64
}

// NewLoader returns a loader reading from st.
func NewLoader(st store.SchemaStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: st, logger: logger, tables: make(map[string]*model.Table)}
}

// Table returns a copy of a committed table definition.
func (l *Loader) Table(ctx context.Context, tableID string) (*model.Table, error) {
	s := l.Session(l.store)
	t, err := s.Table(ctx, tableID)
	if err != nil {
		return nil, err
	}
	s.Commit()
	return t.Clone(), nil
}

// Invalidate drops the cached definitions of the given tables, or of every
// table when called without arguments.
func (l *Loader) Invalidate(tableIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.graph = nil
	l.complete = false
	if len(tableIDs) == 0 {
		l.tables = make(map[string]*model.Table)
		return
	}
	for _, id := range tableIDs {
		delete(l.tables, id)
	}
	l.logger.Debug("schema cache invalidated", "tables", tableIDs)
}

func (l *Loader) cached(tableID string) (*model.Table, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tables[tableID]
	return t, ok
}

// Session returns an operation-scoped view that reads and writes metadata
// through st, normally a transaction.
func (l *Loader) Session(st store.SchemaStore) *Session {
	l.mu.RLock()
	gen := l.gen
	l.mu.RUnlock()
	return &Session{
		loader:  l,
		gen:     gen,
		store:   st,
		overlay: make(map[string]*model.Table),
		dirty:   make(map[string]bool),
	}
}

// Session is a per-operation overlay on top of the shared cache.
type Session struct {
	loader  *Loader
	store   store.SchemaStore
	overlay map[string]*model.Table
	dirty   map[string]bool
	all     bool
	graph   *Graph
	gen     uint64
}

// Table returns the table definition as seen by this operation. The returned
// value is shared by the session and must not be mutated by callers.
func (s *Session) Table(ctx context.Context, tableID string) (*model.Table, error) {
	if t, ok := s.overlay[tableID]; ok {
		return t, nil
	}
	if !s.dirty[tableID] {
		if t, ok := s.loader.cached(tableID); ok {
			c := t.Clone()
			s.overlay[tableID] = c
			return c, nil
		}
	}
	t, err := s.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	s.overlay[tableID] = t
	return t, nil
}

// Field returns a field of a table.
func (s *Session) Field(ctx context.Context, tableID, fieldID string) (*model.Field, error) {
	t, err := s.Table(ctx, tableID)
	if err != nil {
		return nil, err
	}
	f := t.Field(fieldID)
	if f == nil {
		return nil, &model.NotFoundError{Kind: "field", ID: fieldID}
	}
	return f, nil
}

// Tables returns every table of the base in id order.
func (s *Session) Tables(ctx context.Context) ([]*model.Table, error) {
	if !s.all {
		if err := s.loadAll(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]*model.Table, 0, len(s.overlay))
	for _, t := range s.overlay {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Session) loadAll(ctx context.Context) error {
	s.loader.mu.RLock()
	complete := s.loader.complete
	var shared []*model.Table
	if complete {
		for _, t := range s.loader.tables {
			shared = append(shared, t)
		}
	}
	s.loader.mu.RUnlock()

	if !complete {
		var err error
		shared, err = s.store.ListTables(ctx)
		if err != nil {
			return err
		}
	}
	for _, t := range shared {
		if _, ok := s.overlay[t.ID]; ok {
			continue
		}
		if s.dirty[t.ID] {
			continue
		}
		if complete {
			t = t.Clone()
		}
		s.overlay[t.ID] = t
	}
	// Dirty tables missing from the overlay were invalidated inside this
	// operation and must come from the transaction.
	for id := range s.dirty {
		if _, ok := s.overlay[id]; !ok {
			if _, err := s.Table(ctx, id); err != nil {
				return err
			}
		}
	}
	s.all = true
	return nil
}

// Graph returns the dependency graph of the base as seen by this operation.
// Graphs built from committed metadata are shared through the loader.
func (s *Session) Graph(ctx context.Context) (*Graph, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}
	key := VersionKey(tables)
	if s.graph != nil && s.graph.Key() == key {
		return s.graph, nil
	}

	s.loader.mu.RLock()
	shared := s.loader.graph
	s.loader.mu.RUnlock()
	if shared != nil && shared.Key() == key {
		s.graph = shared
		return shared, nil
	}

	g := BuildGraph(tables)
	s.graph = g
	if len(s.dirty) == 0 {
		s.loader.mu.Lock()
		if s.loader.gen == s.gen {
			s.loader.graph = g
		}
		s.loader.mu.Unlock()
	}
	return g, nil
}

// UpdateField persists a field definition through the session's store and
// invalidates the owning table so later reads in this operation see it.
func (s *Session) UpdateField(ctx context.Context, field *model.Field) error {
	if err := s.store.UpdateField(ctx, field); err != nil {
		return err
	}
	s.Invalidate(field.TableID)
	return nil
}

// Invalidate drops a table from the session overlay. The table is reloaded
// from the transaction on next access and evicted from the shared cache on
// commit.
func (s *Session) Invalidate(tableID string) {
	delete(s.overlay, tableID)
	s.dirty[tableID] = true
	s.all = false
	s.graph = nil
}

// Dirty returns the sorted ids of tables whose metadata this operation changed.
func (s *Session) Dirty() []string {
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Commit publishes the session to the shared cache. It must be called only
// after the surrounding transaction committed.
func (s *Session) Commit() {
	if len(s.dirty) > 0 {
		s.loader.Invalidate(s.Dirty()...)
		return
	}
	s.loader.mu.Lock()
	defer s.loader.mu.Unlock()
	if s.loader.gen != s.gen {
		return
	}
	for id, t := range s.overlay {
		if _, ok := s.loader.tables[id]; !ok {
			s.loader.tables[id] = t.Clone()
		}
	}
	if s.all {
		s.loader.complete = true
	}
}
