package schema

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alfredjeanlab/gridbase/internal/model"
)

// Edge is a dependency from one field to a field that reads it.
type Edge struct {
	From string
	To   string
	// Link is the link field on To's table that is crossed to find the
	// dependent records. Empty when the dependent is the same record.
	Link string
	// Symmetric marks the edge between the two fields of a link pair. Link
	// derivation handles it; value propagation does not follow it.
	Symmetric bool
}

// Graph is the dependency graph of every field in the base. It is immutable
// once built and keyed by the versions of the tables it was built from.
type Graph struct {
	key    string
	tables map[string]*model.Table
	fields map[string]*model.Field
	out    map[string][]Edge
	in     map[string][]Edge
	// linksTo indexes link fields by their foreign table.
	linksTo map[string][]*model.Field
}

// VersionKey identifies a set of table definitions by id and version.
func VersionKey(tables []*model.Table) string {
	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = fmt.Sprintf("%s:%d", t.ID, t.Version)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// BuildGraph derives the dependency graph from field descriptors. Unknown
// referenced fields are ignored; they surface as computation errors when the
// dependent field is evaluated.
func BuildGraph(tables []*model.Table) *Graph {
	g := &Graph{
		key:     VersionKey(tables),
		tables:  make(map[string]*model.Table, len(tables)),
		fields:  make(map[string]*model.Field),
		out:     make(map[string][]Edge),
		in:      make(map[string][]Edge),
		linksTo: make(map[string][]*model.Field),
	}
	for _, t := range tables {
		g.tables[t.ID] = t
		for _, f := range t.Fields {
			if f.TableID == "" {
				f.TableID = t.ID
			}
			g.fields[f.ID] = f
		}
	}

	for _, t := range tables {
		for _, f := range t.Fields {
			switch {
			case f.ReadsThroughLink():
				lk := f.Lookup
				g.addEdge(Edge{From: lk.LinkFieldID, To: f.ID})
				g.addEdge(Edge{From: lk.LookupFieldID, To: f.ID, Link: lk.LinkFieldID})
				if lk.Filter != nil {
					for _, id := range lk.Filter.FieldIDs() {
						g.addEdge(Edge{From: id, To: f.ID, Link: lk.LinkFieldID})
					}
				}
			case f.Type == model.FieldFormula && f.Options.Formula != nil:
				for _, ref := range model.FormulaReferences(f.Options.Formula.Expression) {
					g.addEdge(Edge{From: ref, To: f.ID})
				}
			case f.Type == model.FieldLink && f.Options.Link != nil:
				lo := f.Options.Link
				g.linksTo[lo.ForeignTableID] = append(g.linksTo[lo.ForeignTableID], f)
				if lo.LookupFieldID != "" {
					g.addEdge(Edge{From: lo.LookupFieldID, To: f.ID, Link: f.ID})
				}
				if lo.SymmetricFieldID != "" {
					g.addEdge(Edge{From: f.ID, To: lo.SymmetricFieldID, Symmetric: true})
				}
			}
		}
	}

	for id := range g.out {
		sortEdges(g.out[id])
	}
	for id := range g.in {
		sortEdges(g.in[id])
	}
	for id := range g.linksTo {
		sort.Slice(g.linksTo[id], func(i, j int) bool { return g.linksTo[id][i].ID < g.linksTo[id][j].ID })
	}
	return g
}

func (g *Graph) addEdge(e Edge) {
	if g.fields[e.From] == nil || g.fields[e.To] == nil {
		return
	}
	for _, existing := range g.out[e.From] {
		if existing == e {
			return
		}
	}
	g.out[e.From] = append(g.out[e.From], e)
	g.in[e.To] = append(g.in[e.To], e)
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].Link < edges[j].Link
	})
}

// Key returns the version key the graph was built from.
func (g *Graph) Key() string { return g.key }

// Table returns the table with the given id, or nil.
func (g *Graph) Table(id string) *model.Table { return g.tables[id] }

// Field returns the field with the given id, or nil.
func (g *Graph) Field(id string) *model.Field { return g.fields[id] }

// TableOf returns the id of the table owning fieldID.
func (g *Graph) TableOf(fieldID string) string {
	if f := g.fields[fieldID]; f != nil {
		return f.TableID
	}
	return ""
}

// Dependents returns the edges leaving fieldID.
func (g *Graph) Dependents(fieldID string) []Edge { return g.out[fieldID] }

// Dependencies returns the edges entering fieldID.
func (g *Graph) Dependencies(fieldID string) []Edge { return g.in[fieldID] }

// LinksTo returns the link fields, on any table, whose foreign table is tableID.
func (g *Graph) LinksTo(tableID string) []*model.Field { return g.linksTo[tableID] }

// ReachableTables returns the sorted ids of every table holding a field
// transitively reachable from fieldIDs, including the fields' own tables.
func (g *Graph) ReachableTables(fieldIDs []string) []string {
	seen := make(map[string]bool)
	tables := make(map[string]bool)
	queue := append([]string(nil), fieldIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if t := g.TableOf(id); t != "" {
			tables[t] = true
		}
		for _, e := range g.out[id] {
			if !seen[e.To] {
				queue = append(queue, e.To)
			}
		}
	}
	out := make([]string, 0, len(tables))
	for id := range tables {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TopoOrder orders fieldIDs so that every field comes after the fields it
// depends on. Members of a cycle are appended in id order after a warning.
func (g *Graph) TopoOrder(fieldIDs []string, logger *slog.Logger) []string {
	set := make(map[string]bool, len(fieldIDs))
	for _, id := range fieldIDs {
		set[id] = true
	}
	indegree := make(map[string]int, len(set))
	for id := range set {
		indegree[id] = 0
	}
	for id := range set {
		for _, e := range g.in[id] {
			if !e.Symmetric && set[e.From] && e.From != id {
				indegree[id]++
			}
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(set))
	done := make(map[string]bool, len(set))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		done[id] = true

		var next []string
		for _, e := range g.out[id] {
			if e.Symmetric || !set[e.To] || done[e.To] || e.To == id {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		if len(next) > 0 {
			ready = append(ready, next...)
			sort.Strings(ready)
		}
	}

	if len(order) < len(set) {
		var cycle []string
		for id := range set {
			if !done[id] {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("dependency cycle among computed fields", "fields", cycle)
		order = append(order, cycle...)
	}
	return order
}
