package compute

import (
	"context"
	"fmt"
	"sort"

	"github.com/alfredjeanlab/gridbase/internal/store"
)

// FKPlan is a pending mutation of link relations: for each relation, the
// final state of every touched row. A nil row means the row is removed.
type FKPlan struct {
	rows map[string]map[store.LinkKey]*store.LinkRow
}

// NewFKPlan returns an empty plan.
func NewFKPlan() *FKPlan {
	return &FKPlan{rows: make(map[string]map[store.LinkKey]*store.LinkRow)}
}

// Put records the final state of a row.
func (p *FKPlan) Put(relation string, key store.LinkKey, row *store.LinkRow) {
	m, ok := p.rows[relation]
	if !ok {
		m = make(map[store.LinkKey]*store.LinkRow)
		p.rows[relation] = m
	}
	m[key] = row
}

// Remove plans the deletion of a row.
func (p *FKPlan) Remove(relation string, key store.LinkKey) {
	p.Put(relation, key, nil)
}

// Get returns the planned state of a row and whether the plan touches it.
func (p *FKPlan) Get(relation string, key store.LinkKey) (*store.LinkRow, bool) {
	row, ok := p.rows[relation][key]
	return row, ok
}

// Merge copies other's rows over p's.
func (p *FKPlan) Merge(other *FKPlan) {
	if other == nil {
		return
	}
	for rel, m := range other.rows {
		for k, row := range m {
			p.Put(rel, k, row)
		}
	}
}

// IsEmpty reports whether the plan touches no rows.
func (p *FKPlan) IsEmpty() bool {
	for _, m := range p.rows {
		if len(m) > 0 {
			return false
		}
	}
	return true
}

// Relations returns the sorted relation names the plan touches.
func (p *FKPlan) Relations() []string {
	out := make([]string, 0, len(p.rows))
	for rel, m := range p.rows {
		if len(m) > 0 {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out
}

// Deltas converts the plan into store deltas, sorted by relation and key.
func (p *FKPlan) Deltas() []store.LinkDelta {
	var out []store.LinkDelta
	for _, rel := range p.Relations() {
		m := p.rows[rel]
		keys := make([]store.LinkKey, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].SourceID != keys[j].SourceID {
				return keys[i].SourceID < keys[j].SourceID
			}
			return keys[i].TargetID < keys[j].TargetID
		})
		d := store.LinkDelta{Relation: rel}
		for _, k := range keys {
			if row := m[k]; row != nil {
				d.Upsert = append(d.Upsert, *row)
			} else {
				d.Remove = append(d.Remove, k)
			}
		}
		out = append(out, d)
	}
	return out
}

// upserts returns the planned rows of a relation, in key order.
func (p *FKPlan) upserts(relation string) []store.LinkRow {
	var out []store.LinkRow
	for _, row := range p.rows[relation] {
		if row != nil {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}

// Commit applies the plan through ls.
func (p *FKPlan) Commit(ctx context.Context, ls store.LinkStore) error {
	for _, d := range p.Deltas() {
		if d.IsEmpty() {
			continue
		}
		if err := ls.ApplyLinkDelta(ctx, d); err != nil {
			return fmt.Errorf("apply link delta %s: %w", d.Relation, err)
		}
	}
	return nil
}
