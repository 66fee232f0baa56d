package schema

import (
	"context"
	"strings"
	"testing"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store/memory"
)

const chainDoc = `
tables:
  - id: tblA
    name: Projects
    fields:
      - {id: fldAName, name: Name, type: singleLineText, isPrimary: true}
      - {id: fldABudget, name: Budget, type: number}
      - id: fldATasks
        name: Tasks
        type: link
        options:
          link:
            relationship: oneMany
            foreignTableId: tblB
            lookupFieldId: fldBName
            symmetricFieldId: fldBProject
            storage: {relation: jct_ab, isSource: true, junction: true}
  - id: tblB
    name: Tasks
    fields:
      - {id: fldBName, name: Name, type: singleLineText, isPrimary: true}
      - id: fldBProject
        name: Project
        type: link
        options:
          link:
            relationship: manyOne
            foreignTableId: tblA
            lookupFieldId: fldAName
            symmetricFieldId: fldATasks
            storage: {relation: jct_ab, isSource: false, junction: true}
      - id: fldBBudget
        name: Project budget
        type: number
        isLookup: true
        lookup: {linkFieldId: fldBProject, foreignTableId: tblA, lookupFieldId: fldABudget}
      - id: fldBDouble
        name: Double
        type: formula
        options:
          formula: {expression: "{fldBBudget} * 2"}
`

func decodeChain(t *testing.T) *Document {
	t.Helper()
	doc, err := DecodeDocument(strings.NewReader(chainDoc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func TestDecodeDocument_Normalizes(t *testing.T) {
	doc := decodeChain(t)
	if len(doc.Tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(doc.Tables))
	}
	b := doc.Tables[1]
	if f := b.Field("fldBBudget"); !f.IsComputed || f.IsMultipleCellValue || f.TableID != "tblB" {
		t.Errorf("lookup flags = %+v", f)
	}
	if f := b.Field("fldBDouble"); !f.IsComputed {
		t.Error("formula should be computed")
	}
	if f := doc.Tables[0].Field("fldATasks"); !f.IsMultipleCellValue {
		t.Error("oneMany link should be multiple")
	}
	if f := b.Field("fldBProject"); f.IsMultipleCellValue {
		t.Error("manyOne link should be single")
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDocumentNormalize_LookupCardinality(t *testing.T) {
	single := func(id, table string) *model.Field {
		return &model.Field{ID: id, Type: model.FieldLink, Options: model.FieldOptions{Link: &model.LinkOptions{Relationship: model.ManyOne, ForeignTableID: table}}}
	}
	lookup := func(id, linkID, targetID string) *model.Field {
		return &model.Field{ID: id, Type: model.FieldSingleLineText, IsLookup: true, Lookup: &model.LookupOptions{LinkFieldID: linkID, LookupFieldID: targetID}}
	}
	doc := &Document{Tables: []*model.Table{
		{ID: "tblA", Fields: []*model.Field{
			{ID: "fldAName", Type: model.FieldSingleLineText, IsPrimary: true},
			{ID: "fldATags", Type: model.FieldMultipleSelect},
			{ID: "fldAMany", Type: model.FieldLink, Options: model.FieldOptions{Link: &model.LinkOptions{Relationship: model.ManyMany, ForeignTableID: "tblB"}}},
			single("fldAOne", "tblB"),
			lookup("fldAManyNames", "fldAMany", "fldBName"),
			lookup("fldAOneName", "fldAOne", "fldBName"),
			lookup("fldAOneTags", "fldAOne", "fldBTags"),
			lookup("fldAOneNested", "fldAOne", "fldBManyNames"),
		}},
		{ID: "tblB", Fields: []*model.Field{
			{ID: "fldBName", Type: model.FieldSingleLineText, IsPrimary: true},
			single("fldBOne", "tblA"),
			lookup("fldBTags", "fldBOne", "fldATags"),
			lookup("fldBManyNames", "fldBOne", "fldAManyNames"),
		}},
	}}
	doc.Normalize()

	for id, want := range map[string]bool{
		"fldAManyNames": true,  // through a many-many link
		"fldAOneName":   false, // single link, scalar target
		"fldAOneTags":   true,  // single link, target is a lookup of a multiple select
		"fldAOneNested": true,  // single link, target is a multiple lookup
		"fldBTags":      true,
	} {
		f := doc.Tables[0].Field(id)
		if f == nil {
			f = doc.Tables[1].Field(id)
		}
		if !f.IsComputed || f.IsMultipleCellValue != want {
			t.Errorf("%s: computed=%v multiple=%v, want multiple=%v", id, f.IsComputed, f.IsMultipleCellValue, want)
		}
	}
}

func TestDecodeDocument_UnknownKey(t *testing.T) {
	_, err := DecodeDocument(strings.NewReader("tables:\n  - id: tblA\n    colour: red\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestDocumentValidate_BrokenReferences(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(d *Document)
		want string
	}{
		{"foreign table", func(d *Document) { d.Tables[0].Field("fldATasks").Options.Link.ForeignTableID = "tblZ" }, "unknown foreign table"},
		{"symmetric mismatch", func(d *Document) { d.Tables[1].Field("fldBProject").Options.Link.Relationship = model.ManyMany }, "does not mirror"},
		{"lookup link", func(d *Document) { d.Tables[1].Field("fldBBudget").Lookup.LinkFieldID = "fldNope" }, "unknown link field"},
		{"looked up field", func(d *Document) { d.Tables[1].Field("fldBBudget").Lookup.LookupFieldID = "fldNope" }, "unknown looked up field"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			doc := decodeChain(t)
			tc.edit(doc)
			err := doc.Validate()
			if !model.IsValidation(err) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want validation error containing %q", err, tc.want)
			}
		})
	}
}

func TestGraph_Edges(t *testing.T) {
	g := BuildGraph(decodeChain(t).Tables)

	edges := g.Dependents("fldABudget")
	if len(edges) != 1 || edges[0].To != "fldBBudget" || edges[0].Link != "fldBProject" {
		t.Fatalf("fldABudget dependents = %+v", edges)
	}
	edges = g.Dependents("fldBBudget")
	if len(edges) != 1 || edges[0].To != "fldBDouble" || edges[0].Link != "" {
		t.Fatalf("fldBBudget dependents = %+v", edges)
	}
	// Title refresh: the task name feeds the project's link cell.
	var title bool
	for _, e := range g.Dependents("fldBName") {
		if e.To == "fldATasks" && e.Link == "fldATasks" {
			title = true
		}
	}
	if !title {
		t.Errorf("missing title edge from fldBName: %+v", g.Dependents("fldBName"))
	}
	var sym bool
	for _, e := range g.Dependents("fldATasks") {
		if e.To == "fldBProject" && e.Symmetric {
			sym = true
		}
	}
	if !sym {
		t.Error("missing symmetric edge fldATasks -> fldBProject")
	}
	if links := g.LinksTo("tblA"); len(links) != 1 || links[0].ID != "fldBProject" {
		t.Errorf("LinksTo(tblA) = %v", links)
	}
	if g.TableOf("fldBDouble") != "tblB" {
		t.Errorf("TableOf = %q", g.TableOf("fldBDouble"))
	}
}

func TestGraph_ReachableTables(t *testing.T) {
	g := BuildGraph(decodeChain(t).Tables)
	got := g.ReachableTables([]string{"fldABudget"})
	if strings.Join(got, ",") != "tblA,tblB" {
		t.Errorf("ReachableTables(fldABudget) = %v", got)
	}
	got = g.ReachableTables([]string{"fldBDouble"})
	if strings.Join(got, ",") != "tblB" {
		t.Errorf("ReachableTables(fldBDouble) = %v", got)
	}
}

func TestGraph_TopoOrder(t *testing.T) {
	g := BuildGraph(decodeChain(t).Tables)
	order := g.TopoOrder([]string{"fldBDouble", "fldBBudget", "fldABudget"}, nil)
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if !(pos["fldABudget"] < pos["fldBBudget"] && pos["fldBBudget"] < pos["fldBDouble"]) {
		t.Errorf("order = %v", order)
	}
}

func TestGraph_TopoOrderCycle(t *testing.T) {
	tables := []*model.Table{{
		ID: "tblC",
		Fields: []*model.Field{
			{ID: "fldX", Type: model.FieldFormula, IsComputed: true, Options: model.FieldOptions{Formula: &model.FormulaOptions{Expression: "{fldY} + 1"}}},
			{ID: "fldY", Type: model.FieldFormula, IsComputed: true, Options: model.FieldOptions{Formula: &model.FormulaOptions{Expression: "{fldX} + 1"}}},
			{ID: "fldZ", Type: model.FieldNumber},
		},
	}}
	g := BuildGraph(tables)
	order := g.TopoOrder([]string{"fldY", "fldX", "fldZ"}, nil)
	if strings.Join(order, ",") != "fldZ,fldX,fldY" {
		t.Errorf("order = %v, want acyclic members first then the cycle in id order", order)
	}
}

func TestVersionKey(t *testing.T) {
	key := VersionKey([]*model.Table{{ID: "tblB", Version: 2}, {ID: "tblA", Version: 7}})
	if key != "tblA:7,tblB:2" {
		t.Errorf("VersionKey = %q", key)
	}
}

func applyChain(t *testing.T) (*memory.Store, *Loader) {
	t.Helper()
	st := memory.New()
	loader := NewLoader(st, nil)
	res, err := Apply(context.Background(), st, loader, decodeChain(t))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.CreatedTables) != 2 {
		t.Fatalf("created tables = %v", res.CreatedTables)
	}
	return st, loader
}

func TestApply_Idempotent(t *testing.T) {
	st, loader := applyChain(t)
	res, err := Apply(context.Background(), st, loader, decodeChain(t))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsEmpty() {
		t.Errorf("second apply changed %+v", res)
	}

	doc := decodeChain(t)
	doc.Tables[0].Fields = append(doc.Tables[0].Fields, &model.Field{ID: "fldADone", TableID: "tblA", Name: "Done", Type: model.FieldCheckbox})
	doc.Tables[0].Field("fldABudget").Name = "Budget (USD)"
	res, err = Apply(context.Background(), st, loader, doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.CreatedFields) != 1 || len(res.UpdatedFields) != 1 {
		t.Errorf("apply result = %+v", res)
	}
	tbl, err := loader.Table(context.Background(), "tblA")
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Field("fldABudget").Name != "Budget (USD)" || tbl.Field("fldADone") == nil {
		t.Error("loader served stale metadata after apply")
	}
}

func TestSession_OverlayPublishedOnCommit(t *testing.T) {
	st, loader := applyChain(t)
	ctx := context.Background()

	// Warm the shared cache.
	before, err := loader.Table(ctx, "tblA")
	if err != nil {
		t.Fatal(err)
	}

	sess := loader.Session(st)
	f, err := sess.Field(ctx, "tblA", "fldABudget")
	if err != nil {
		t.Fatal(err)
	}
	changed := f.Clone()
	changed.Name = "Renamed"
	if err := sess.UpdateField(ctx, changed); err != nil {
		t.Fatal(err)
	}
	got, err := sess.Field(ctx, "tblA", "fldABudget")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Renamed" {
		t.Fatal("session does not read its own metadata write")
	}

	shared, _ := loader.Table(ctx, "tblA")
	if shared.Version != before.Version || shared.Field("fldABudget").Name == "Renamed" {
		t.Fatal("uncommitted session write leaked into the shared cache")
	}

	sess.Commit()
	shared, _ = loader.Table(ctx, "tblA")
	if shared.Field("fldABudget").Name != "Renamed" {
		t.Fatal("commit did not evict the stale shared entry")
	}
}

func TestSession_GraphCachedByVersion(t *testing.T) {
	st, loader := applyChain(t)
	ctx := context.Background()

	s1 := loader.Session(st)
	g1, err := s1.Graph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s1.Commit()

	s2 := loader.Session(st)
	g2, err := s2.Graph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if g1 != g2 {
		t.Error("graph not reused for unchanged versions")
	}

	s2.Invalidate("tblB")
	g3, err := s2.Graph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if g3.Key() != g1.Key() {
		t.Errorf("key changed without a version bump: %q vs %q", g3.Key(), g1.Key())
	}
}

func TestSession_UnknownTable(t *testing.T) {
	st := memory.New()
	sess := NewLoader(st, nil).Session(st)
	if _, err := sess.Table(context.Background(), "tblNope"); !model.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, err := sess.Field(context.Background(), "tblNope", "fldX"); !model.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
