package compute

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/alfredjeanlab/gridbase/internal/attachment"
	"github.com/alfredjeanlab/gridbase/internal/idgen"
	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// choiceColors is the palette new select options draw from.
var choiceColors = []string{
	"blueLight2", "cyanLight2", "tealLight2", "greenLight2", "yellowLight2",
	"orangeLight2", "redLight2", "pinkLight2", "purpleLight2", "grayLight2",
	"blue", "cyan", "teal", "green", "yellow", "orange", "red", "pink", "purple", "gray",
}

// dateLayouts are the input layouts a typecast date accepts.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

var folder = cases.Fold()

// foldName is the key names are matched by when no exact match exists.
func foldName(s string) string {
	return folder.String(norm.NFC.String(strings.TrimSpace(s)))
}

// Typecaster converts raw payload values into valid cell values, resolving
// references against the operation's transaction.
type Typecaster struct {
	store       store.Store
	schema      *schema.Session
	attachments attachment.Resolver
	logger      *slog.Logger
}

// NewTypecaster returns a typecaster reading through tx. res may be nil when
// attachments are not configured.
func NewTypecaster(tx store.Store, sess *schema.Session, res attachment.Resolver, logger *slog.Logger) *Typecaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Typecaster{store: tx, schema: sess, attachments: res, logger: logger}
}

// Typecast returns one valid value per raw value. With typecast off, values
// that fail validation fail the batch; with it on they are repaired or
// cleared. Computed fields pass through unchanged.
func (t *Typecaster) Typecast(ctx context.Context, f *model.Field, values []any, typecast bool) ([]any, error) {
	if f.IsComputed {
		return values, nil
	}
	normalized := make([]any, len(values))
	for i, v := range values {
		normalized[i] = model.NormalizeValue(v)
	}
	switch f.Type {
	case model.FieldSingleSelect, model.FieldMultipleSelect:
		return t.selects(ctx, f, normalized)
	case model.FieldLink:
		return t.links(ctx, f, normalized, typecast)
	case model.FieldUser:
		return t.users(ctx, f, normalized, typecast)
	case model.FieldAttachment:
		return t.attachmentCells(ctx, f, normalized)
	}

	out := make([]any, len(normalized))
	for i, v := range normalized {
		err := model.ValidateCellValue(f, v)
		switch {
		case err == nil:
			out[i] = v
		case !typecast:
			return nil, model.NewValidationError(f.Name, v, "%v", err)
		default:
			out[i] = repairScalar(f, v)
		}
	}
	return out, nil
}

// repairScalar coerces a value into the field's scalar type, or clears it.
func repairScalar(f *model.Field, v any) any {
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return nil
		}
		if f.Type == model.FieldSingleLineText || f.Type == model.FieldLongText {
			return nilIfBlank(model.CellTitle(arr))
		}
		return repairScalar(f, arr[0])
	}
	switch f.Type {
	case model.FieldSingleLineText:
		s := strings.Join(strings.Fields(strings.ReplaceAll(model.CellTitle(v), "\r\n", " ")), " ")
		return nilIfBlank(s)
	case model.FieldLongText:
		return nilIfBlank(model.CellTitle(v))
	case model.FieldNumber:
		switch t := v.(type) {
		case bool:
			if t {
				return 1.0
			}
			return 0.0
		case string:
			s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return n
			}
		}
		return nil
	case model.FieldCheckbox:
		switch t := v.(type) {
		case float64:
			return t != 0
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
				return b
			}
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "yes", "y", "checked", "x":
				return true
			}
			return false
		}
		return nil
	case model.FieldDate:
		switch t := v.(type) {
		case float64:
			return time.UnixMilli(int64(t)).UTC().Format(time.RFC3339Nano)
		case string:
			s := strings.TrimSpace(t)
			for _, layout := range dateLayouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts.UTC().Format(time.RFC3339Nano)
				}
			}
		}
		return nil
	}
	return nil
}

func nilIfBlank(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// selectNames extracts option names from a raw select value.
func selectNames(v any, multiple bool) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if !multiple {
			if s := strings.TrimSpace(t); s != "" {
				return []string{s}
			}
			return nil
		}
		var out []string
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, selectNames(item, false)...)
		}
		return out
	case map[string]any:
		if name, ok := t["name"].(string); ok {
			return selectNames(name, false)
		}
	}
	return selectNames(model.CellTitle(v), false)
}

type choiceIndex struct {
	exact  map[string]string
	folded map[string]string
}

func indexChoices(opts *model.SelectOptions) choiceIndex {
	idx := choiceIndex{exact: make(map[string]string), folded: make(map[string]string)}
	if opts == nil {
		return idx
	}
	for _, c := range opts.Choices {
		idx.exact[c.Name] = c.Name
		if _, ok := idx.folded[foldName(c.Name)]; !ok {
			idx.folded[foldName(c.Name)] = c.Name
		}
	}
	return idx
}

func (idx choiceIndex) lookup(name string) (string, bool) {
	if n, ok := idx.exact[name]; ok {
		return n, true
	}
	n, ok := idx.folded[foldName(name)]
	return n, ok
}

func (t *Typecaster) selects(ctx context.Context, f *model.Field, values []any) ([]any, error) {
	multiple := f.Type == model.FieldMultipleSelect
	names := make([][]string, len(values))
	idx := indexChoices(f.Options.Select)
	var missing []string
	seen := make(map[string]bool)
	for i, v := range values {
		names[i] = selectNames(v, multiple)
		for _, n := range names[i] {
			if _, ok := idx.lookup(n); !ok && !seen[foldName(n)] {
				seen[foldName(n)] = true
				missing = append(missing, n)
			}
		}
	}

	prevent := f.Options.Select != nil && f.Options.Select.PreventAutoNewOptions
	if len(missing) > 0 && !prevent {
		updated, err := t.createChoices(ctx, f, missing)
		if err != nil {
			return nil, err
		}
		idx = indexChoices(updated.Options.Select)
	}

	out := make([]any, len(values))
	for i := range values {
		var resolved []any
		dup := make(map[string]bool)
		for _, n := range names[i] {
			name, ok := idx.lookup(n)
			if !ok || dup[name] {
				continue
			}
			dup[name] = true
			resolved = append(resolved, name)
		}
		switch {
		case len(resolved) == 0:
			out[i] = nil
		case multiple:
			out[i] = resolved
		default:
			out[i] = resolved[0]
		}
	}
	return out, nil
}

// createChoices adds the names still missing from the field's current
// definition in this transaction. Re-running it for names already present
// changes nothing, so a retried operation does not duplicate options.
func (t *Typecaster) createChoices(ctx context.Context, f *model.Field, names []string) (*model.Field, error) {
	current, err := t.schema.Field(ctx, f.TableID, f.ID)
	if err != nil {
		return nil, fmt.Errorf("reload field %s: %w", f.ID, err)
	}
	updated := current.Clone()
	if updated.Options.Select == nil {
		updated.Options.Select = &model.SelectOptions{}
	}
	idx := indexChoices(updated.Options.Select)
	used := make(map[string]bool)
	for _, c := range updated.Options.Select.Choices {
		used[c.Color] = true
	}

	var added []string
	for _, n := range names {
		if _, ok := idx.lookup(n); ok {
			continue
		}
		id, err := idgen.Choice()
		if err != nil {
			return nil, err
		}
		color := nextColor(used, len(updated.Options.Select.Choices))
		used[color] = true
		updated.Options.Select.Choices = append(updated.Options.Select.Choices, model.Choice{ID: id, Name: n, Color: color})
		idx.exact[n] = n
		idx.folded[foldName(n)] = n
		added = append(added, n)
	}
	if len(added) == 0 {
		return updated, nil
	}
	if err := t.schema.UpdateField(ctx, updated); err != nil {
		return nil, fmt.Errorf("add options to %s: %w", f.ID, err)
	}
	t.logger.Info("created select options", "table", f.TableID, "field", f.ID, "options", added)
	return updated, nil
}

func nextColor(used map[string]bool, n int) string {
	for _, c := range choiceColors {
		if !used[c] {
			return c
		}
	}
	return choiceColors[n%len(choiceColors)]
}

// linkCandidates splits a raw link value into record ids and titles.
func linkCandidates(v any) (refs []string) {
	switch t := v.(type) {
	case nil:
	case string:
		if s := strings.TrimSpace(t); s != "" {
			refs = append(refs, s)
		}
	case map[string]any:
		if id, _ := t["id"].(string); id != "" {
			refs = append(refs, id)
		} else if title, _ := t["title"].(string); title != "" {
			refs = append(refs, title)
		}
	case []any:
		for _, item := range t {
			refs = append(refs, linkCandidates(item)...)
		}
	default:
		refs = append(refs, model.CellTitle(v))
	}
	return refs
}

func (t *Typecaster) links(ctx context.Context, f *model.Field, values []any, typecast bool) ([]any, error) {
	lo := f.Options.Link
	if lo == nil {
		return nil, &model.ComputationError{TableID: f.TableID, FieldID: f.ID, Err: fmt.Errorf("link field has no options")}
	}
	if !typecast {
		for _, v := range values {
			if err := model.ValidateCellValue(f, v); err != nil {
				return nil, model.NewValidationError(f.Name, v, "%v", err)
			}
		}
	}
	foreign, err := t.schema.Table(ctx, lo.ForeignTableID)
	if err != nil {
		return nil, err
	}
	titleField := lo.LookupFieldID
	if titleField == "" {
		if p := foreign.PrimaryField(); p != nil {
			titleField = p.ID
		}
	}

	refs := make([][]string, len(values))
	var all []string
	for i, v := range values {
		refs[i] = linkCandidates(v)
		all = append(all, refs[i]...)
	}
	all = dedupe(all)
	if len(all) == 0 {
		return make([]any, len(values)), nil
	}

	var projection []string
	if titleField != "" {
		projection = []string{titleField}
	}
	byID, err := t.store.GetSnapshotBulk(ctx, foreign.ID, all, projection)
	if err != nil {
		return nil, fmt.Errorf("resolve links of %s: %w", f.ID, err)
	}
	titles := make(map[string]string)
	ids := make(map[string]bool)
	for _, r := range byID {
		ids[r.ID] = true
		titles[r.ID] = model.CellTitle(r.Fields[titleField])
	}
	var unresolved []string
	for _, ref := range all {
		if !ids[ref] {
			unresolved = append(unresolved, ref)
		}
	}
	byTitle := make(map[string]string)
	if len(unresolved) > 0 && titleField != "" {
		recs, err := t.store.FindRecordsByTitle(ctx, foreign.ID, titleField, unresolved)
		if err != nil {
			return nil, fmt.Errorf("resolve link titles of %s: %w", f.ID, err)
		}
		for _, r := range recs {
			title := model.CellTitle(r.Fields[titleField])
			if _, ok := byTitle[title]; !ok {
				byTitle[title] = r.ID
				titles[r.ID] = title
			}
		}
	}

	multiple := lo.Relationship.IsMultiple()
	out := make([]any, len(values))
	for i := range values {
		var links []model.LinkValue
		seen := make(map[string]bool)
		for _, ref := range refs[i] {
			id := ref
			if !ids[ref] {
				var ok bool
				if id, ok = byTitle[ref]; !ok {
					t.logger.Debug("dropping unmatched link", "field", f.ID, "value", ref)
					continue
				}
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			links = append(links, model.LinkValue{ID: id, Title: titles[id]})
		}
		out[i] = model.LinkCell(links, multiple)
	}
	return out, nil
}

// userCandidate is one identifier of a raw user value. strict marks values
// that were already valid user objects.
type userCandidate struct {
	ident  string
	strict bool
}

func userCandidates(v any) []userCandidate {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		var out []userCandidate
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, userCandidate{ident: part})
			}
		}
		return out
	case map[string]any:
		id, _ := t["id"].(string)
		title, _ := t["title"].(string)
		if id != "" {
			return []userCandidate{{ident: id, strict: title != ""}}
		}
		if email, _ := t["email"].(string); email != "" {
			return []userCandidate{{ident: email}}
		}
		if title != "" {
			return []userCandidate{{ident: title}}
		}
		return nil
	case []any:
		var out []userCandidate
		for _, item := range t {
			out = append(out, userCandidates(item)...)
		}
		return out
	}
	return userCandidates(model.CellTitle(v))
}

func (t *Typecaster) users(ctx context.Context, f *model.Field, values []any, typecast bool) ([]any, error) {
	multiple := f.Options.User != nil && f.Options.User.IsMultiple
	if !typecast {
		for _, v := range values {
			if err := model.ValidateCellValue(f, v); err != nil {
				return nil, model.NewValidationError(f.Name, v, "%v", err)
			}
		}
	}

	cands := make([][]userCandidate, len(values))
	var idents []string
	for i, v := range values {
		cands[i] = userCandidates(v)
		for _, c := range cands[i] {
			idents = append(idents, c.ident)
		}
	}
	idents = dedupe(idents)
	if len(idents) == 0 {
		return make([]any, len(values)), nil
	}
	users, err := t.store.ResolveUsers(ctx, f.TableID, idents)
	if err != nil {
		return nil, fmt.Errorf("resolve users of %s: %w", f.ID, err)
	}

	match := func(ident string) (model.User, bool) {
		for _, u := range users {
			if u.ID == ident {
				return u, true
			}
		}
		for _, u := range users {
			if u.Email != "" && strings.EqualFold(u.Email, ident) {
				return u, true
			}
		}
		for _, u := range users {
			if foldName(u.Name) == foldName(ident) {
				return u, true
			}
		}
		return model.User{}, false
	}

	out := make([]any, len(values))
	for i, v := range values {
		var resolved []any
		seen := make(map[string]bool)
		for _, c := range cands[i] {
			u, ok := match(c.ident)
			if !ok {
				if c.strict {
					return nil, model.NewValidationError(f.Name, v, "user %q is not a collaborator of this table", c.ident)
				}
				continue
			}
			if seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			resolved = append(resolved, u.ToCell())
		}
		switch {
		case len(resolved) == 0:
			out[i] = nil
		case multiple:
			out[i] = resolved
		default:
			out[i] = resolved[0]
		}
	}
	return out, nil
}

func (t *Typecaster) attachmentCells(ctx context.Context, f *model.Field, values []any) ([]any, error) {
	tokens := make([][]string, len(values))
	var all []string
	for i, v := range values {
		tokens[i] = attachment.Tokens(v)
		all = append(all, tokens[i]...)
	}
	all = dedupe(all)
	if len(all) == 0 {
		return make([]any, len(values)), nil
	}
	if t.attachments == nil {
		return nil, model.NewValidationError(f.Name, all, "attachments are not configured")
	}
	metas, err := t.attachments.ResolveAttachments(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("resolve attachments of %s: %w", f.ID, err)
	}
	byToken := make(map[string]attachment.Metadata, len(metas))
	for _, m := range metas {
		byToken[m.Token] = m
	}

	out := make([]any, len(values))
	for i := range values {
		var cells []any
		for _, tok := range tokens[i] {
			m, ok := byToken[tok]
			if !ok {
				t.logger.Debug("dropping unknown attachment", "field", f.ID, "token", tok)
				continue
			}
			id, err := idgen.Attachment()
			if err != nil {
				return nil, err
			}
			cells = append(cells, m.ToCell(id))
		}
		out[i] = nilIfEmpty(cells)
	}
	return out, nil
}

// TypecastRecords typecasts every payload of a table field by field and
// returns the payloads keyed by field id.
func (t *Typecaster) TypecastRecords(ctx context.Context, table *model.Table, keyType model.FieldKeyType,
	inputs []model.RecordInput, typecast bool) ([]model.RecordInput, error) {

	var order []string
	byField := make(map[string][]int)
	fields := make(map[string]*model.Field)
	for i, in := range inputs {
		for key := range in.Fields {
			f, err := ResolveField(table, keyType, key)
			if err != nil {
				return nil, err
			}
			if _, ok := byField[f.ID]; !ok {
				order = append(order, f.ID)
				fields[f.ID] = f
			}
			byField[f.ID] = append(byField[f.ID], i)
		}
	}

	out := make([]model.RecordInput, len(inputs))
	for i, in := range inputs {
		out[i] = model.RecordInput{ID: in.ID, Fields: make(map[string]any, len(in.Fields))}
	}
	payloadKey := func(f *model.Field) string {
		if keyType == model.FieldKeyName {
			return f.Name
		}
		return f.ID
	}
	for _, id := range order {
		f := fields[id]
		recs := byField[id]
		values := make([]any, len(recs))
		for j, i := range recs {
			values[j] = inputs[i].Fields[payloadKey(f)]
		}
		cast, err := t.Typecast(ctx, f, values, typecast)
		if err != nil {
			return nil, err
		}
		for j, i := range recs {
			out[i].Fields[f.ID] = cast[j]
		}
	}
	return out, nil
}
