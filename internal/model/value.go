package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// NormalizeValue converts a Go value into the JSON-compatible cell form used
// throughout the engine: nil, string, float64, bool, []any or map[string]any.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, float64, bool:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = NormalizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = NormalizeValue(item)
		}
		return out
	}

	// Structs, typed slices and maps go through a JSON round trip.
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// IsEmptyValue reports whether a cell holds no value. Empty strings, empty
// arrays and false checkboxes are all considered empty.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// ValuesEqual compares two cell values semantically: both empty, or deeply
// equal after normalization.
func ValuesEqual(a, b any) bool {
	if IsEmptyValue(a) && IsEmptyValue(b) {
		return true
	}
	return reflect.DeepEqual(NormalizeValue(a), NormalizeValue(b))
}

// ToFloat extracts a number from a cell scalar.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// CellTitle renders a cell value as display text. Objects render their title,
// arrays are joined with ", ".
func CellTitle(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case map[string]any:
		if title, ok := t["title"].(string); ok {
			return title
		}
		if name, ok := t["name"].(string); ok {
			return name
		}
		if id, ok := t["id"].(string); ok {
			return id
		}
		return ""
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, CellTitle(item))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}

// LinkValue is one entry of a link cell.
type LinkValue struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// ToCell returns the JSON-compatible object form of the link.
func (l LinkValue) ToCell() map[string]any {
	m := map[string]any{"id": l.ID}
	if l.Title != "" {
		m["title"] = l.Title
	}
	return m
}

// LinkValues extracts link entries from a link cell in either single or array
// form. Entries without an id are skipped.
func LinkValues(v any) []LinkValue {
	var items []any
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		items = t
	default:
		items = []any{t}
	}
	out := make([]LinkValue, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		title, _ := m["title"].(string)
		out = append(out, LinkValue{ID: id, Title: title})
	}
	return out
}

// LinkIDs returns the ids referenced by a link cell, in cell order.
func LinkIDs(v any) []string {
	links := LinkValues(v)
	ids := make([]string, len(links))
	for i, l := range links {
		ids[i] = l.ID
	}
	return ids
}

// LinkCell builds a link cell value from entries, honoring single vs multiple
// cardinality. An empty entry list yields nil.
func LinkCell(links []LinkValue, multiple bool) any {
	if len(links) == 0 {
		return nil
	}
	if !multiple {
		return links[0].ToCell()
	}
	out := make([]any, len(links))
	for i, l := range links {
		out[i] = l.ToCell()
	}
	return out
}

// ValidateCellValue checks that a normalized value conforms to the field's
// value schema. Computed fields accept anything.
func ValidateCellValue(f *Field, v any) error {
	if v == nil || f.IsComputed {
		return nil
	}
	switch f.Type {
	case FieldSingleLineText:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if strings.ContainsAny(s, "\r\n") {
			return fmt.Errorf("single line text must not contain line breaks")
		}
	case FieldLongText:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case FieldNumber:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
	case FieldCheckbox:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case FieldDate:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected ISO-8601 string, got %T", v)
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("invalid date %q", s)
		}
	case FieldSingleSelect:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected choice name, got %T", v)
		}
		return validateChoice(f, s)
	case FieldMultipleSelect:
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected array of choice names, got %T", v)
		}
		for _, item := range arr {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected choice name, got %T", item)
			}
			if err := validateChoice(f, s); err != nil {
				return err
			}
		}
	case FieldLink:
		multiple := f.Options.Link != nil && f.Options.Link.Relationship.IsMultiple()
		return validateObjects(v, multiple, "id")
	case FieldUser:
		multiple := f.Options.User != nil && f.Options.User.IsMultiple
		return validateObjects(v, multiple, "id", "title")
	case FieldAttachment:
		return validateObjects(v, true, "id", "token", "name")
	}
	return nil
}

func validateChoice(f *Field, name string) error {
	if f.Options.Select == nil {
		return fmt.Errorf("field has no choices")
	}
	if _, ok := f.Options.Select.ChoiceByName(name); !ok {
		return fmt.Errorf("unknown choice %q", name)
	}
	return nil
}

func validateObjects(v any, multiple bool, required ...string) error {
	var items []any
	if multiple {
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		items = arr
	} else {
		items = []any{v}
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", item)
		}
		for _, key := range required {
			if s, _ := m[key].(string); s == "" {
				return fmt.Errorf("object is missing %q", key)
			}
		}
	}
	return nil
}
