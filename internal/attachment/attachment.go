// Package attachment resolves uploaded attachment tokens to the metadata
// stored in attachment cells.
package attachment

import (
	"context"
	"strings"
	"sync"

	"github.com/alfredjeanlab/gridbase/internal/model"
)

// Metadata describes one uploaded object.
type Metadata struct {
	Token    string
	Name     string
	MimeType string
	Size     int64
	Width    int
	Height   int
	Path     string
}

// ToCell returns the cell form of the attachment under a per-cell id.
func (m Metadata) ToCell(id string) map[string]any {
	cell := map[string]any{
		"id":       id,
		"token":    m.Token,
		"name":     m.Name,
		"mimetype": m.MimeType,
		"size":     float64(m.Size),
		"path":     m.Path,
	}
	if m.Width > 0 && m.Height > 0 {
		cell["width"] = float64(m.Width)
		cell["height"] = float64(m.Height)
	}
	return cell
}

// Resolver looks up attachment metadata. Unknown tokens are omitted from the
// result; the order of the remaining tokens is kept.
type Resolver interface {
	ResolveAttachments(ctx context.Context, tokens []string) ([]Metadata, error)
}

// StaticResolver serves metadata from memory. It backs the --memory server
// mode and tests.
type StaticResolver struct {
	mu    sync.RWMutex
	items map[string]Metadata
}

// NewStaticResolver returns a resolver knowing items.
func NewStaticResolver(items ...Metadata) *StaticResolver {
	r := &StaticResolver{items: make(map[string]Metadata, len(items))}
	for _, m := range items {
		r.items[m.Token] = m
	}
	return r
}

// Add registers an upload.
func (r *StaticResolver) Add(m Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[m.Token] = m
}

func (r *StaticResolver) ResolveAttachments(ctx context.Context, tokens []string) ([]Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(tokens))
	for _, tok := range tokens {
		if m, ok := r.items[tok]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Tokens extracts attachment tokens from raw cell input: plain strings,
// comma separated strings, or attachment objects carrying a token.
func Tokens(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return splitComma(t)
	case map[string]any:
		if tok, _ := t["token"].(string); tok != "" {
			return []string{tok}
		}
		if id, _ := t["id"].(string); id != "" {
			return []string{id}
		}
		return nil
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, Tokens(item)...)
		}
		return out
	case []string:
		return Tokens(model.NormalizeValue(t))
	}
	return nil
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
