// Package snapshot exports every table definition and record as JSONL and
// ships the result to configured destinations on a schedule.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// pageSize bounds each ListRecords read during an export.
const pageSize = 1000

// header is the first JSONL line written by Export.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Tables    int       `json:"table_count"`
}

// line wraps a single JSONL entry with a type discriminator.
type line struct {
	Type    string `json:"type"`
	TableID string `json:"table_id,omitempty"`
	Data    any    `json:"data"`
}

// footer closes an export with the record total, so a truncated upload is
// detectable.
type footer struct {
	Type    string `json:"type"`
	Records int    `json:"record_count"`
}

// Export writes all tables (sorted by id), each followed by its records in
// view order, as JSONL to w. The whole read runs in one transaction so the
// snapshot is consistent.
func Export(ctx context.Context, st store.Store, w io.Writer, now time.Time) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	return st.RunInTransaction(ctx, func(tx store.Store) error {
		tables, err := tx.ListTables(ctx)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i].ID < tables[j].ID })

		if err := enc.Encode(header{Version: "1", Type: "header", Timestamp: now.UTC(), Tables: len(tables)}); err != nil {
			return fmt.Errorf("encode header: %w", err)
		}

		total := 0
		for _, t := range tables {
			if err := enc.Encode(line{Type: "table", Data: t}); err != nil {
				return fmt.Errorf("encode table %s: %w", t.ID, err)
			}
			n, err := exportRecords(ctx, tx, t, enc)
			if err != nil {
				return err
			}
			total += n
		}
		return enc.Encode(footer{Type: "footer", Records: total})
	})
}

func exportRecords(ctx context.Context, tx store.Store, t *model.Table, enc *json.Encoder) (int, error) {
	n := 0
	for offset := 0; ; offset += pageSize {
		recs, err := tx.ListRecords(ctx, t.ID, nil, pageSize, offset)
		if err != nil {
			return n, fmt.Errorf("list records of %s: %w", t.ID, err)
		}
		for _, r := range recs {
			if err := enc.Encode(line{Type: "record", TableID: t.ID, Data: r}); err != nil {
				return n, fmt.Errorf("encode record %s: %w", r.ID, err)
			}
			n++
		}
		if len(recs) < pageSize {
			return n, nil
		}
	}
}
