package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// recordColumns is the column list used for SELECT statements on grid_records.
// The fields column is substituted when a projection applies.
const recordColumns = `id, %s, version, auto_number, created_time, created_by, sort_order`

// projectedFields narrows the fields document to the keys in $n.
const projectedFields = `(SELECT COALESCE(jsonb_object_agg(key, value), '{}'::jsonb)
		FROM jsonb_each(fields) WHERE key = ANY(%s))`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryGetTable(ctx context.Context, db executor, tableID string) (*model.Table, error) {
	var t model.Table
	err := db.QueryRowContext(ctx,
		`SELECT id, name, version FROM grid_tables WHERE id = $1`, tableID,
	).Scan(&t.ID, &t.Name, &t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "table", ID: tableID}
	}
	if err != nil {
		return nil, fmt.Errorf("get table %s: %w", tableID, err)
	}
	fields, err := queryGetFields(ctx, db, tableID, nil)
	if err != nil {
		return nil, err
	}
	t.Fields = fields
	return &t, nil
}

func queryListTables(ctx context.Context, db executor) ([]*model.Table, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, version FROM grid_tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var tables []*model.Table
	for rows.Next() {
		var t model.Table
		if err := rows.Scan(&t.ID, &t.Name, &t.Version); err != nil {
			rows.Close()
			return nil, err
		}
		tables = append(tables, &t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tables {
		fields, err := queryGetFields(ctx, db, t.ID, nil)
		if err != nil {
			return nil, err
		}
		t.Fields = fields
	}
	return tables, nil
}

func queryCreateTable(ctx context.Context, db executor, t *model.Table) error {
	if t.Version == 0 {
		t.Version = 1
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO grid_tables (id, name, version) VALUES ($1, $2, $3)`,
		t.ID, t.Name, t.Version,
	); err != nil {
		return fmt.Errorf("create table %s: %w", t.ID, err)
	}
	for i, f := range t.Fields {
		f.TableID = t.ID
		def, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", f.ID, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO grid_fields (id, table_id, position, definition) VALUES ($1, $2, $3, $4)`,
			f.ID, t.ID, i, def,
		); err != nil {
			return fmt.Errorf("create field %s: %w", f.ID, err)
		}
	}
	return nil
}

func queryCreateField(ctx context.Context, db executor, f *model.Field) error {
	def, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode field %s: %w", f.ID, err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO grid_fields (id, table_id, position, definition)
		VALUES ($1, $2, (SELECT COUNT(*) FROM grid_fields WHERE table_id = $2), $3)`,
		f.ID, f.TableID, def,
	); err != nil {
		return fmt.Errorf("create field %s: %w", f.ID, err)
	}
	return bumpTableVersion(ctx, db, f.TableID)
}

func queryUpdateField(ctx context.Context, db executor, f *model.Field) error {
	def, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode field %s: %w", f.ID, err)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE grid_fields SET definition = $3 WHERE id = $1 AND table_id = $2`,
		f.ID, f.TableID, def,
	)
	if err != nil {
		return fmt.Errorf("update field %s: %w", f.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "field", ID: f.ID}
	}
	return bumpTableVersion(ctx, db, f.TableID)
}

func bumpTableVersion(ctx context.Context, db executor, tableID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE grid_tables SET version = version + 1 WHERE id = $1`, tableID)
	if err != nil {
		return fmt.Errorf("bump table version %s: %w", tableID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "table", ID: tableID}
	}
	return nil
}

func queryGetFields(ctx context.Context, db executor, tableID string, projection []string) ([]*model.Field, error) {
	query := `SELECT definition FROM grid_fields WHERE table_id = $1`
	args := []any{tableID}
	if projection != nil {
		query += ` AND id = ANY($2)`
		args = append(args, pq.Array(projection))
	}
	query += ` ORDER BY position`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get fields of %s: %w", tableID, err)
	}
	defer rows.Close()
	return scanFields(rows)
}

func recordSelect(projection []string, next int) (string, []any) {
	if projection == nil {
		return fmt.Sprintf(recordColumns, "fields"), nil
	}
	return fmt.Sprintf(recordColumns, fmt.Sprintf(projectedFields, fmt.Sprintf("$%d", next))),
		[]any{pq.Array(projection)}
}

func queryGetSnapshotBulk(ctx context.Context, db executor, tableID string, recordIDs []string, projection []string) ([]*model.Record, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	cols, extra := recordSelect(projection, 3)
	args := append([]any{tableID, pq.Array(recordIDs)}, extra...)
	rows, err := db.QueryContext(ctx,
		`SELECT `+cols+` FROM grid_records WHERE table_id = $1 AND id = ANY($2)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get snapshot of %s: %w", tableID, err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*model.Record, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	out := make([]*model.Record, 0, len(recs))
	for _, id := range recordIDs {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func queryListRecords(ctx context.Context, db executor, tableID string, projection []string, limit, offset int) ([]*model.Record, error) {
	cols, extra := recordSelect(projection, 2)
	args := append([]any{tableID}, extra...)
	query := `SELECT ` + cols + ` FROM grid_records WHERE table_id = $1 ORDER BY sort_order, auto_number`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records of %s: %w", tableID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func queryInsertRecords(ctx context.Context, db executor, tableID string, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}
	var maxOrder float64
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_order), 0) FROM grid_records WHERE table_id = $1`, tableID,
	).Scan(&maxOrder); err != nil {
		return fmt.Errorf("read max order of %s: %w", tableID, err)
	}

	for _, r := range records {
		if r.Order == 0 {
			maxOrder++
			r.Order = maxOrder
		}
		if r.Fields == nil {
			r.Fields = make(map[string]any)
		}
		doc, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		err = db.QueryRowContext(ctx, `
			INSERT INTO grid_records (table_id, id, fields, created_time, created_by, sort_order)
			VALUES ($1, $2, $3, COALESCE($4, now()), $5, $6)
			RETURNING version, auto_number, created_time`,
			tableID, r.ID, doc, nullTime(r.CreatedTime), nullString(r.CreatedBy), r.Order,
		).Scan(&r.Version, &r.AutoNumber, &r.CreatedTime)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}
	return nil
}

func queryBatchWrite(ctx context.Context, db executor, tableID string, writes []model.RecordWrite) (map[string]int64, error) {
	versions := make(map[string]int64, len(writes))
	for _, w := range writes {
		set := make(map[string]any, len(w.Fields))
		unset := []string{}
		for fieldID, v := range w.Fields {
			if v == nil {
				unset = append(unset, fieldID)
			} else {
				set[fieldID] = v
			}
		}
		sort.Strings(unset)
		doc, err := json.Marshal(set)
		if err != nil {
			return nil, fmt.Errorf("encode write for %s: %w", w.RecordID, err)
		}

		var version int64
		err = db.QueryRowContext(ctx, `
			UPDATE grid_records
			SET fields = (fields || $3::jsonb) - $4::text[], version = version + 1
			WHERE table_id = $1 AND id = $2
			RETURNING version`,
			tableID, w.RecordID, doc, pq.Array(unset),
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "record", ID: w.RecordID}
		}
		if err != nil {
			return nil, fmt.Errorf("write record %s: %w", w.RecordID, err)
		}
		versions[w.RecordID] = version
	}
	return versions, nil
}

func queryDeleteRecords(ctx context.Context, db executor, tableID string, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx,
		`DELETE FROM grid_records WHERE table_id = $1 AND id = ANY($2)`,
		tableID, pq.Array(recordIDs))
	if err != nil {
		return fmt.Errorf("delete records of %s: %w", tableID, err)
	}
	return nil
}

func queryFindRecordsByTitle(ctx context.Context, db executor, tableID, fieldID string, titles []string) ([]*model.Record, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	cols, extra := recordSelect([]string{fieldID}, 4)
	args := append([]any{tableID, fieldID, pq.Array(titles)}, extra...)
	rows, err := db.QueryContext(ctx, `
		SELECT `+cols+` FROM grid_records
		WHERE table_id = $1 AND fields->>$2 = ANY($3)
		ORDER BY auto_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("find records of %s by title: %w", tableID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func queryGetRecordIndexes(ctx context.Context, db executor, tableID string, recordIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(recordIDs))
	if len(recordIDs) == 0 {
		return out, nil
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, sort_order FROM grid_records WHERE table_id = $1 AND id = ANY($2)`,
		tableID, pq.Array(recordIDs))
	if err != nil {
		return nil, fmt.Errorf("get record indexes of %s: %w", tableID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var order float64
		if err := rows.Scan(&id, &order); err != nil {
			return nil, err
		}
		out[id] = order
	}
	return out, rows.Err()
}

func queryUpdateRecordIndexes(ctx context.Context, db executor, tableID string, indexes map[string]float64) error {
	ids := make([]string, 0, len(indexes))
	for id := range indexes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res, err := db.ExecContext(ctx,
			`UPDATE grid_records SET sort_order = $3 WHERE table_id = $1 AND id = $2`,
			tableID, id, indexes[id])
		if err != nil {
			return fmt.Errorf("update index of %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &model.NotFoundError{Kind: "record", ID: id}
		}
	}
	return nil
}

func queryGetLinkRows(ctx context.Context, db executor, relation string, side store.LinkSide, ids []string) ([]store.LinkRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT source_id, target_id, source_order, target_order FROM grid_links
		WHERE relation = $1 AND source_id = ANY($2) ORDER BY source_id, source_order, target_id`
	if side == store.SideTarget {
		query = `SELECT source_id, target_id, source_order, target_order FROM grid_links
		WHERE relation = $1 AND target_id = ANY($2) ORDER BY target_id, target_order, source_id`
	}
	rows, err := db.QueryContext(ctx, query, relation, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get links of %s: %w", relation, err)
	}
	defer rows.Close()
	return scanLinkRows(rows)
}

func queryApplyLinkDelta(ctx context.Context, db executor, delta store.LinkDelta) error {
	for _, key := range delta.Remove {
		if _, err := db.ExecContext(ctx,
			`DELETE FROM grid_links WHERE relation = $1 AND source_id = $2 AND target_id = $3`,
			delta.Relation, key.SourceID, key.TargetID,
		); err != nil {
			return fmt.Errorf("remove link %s %s->%s: %w", delta.Relation, key.SourceID, key.TargetID, err)
		}
	}
	for _, row := range delta.Upsert {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO grid_links (relation, source_id, target_id, source_order, target_order)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (relation, source_id, target_id)
			DO UPDATE SET source_order = EXCLUDED.source_order, target_order = EXCLUDED.target_order`,
			delta.Relation, row.SourceID, row.TargetID, row.SourceOrder, row.TargetOrder,
		); err != nil {
			return fmt.Errorf("upsert link %s %s->%s: %w", delta.Relation, row.SourceID, row.TargetID, err)
		}
	}
	return nil
}

func queryResolveUsers(ctx context.Context, db executor, tableID string, identifiers []string) ([]model.User, error) {
	var idents, folded []string
	for _, ident := range identifiers {
		ident = strings.TrimSpace(ident)
		if ident == "" {
			continue
		}
		idents = append(idents, ident)
		folded = append(folded, strings.ToLower(ident))
	}
	if len(idents) == 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email FROM grid_users u
		JOIN grid_collaborators c ON c.user_id = u.id
		WHERE c.table_id = $1
		  AND (u.id = ANY($2) OR lower(u.email) = ANY($3) OR lower(u.name) = ANY($3))`,
		tableID, pq.Array(idents), pq.Array(folded))
	if err != nil {
		return nil, fmt.Errorf("resolve users of %s: %w", tableID, err)
	}
	defer rows.Close()
	users, err := scanUsers(rows)
	if err != nil {
		return nil, err
	}

	// Return matches in identifier order.
	var out []model.User
	seen := make(map[string]bool)
	for _, ident := range idents {
		for _, u := range users {
			if seen[u.ID] {
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

func queryAddCollaborator(ctx context.Context, db executor, tableID string, u model.User) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO grid_users (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email`,
		u.ID, u.Name, nullString(u.Email),
	); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO grid_collaborators (table_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		tableID, u.ID,
	); err != nil {
		return fmt.Errorf("add collaborator %s: %w", u.ID, err)
	}
	return nil
}

func queryRecordEvent(ctx context.Context, db executor, e *model.Event) error {
	return db.QueryRowContext(ctx, `
		INSERT INTO grid_events (topic, table_id, operation_id, actor, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.Topic, e.TableID, e.OperationID, nullString(e.Actor), []byte(e.Payload),
	).Scan(&e.ID, &e.CreatedAt)
}

func queryListEvents(ctx context.Context, db executor, tableID string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, topic, table_id, operation_id, actor, payload, created_at
		FROM grid_events
		WHERE ($1 = '' OR table_id = $1)
		ORDER BY id DESC
		LIMIT $2`,
		tableID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// queryLockTables takes FOR SHARE row locks on the table rows in id order.
// Schema changes (which update the version) block until the holder commits.
func queryLockTables(ctx context.Context, db executor, tableIDs []string) error {
	if len(tableIDs) == 0 {
		return nil
	}
	ids := append([]string(nil), tableIDs...)
	sort.Strings(ids)
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM grid_tables WHERE id = ANY($1) ORDER BY id FOR SHARE`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("lock tables: %w", err)
	}
	defer rows.Close()
	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if !found[id] {
			return &model.NotFoundError{Kind: "table", ID: id}
		}
	}
	return nil
}
