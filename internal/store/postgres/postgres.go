// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := open(databaseURL)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already open database without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies pending migrations and returns the resulting version.
func Migrate(databaseURL string) (uint, error) {
	db, err := open(databaseURL)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	m, err := newMigrator(db)
	if err != nil {
		return 0, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return version, nil
}

func open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func runMigrations(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetTable(ctx context.Context, tableID string) (*model.Table, error) {
	return queryGetTable(ctx, s.db, tableID)
}

func (s *PostgresStore) ListTables(ctx context.Context) ([]*model.Table, error) {
	return queryListTables(ctx, s.db)
}

func (s *PostgresStore) CreateTable(ctx context.Context, table *model.Table) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.CreateTable(ctx, table)
	})
}

func (s *PostgresStore) CreateField(ctx context.Context, field *model.Field) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.CreateField(ctx, field)
	})
}

func (s *PostgresStore) UpdateField(ctx context.Context, field *model.Field) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.UpdateField(ctx, field)
	})
}

func (s *PostgresStore) GetFieldsByProjection(ctx context.Context, tableID string, projection []string) ([]*model.Field, error) {
	return queryGetFields(ctx, s.db, tableID, projection)
}

func (s *PostgresStore) GetSnapshotBulk(ctx context.Context, tableID string, recordIDs []string, projection []string) ([]*model.Record, error) {
	return queryGetSnapshotBulk(ctx, s.db, tableID, recordIDs, projection)
}

func (s *PostgresStore) ListRecords(ctx context.Context, tableID string, projection []string, limit, offset int) ([]*model.Record, error) {
	return queryListRecords(ctx, s.db, tableID, projection, limit, offset)
}

func (s *PostgresStore) InsertRecords(ctx context.Context, tableID string, records []*model.Record) error {
	return queryInsertRecords(ctx, s.db, tableID, records)
}

func (s *PostgresStore) BatchWrite(ctx context.Context, tableID string, writes []model.RecordWrite) (map[string]int64, error) {
	return queryBatchWrite(ctx, s.db, tableID, writes)
}

func (s *PostgresStore) DeleteRecords(ctx context.Context, tableID string, recordIDs []string) error {
	return queryDeleteRecords(ctx, s.db, tableID, recordIDs)
}

func (s *PostgresStore) FindRecordsByTitle(ctx context.Context, tableID, fieldID string, titles []string) ([]*model.Record, error) {
	return queryFindRecordsByTitle(ctx, s.db, tableID, fieldID, titles)
}

func (s *PostgresStore) GetRecordIndexes(ctx context.Context, tableID string, recordIDs []string) (map[string]float64, error) {
	return queryGetRecordIndexes(ctx, s.db, tableID, recordIDs)
}

func (s *PostgresStore) UpdateRecordIndexes(ctx context.Context, tableID string, indexes map[string]float64) error {
	return queryUpdateRecordIndexes(ctx, s.db, tableID, indexes)
}

func (s *PostgresStore) GetLinkRows(ctx context.Context, relation string, side store.LinkSide, ids []string) ([]store.LinkRow, error) {
	return queryGetLinkRows(ctx, s.db, relation, side, ids)
}

func (s *PostgresStore) ApplyLinkDelta(ctx context.Context, delta store.LinkDelta) error {
	return queryApplyLinkDelta(ctx, s.db, delta)
}

func (s *PostgresStore) ResolveUsers(ctx context.Context, tableID string, identifiers []string) ([]model.User, error) {
	return queryResolveUsers(ctx, s.db, tableID, identifiers)
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, tableID string, user model.User) error {
	return queryAddCollaborator(ctx, s.db, tableID, user)
}

func (s *PostgresStore) RecordEvent(ctx context.Context, event *model.Event) error {
	return queryRecordEvent(ctx, s.db, event)
}

func (s *PostgresStore) ListEvents(ctx context.Context, tableID string, limit int) ([]*model.Event, error) {
	return queryListEvents(ctx, s.db, tableID, limit)
}

// LockTables outside a transaction only checks that the tables exist; the
// locks are released as soon as the statement finishes.
func (s *PostgresStore) LockTables(ctx context.Context, tableIDs []string) error {
	return queryLockTables(ctx, s.db, tableIDs)
}

// RunInTransaction begins a repeatable-read transaction, creates a txStore
// that delegates to it, calls fn, and commits on success or rolls back on
// error. Concurrent writers to the same rows surface as serialization
// failures, which the caller's retry policy treats as transient.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) GetTable(ctx context.Context, tableID string) (*model.Table, error) {
	return queryGetTable(ctx, s.tx, tableID)
}

func (s *txStore) ListTables(ctx context.Context) ([]*model.Table, error) {
	return queryListTables(ctx, s.tx)
}

func (s *txStore) CreateTable(ctx context.Context, table *model.Table) error {
	return queryCreateTable(ctx, s.tx, table)
}

func (s *txStore) CreateField(ctx context.Context, field *model.Field) error {
	return queryCreateField(ctx, s.tx, field)
}

func (s *txStore) UpdateField(ctx context.Context, field *model.Field) error {
	return queryUpdateField(ctx, s.tx, field)
}

func (s *txStore) GetFieldsByProjection(ctx context.Context, tableID string, projection []string) ([]*model.Field, error) {
	return queryGetFields(ctx, s.tx, tableID, projection)
}

func (s *txStore) GetSnapshotBulk(ctx context.Context, tableID string, recordIDs []string, projection []string) ([]*model.Record, error) {
	return queryGetSnapshotBulk(ctx, s.tx, tableID, recordIDs, projection)
}

func (s *txStore) ListRecords(ctx context.Context, tableID string, projection []string, limit, offset int) ([]*model.Record, error) {
	return queryListRecords(ctx, s.tx, tableID, projection, limit, offset)
}

func (s *txStore) InsertRecords(ctx context.Context, tableID string, records []*model.Record) error {
	return queryInsertRecords(ctx, s.tx, tableID, records)
}

func (s *txStore) BatchWrite(ctx context.Context, tableID string, writes []model.RecordWrite) (map[string]int64, error) {
	return queryBatchWrite(ctx, s.tx, tableID, writes)
}

func (s *txStore) DeleteRecords(ctx context.Context, tableID string, recordIDs []string) error {
	return queryDeleteRecords(ctx, s.tx, tableID, recordIDs)
}

func (s *txStore) FindRecordsByTitle(ctx context.Context, tableID, fieldID string, titles []string) ([]*model.Record, error) {
	return queryFindRecordsByTitle(ctx, s.tx, tableID, fieldID, titles)
}

func (s *txStore) GetRecordIndexes(ctx context.Context, tableID string, recordIDs []string) (map[string]float64, error) {
	return queryGetRecordIndexes(ctx, s.tx, tableID, recordIDs)
}

func (s *txStore) UpdateRecordIndexes(ctx context.Context, tableID string, indexes map[string]float64) error {
	return queryUpdateRecordIndexes(ctx, s.tx, tableID, indexes)
}

func (s *txStore) GetLinkRows(ctx context.Context, relation string, side store.LinkSide, ids []string) ([]store.LinkRow, error) {
	return queryGetLinkRows(ctx, s.tx, relation, side, ids)
}

func (s *txStore) ApplyLinkDelta(ctx context.Context, delta store.LinkDelta) error {
	return queryApplyLinkDelta(ctx, s.tx, delta)
}

func (s *txStore) ResolveUsers(ctx context.Context, tableID string, identifiers []string) ([]model.User, error) {
	return queryResolveUsers(ctx, s.tx, tableID, identifiers)
}

func (s *txStore) AddCollaborator(ctx context.Context, tableID string, user model.User) error {
	return queryAddCollaborator(ctx, s.tx, tableID, user)
}

func (s *txStore) RecordEvent(ctx context.Context, event *model.Event) error {
	return queryRecordEvent(ctx, s.tx, event)
}

func (s *txStore) ListEvents(ctx context.Context, tableID string, limit int) ([]*model.Event, error) {
	return queryListEvents(ctx, s.tx, tableID, limit)
}

func (s *txStore) LockTables(ctx context.Context, tableIDs []string) error {
	return queryLockTables(ctx, s.tx, tableIDs)
}

// RunInTransaction on a txStore reuses the current transaction.
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
