// Package postgres implements the store.Store port backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/groblegark/pqbus/internal/model"
	"github.com/groblegark/pqbus/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultTableName is the live table created by the embedded migrations.
// Queues on other tables need their schema provisioned out of band, with
// the same columns and indexes.
const DefaultTableName = "bus_events"

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore implements store.Store for one queue table pair.
type PostgresStore struct {
	db      *sql.DB
	queries queries
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, runs any pending migrations, and binds
// the store to tableName (history lives in tableName + "_history").
func New(databaseURL, tableName string) (*PostgresStore, error) {
	if tableName == "" {
		tableName = DefaultTableName
	}
	if !tableNameRe.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}

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

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewWithDB(db, tableName)
}

// NewWithDB binds a store to an existing database handle without running
// migrations. The caller keeps ownership of the pool lifecycle only if it
// never calls Close.
func NewWithDB(db *sql.DB, tableName string) (*PostgresStore, error) {
	if !tableNameRe.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}
	return &PostgresStore{db: db, queries: newQueries(tableName)}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// DB exposes the underlying handle so callers can open transactions that
// bundle their own statements with transactional posts.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, entry *model.EventEntry) error {
	return s.queries.insert(ctx, s.db, entry)
}

func (s *PostgresStore) InsertTx(ctx context.Context, tx *store.Tx, entry *model.EventEntry) error {
	return s.queries.insert(ctx, tx, entry)
}

func (s *PostgresStore) ClaimReady(ctx context.Context, owner string, now, leaseUntil time.Time, limit int) ([]*model.EventEntry, error) {
	return s.queries.claimReady(ctx, s.db, owner, now, leaseUntil, limit)
}

func (s *PostgresStore) UpdateOnError(ctx context.Context, entry *model.EventEntry) error {
	return s.queries.updateOnError(ctx, s.db, entry)
}

func (s *PostgresStore) MoveToHistory(ctx context.Context, entries []*model.EventEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := s.queries.moveToHistory(ctx, tx, entries); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetStaleClaims(ctx context.Context, now time.Time) (int64, error) {
	return s.queries.resetStaleClaims(ctx, s.db, now)
}

func (s *PostgresStore) GetInProcessing(ctx context.Context) ([]*model.EventEntry, error) {
	return s.queries.getInProcessing(ctx, s.db)
}

func (s *PostgresStore) GetReady(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return s.queries.getByState(ctx, s.db, readyStates, searchKey1, searchKey2)
}

func (s *PostgresStore) GetReadyTx(ctx context.Context, tx *store.Tx, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return s.queries.getByState(ctx, tx, readyStates, searchKey1, searchKey2)
}

func (s *PostgresStore) GetReadyOrInProcessing(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return s.queries.getByState(ctx, s.db, readyOrInProcessingStates, searchKey1, searchKey2)
}

func (s *PostgresStore) GetReadyOrInProcessingTx(ctx context.Context, tx *store.Tx, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return s.queries.getByState(ctx, tx, readyOrInProcessingStates, searchKey1, searchKey2)
}
