// Package sqlite implements the store.Store port backed by SQLite, for
// single-process deployments and tests. Dates are bound as fixed-width
// ISO-8601 UTC strings so that range comparisons order correctly.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/groblegark/pqbus/internal/model"
	"github.com/groblegark/pqbus/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultTableName is the live table created by the embedded migrations.
const DefaultTableName = "bus_events"

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// eventColumns is the column list used for SELECT statements.
const eventColumns = `record_id, class_name, event_json, user_token,
	created_date, creator_name, processing_owner, processing_available_date,
	processing_state, error_count, search_key1, search_key2`

// SqliteStore implements store.Store for one queue table pair.
type SqliteStore struct {
	db      *sql.DB
	table   string
	history string
}

// Compile-time check that SqliteStore implements store.Store.
var _ store.Store = (*SqliteStore)(nil)

// New opens (or creates) the SQLite database at path, applies migrations,
// and binds the store to tableName. The pool is capped at one connection;
// SQLite serializes writers anyway and a single connection avoids
// SQLITE_BUSY churn between claimers.
func New(path, tableName string) (*SqliteStore, error) {
	if tableName == "" {
		tableName = DefaultTableName
	}
	if !tableNameRe.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SqliteStore{db: db, table: tableName, history: tableName + "_history"}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
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
func (s *SqliteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// executor is the interface satisfied by *sql.DB, *sql.Tx and *store.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SqliteStore) Insert(ctx context.Context, entry *model.EventEntry) error {
	return s.insert(ctx, s.db, entry)
}

func (s *SqliteStore) InsertTx(ctx context.Context, tx *store.Tx, entry *model.EventEntry) error {
	return s.insert(ctx, tx, entry)
}

func (s *SqliteStore) insert(ctx context.Context, db executor, e *model.EventEntry) error {
	res, err := db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			class_name, event_json, user_token, created_date, creator_name,
			processing_owner, processing_available_date, processing_state,
			error_count, search_key1, search_key2
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table),
		e.ClassName,
		e.EventJSON,
		e.UserToken.String(),
		formatTime(e.CreatedDate),
		e.CreatorName,
		nullString(e.ProcessingOwner),
		formatTimePtr(e.ProcessingAvailableDate),
		string(e.ProcessingState),
		e.ErrorCount,
		e.SearchKey1,
		e.SearchKey2,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	e.RecordID = id
	return nil
}

// ClaimReady selects claim candidates and flips them inside one
// transaction. The pool holds a single connection and SQLite allows a
// single writer, so the select-then-update pair is atomic against
// concurrent claimers.
func (s *SqliteStore) ClaimReady(ctx context.Context, owner string, now, leaseUntil time.Time, limit int) ([]*model.EventEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT record_id FROM %s
		WHERE processing_state = ? AND processing_available_date <= ?
		ORDER BY record_id
		LIMIT ?`, s.table),
		string(model.StateAvailable), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders, args := idArgs(ids)
	args = append([]any{string(model.StateInProcessing), owner, formatTime(leaseUntil)}, args...)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			processing_state = ?,
			processing_owner = ?,
			processing_available_date = ?
		WHERE record_id IN (%s)`, s.table, placeholders), args...); err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}

	_, idOnly := idArgs(ids)
	claimed, err := s.selectEntries(ctx, tx, fmt.Sprintf(
		`SELECT `+eventColumns+` FROM %s WHERE record_id IN (%s) ORDER BY record_id`, s.table, placeholders), idOnly...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim transaction: %w", err)
	}
	return claimed, nil
}

func (s *SqliteStore) UpdateOnError(ctx context.Context, entry *model.EventEntry) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			processing_state = ?,
			processing_owner = NULL,
			processing_available_date = ?,
			error_count = ?
		WHERE record_id = ?`, s.table),
		string(model.StateAvailable),
		formatTimePtr(entry.ProcessingAvailableDate),
		entry.ErrorCount,
		entry.RecordID,
	)
	if err != nil {
		return fmt.Errorf("update event on error: %w", err)
	}
	return nil
}

func (s *SqliteStore) MoveToHistory(ctx context.Context, entries []*model.EventEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT OR IGNORE INTO %s (
				record_id, class_name, event_json, user_token, created_date,
				creator_name, processing_owner, processing_available_date,
				processing_state, error_count, search_key1, search_key2
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.history),
			e.RecordID,
			e.ClassName,
			e.EventJSON,
			e.UserToken.String(),
			formatTime(e.CreatedDate),
			e.CreatorName,
			nullString(e.ProcessingOwner),
			formatTimePtr(e.ProcessingAvailableDate),
			string(e.ProcessingState),
			e.ErrorCount,
			e.SearchKey1,
			e.SearchKey2,
		)
		if err != nil {
			return fmt.Errorf("insert history event %d: %w", e.RecordID, err)
		}
		ids = append(ids, e.RecordID)
	}

	placeholders, args := idArgs(ids)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE record_id IN (%s)`, s.table, placeholders), args...); err != nil {
		return fmt.Errorf("delete moved events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SqliteStore) ResetStaleClaims(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			processing_state = ?,
			processing_owner = NULL
		WHERE processing_state = ? AND processing_available_date <= ?`, s.table),
		string(model.StateAvailable),
		string(model.StateInProcessing),
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	return n, nil
}

func (s *SqliteStore) GetInProcessing(ctx context.Context) ([]*model.EventEntry, error) {
	return s.selectEntries(ctx, s.db, fmt.Sprintf(
		`SELECT `+eventColumns+` FROM %s WHERE processing_state = ? ORDER BY record_id`, s.table),
		string(model.StateInProcessing))
}

func (s *SqliteStore) GetReady(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return s.getByState(ctx, s.db, []model.ProcessingState{model.StateAvailable}, searchKey1, searchKey2)
}

func (s *SqliteStore) GetReadyTx(ctx context.Context, tx *store.Tx, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return s.getByState(ctx, tx, []model.ProcessingState{model.StateAvailable}, searchKey1, searchKey2)
}

func (s *SqliteStore) GetReadyOrInProcessing(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return s.getByState(ctx, s.db, []model.ProcessingState{model.StateAvailable, model.StateInProcessing}, searchKey1, searchKey2)
}

func (s *SqliteStore) GetReadyOrInProcessingTx(ctx context.Context, tx *store.Tx, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	return s.getByState(ctx, tx, []model.ProcessingState{model.StateAvailable, model.StateInProcessing}, searchKey1, searchKey2)
}

func (s *SqliteStore) getByState(ctx context.Context, db executor, states []model.ProcessingState, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	stateHoles := make([]string, len(states))
	args := make([]any, 0, len(states)+2)
	for i, st := range states {
		stateHoles[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`SELECT `+eventColumns+` FROM %s WHERE processing_state IN (%s) AND search_key2 = ?`,
		s.table, strings.Join(stateHoles, ", "))
	args = append(args, searchKey2)
	if searchKey1 != nil {
		query += ` AND search_key1 = ?`
		args = append(args, *searchKey1)
	}
	query += ` ORDER BY record_id`
	return s.selectEntries(ctx, db, query, args...)
}

func (s *SqliteStore) selectEntries(ctx context.Context, db executor, query string, args ...any) ([]*model.EventEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEventEntries(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record ids: %w", err)
	}
	return ids, nil
}

func idArgs(ids []int64) (string, []any) {
	holes := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		holes[i] = "?"
		args[i] = id
	}
	return strings.Join(holes, ", "), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
