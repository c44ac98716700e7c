package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/groblegark/pqbus/internal/model"
)

// eventColumns is the column list used for SELECT and RETURNING clauses.
const eventColumns = `record_id, class_name, event_json, user_token,
	created_date, creator_name, processing_owner, processing_available_date,
	processing_state, error_count, search_key1, search_key2`

var (
	readyStates               = []string{string(model.StateAvailable)}
	readyOrInProcessingStates = []string{string(model.StateAvailable), string(model.StateInProcessing)}
)

// executor is the interface satisfied by *sql.DB, *sql.Tx and *store.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the statements for one table pair, rendered once at
// construction. The table name is validated before it reaches this point.
type queries struct {
	insertSQL          string
	claimSQL           string
	updateOnErrorSQL   string
	historyInsertSQL   string
	deleteSQL          string
	resetStaleSQL      string
	inProcessingSQL    string
	byStatePrefixSQL   string
	byStateKey1Suffix  string
	byStateOrderSuffix string
}

func newQueries(table string) queries {
	history := table + "_history"
	return queries{
		insertSQL: fmt.Sprintf(`
		INSERT INTO %s (
			class_name, event_json, user_token, created_date, creator_name,
			processing_owner, processing_available_date, processing_state,
			error_count, search_key1, search_key2
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING record_id`, table),
		claimSQL: fmt.Sprintf(`
		UPDATE %s SET
			processing_state = '%s',
			processing_owner = $1,
			processing_available_date = $2
		WHERE record_id IN (
			SELECT record_id FROM %s
			WHERE processing_state = '%s' AND processing_available_date <= $3
			ORDER BY record_id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, table, model.StateInProcessing, table, model.StateAvailable),
		updateOnErrorSQL: fmt.Sprintf(`
		UPDATE %s SET
			processing_state = '%s',
			processing_owner = NULL,
			processing_available_date = $1,
			error_count = $2
		WHERE record_id = $3`, table, model.StateAvailable),
		historyInsertSQL: fmt.Sprintf(`
		INSERT INTO %s (
			record_id, class_name, event_json, user_token, created_date,
			creator_name, processing_owner, processing_available_date,
			processing_state, error_count, search_key1, search_key2
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (record_id) DO NOTHING`, history),
		deleteSQL: fmt.Sprintf(`DELETE FROM %s WHERE record_id = ANY($1)`, table),
		resetStaleSQL: fmt.Sprintf(`
		UPDATE %s SET
			processing_state = '%s',
			processing_owner = NULL
		WHERE processing_state = '%s' AND processing_available_date <= $1`,
			table, model.StateAvailable, model.StateInProcessing),
		inProcessingSQL: fmt.Sprintf(`SELECT `+eventColumns+` FROM %s WHERE processing_state = '%s' ORDER BY record_id`,
			table, model.StateInProcessing),
		byStatePrefixSQL:   fmt.Sprintf(`SELECT `+eventColumns+` FROM %s WHERE processing_state = ANY($1) AND search_key2 = $2`, table),
		byStateKey1Suffix:  ` AND search_key1 = $3`,
		byStateOrderSuffix: ` ORDER BY record_id`,
	}
}

func (q queries) insert(ctx context.Context, db executor, e *model.EventEntry) error {
	row := db.QueryRowContext(ctx, q.insertSQL,
		e.ClassName,
		e.EventJSON,
		e.UserToken,
		e.CreatedDate,
		e.CreatorName,
		nullString(e.ProcessingOwner),
		nullTimePtr(e.ProcessingAvailableDate),
		string(e.ProcessingState),
		e.ErrorCount,
		e.SearchKey1,
		e.SearchKey2,
	)
	if err := row.Scan(&e.RecordID); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (q queries) claimReady(ctx context.Context, db executor, owner string, now, leaseUntil time.Time, limit int) ([]*model.EventEntry, error) {
	rows, err := db.QueryContext(ctx, q.claimSQL, owner, leaseUntil, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim ready events: %w", err)
	}
	entries, err := scanEventEntries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not guarantee an order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].RecordID < entries[j].RecordID })
	return entries, nil
}

func (q queries) updateOnError(ctx context.Context, db executor, e *model.EventEntry) error {
	_, err := db.ExecContext(ctx, q.updateOnErrorSQL,
		nullTimePtr(e.ProcessingAvailableDate),
		e.ErrorCount,
		e.RecordID,
	)
	if err != nil {
		return fmt.Errorf("update event on error: %w", err)
	}
	return nil
}

func (q queries) moveToHistory(ctx context.Context, db executor, entries []*model.EventEntry) error {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		_, err := db.ExecContext(ctx, q.historyInsertSQL,
			e.RecordID,
			e.ClassName,
			e.EventJSON,
			e.UserToken,
			e.CreatedDate,
			e.CreatorName,
			nullString(e.ProcessingOwner),
			nullTimePtr(e.ProcessingAvailableDate),
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
	if _, err := db.ExecContext(ctx, q.deleteSQL, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete moved events: %w", err)
	}
	return nil
}

func (q queries) resetStaleClaims(ctx context.Context, db executor, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, q.resetStaleSQL, now)
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	return n, nil
}

func (q queries) getInProcessing(ctx context.Context, db executor) ([]*model.EventEntry, error) {
	rows, err := db.QueryContext(ctx, q.inProcessingSQL)
	if err != nil {
		return nil, fmt.Errorf("get in-processing events: %w", err)
	}
	return scanEventEntries(rows)
}

func (q queries) getByState(ctx context.Context, db executor, states []string, searchKey1 *int64, searchKey2 int64) ([]*model.EventEntry, error) {
	query := q.byStatePrefixSQL
	args := []any{pq.Array(states), searchKey2}
	if searchKey1 != nil {
		query += q.byStateKey1Suffix
		args = append(args, *searchKey1)
	}
	query += q.byStateOrderSuffix

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events by state: %w", err)
	}
	return scanEventEntries(rows)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
