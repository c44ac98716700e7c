package postgres

import (
	"database/sql"
	"fmt"

	"github.com/groblegark/pqbus/internal/model"
)

// scanEventEntries drains rows into event entries. The rows must contain
// columns in the order defined by eventColumns.
func scanEventEntries(rows *sql.Rows) ([]*model.EventEntry, error) {
	defer rows.Close()

	var entries []*model.EventEntry
	for rows.Next() {
		var (
			e         model.EventEntry
			owner     sql.NullString
			available sql.NullTime
			state     string
		)
		err := rows.Scan(
			&e.RecordID,
			&e.ClassName,
			&e.EventJSON,
			&e.UserToken,
			&e.CreatedDate,
			&e.CreatorName,
			&owner,
			&available,
			&state,
			&e.ErrorCount,
			&e.SearchKey1,
			&e.SearchKey2,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ProcessingOwner = owner.String
		if available.Valid {
			t := available.Time.UTC()
			e.ProcessingAvailableDate = &t
		}
		e.ProcessingState = model.ProcessingState(state)
		e.CreatedDate = e.CreatedDate.UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}
