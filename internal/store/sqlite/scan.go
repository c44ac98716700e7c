package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

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
			token     sql.NullString
			created   string
			owner     sql.NullString
			available sql.NullString
			state     string
		)
		err := rows.Scan(
			&e.RecordID,
			&e.ClassName,
			&e.EventJSON,
			&token,
			&created,
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

		if token.Valid && token.String != "" {
			parsed, err := uuid.Parse(token.String)
			if err != nil {
				return nil, fmt.Errorf("parse user token %q: %w", token.String, err)
			}
			e.UserToken = parsed
		}
		createdAt, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		e.CreatedDate = createdAt
		if available.Valid && available.String != "" {
			at, err := parseTime(available.String)
			if err != nil {
				return nil, err
			}
			e.ProcessingAvailableDate = &at
		}
		e.ProcessingOwner = owner.String
		e.ProcessingState = model.ProcessingState(state)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Accept plain RFC 3339 written by other tooling.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}
