package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/remote-test-proxy/backend/internal/model"
)

// EventRepository provides data access for the event journal.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts an entry and sets its ID. A zero DeliveredAt is set to now.
func (r *EventRepository) Append(ctx context.Context, entry *model.JournalEntry) error {
	if entry.DeliveredAt.IsZero() {
		entry.DeliveredAt = time.Now()
	}

	var data sql.NullString
	if len(entry.Data) > 0 {
		data = sql.NullString{String: string(entry.Data), Valid: true}
	}

	query := `
		INSERT INTO events (session_id, position, name, data, delivered_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		entry.SessionID,
		entry.Position,
		entry.Name,
		data,
		entry.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	entry.ID = id

	return nil
}

// ListBySession retrieves a session's entries in delivery order.
func (r *EventRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.JournalEntry, error) {
	query := `
		SELECT id, session_id, position, name, data, delivered_at
		FROM events
		WHERE session_id = ?
		ORDER BY position ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var entries []*model.JournalEntry
	for rows.Next() {
		entry := &model.JournalEntry{}
		var data sql.NullString

		err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.Position,
			&entry.Name,
			&data,
			&entry.DeliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if data.Valid {
			entry.Data = json.RawMessage(data.String)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return entries, nil
}

// CountBySession returns the number of entries recorded for a session.
func (r *EventRepository) CountBySession(ctx context.Context, sessionID string) (int, error) {
	query := `SELECT COUNT(*) FROM events WHERE session_id = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}

	return count, nil
}

// Sessions returns the IDs of every session with at least one entry.
func (r *EventRepository) Sessions(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM events ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return ids, nil
}
