package webhook

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type eventStoreSQLite struct {
	db *sql.DB
}

// NewEventStoreSQLite returns an EventStore over the sqlite webhook_event table.
func NewEventStoreSQLite(db *sql.DB) EventStore {
	return &eventStoreSQLite{db: db}
}

func (s *eventStoreSQLite) Record(ctx context.Context, e *Event) error {
	var anchorID *string
	if e.AnchorID != nil {
		id := e.AnchorID.String()
		anchorID = &id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_event (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), anchorID, string(e.EventType), e.RecordID, string(e.Payload), e.WebhookURL,
		e.ResponseStatus, e.ResponseBody, e.Success, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *eventStoreSQLite) List(ctx context.Context, recordID string, limit, offset int) ([]*Event, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_event WHERE (?1 = '' OR record_id = ?1)`, recordID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_event
		WHERE (?1 = '' OR record_id = ?1)
		ORDER BY created_at ASC, id ASC
		LIMIT ?2 OFFSET ?3`, recordID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var e Event
		var anchorID, body *string
		var eventType, payload string
		if err := rows.Scan(&e.ID, &anchorID, &eventType, &e.RecordID, &payload, &e.WebhookURL,
			&e.ResponseStatus, &body, &e.Success, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan webhook event: %w", err)
		}
		if anchorID != nil {
			id, err := uuid.Parse(*anchorID)
			if err != nil {
				return nil, 0, fmt.Errorf("parse anchor id: %w", err)
			}
			e.AnchorID = &id
		}
		e.EventType = EventType(eventType)
		e.Payload = []byte(payload)
		if body != nil {
			e.ResponseBody = *body
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

func (s *eventStoreSQLite) CountByAnchor(ctx context.Context, anchorID uuid.UUID, eventType EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_event WHERE anchor_id = ? AND event_type = ?`,
		anchorID.String(), string(eventType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count webhook events: %w", err)
	}
	return n, nil
}
