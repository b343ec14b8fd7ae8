package webhook

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/anchor/internal/platform/db"
)

type eventStorePG struct {
	pool *pgxpool.Pool
}

// NewEventStorePG returns an EventStore over the webhook_event table.
func NewEventStorePG(pool *pgxpool.Pool) EventStore {
	return &eventStorePG{pool: pool}
}

const eventColumns = `id, anchor_id, event_type, record_id, payload, webhook_url,
	response_status, response_body, success, created_at`

func (s *eventStorePG) Record(ctx context.Context, e *Event) error {
	_, err := db.Resolve(ctx, s.pool).Exec(ctx, `
		INSERT INTO webhook_event (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AnchorID, string(e.EventType), e.RecordID, []byte(e.Payload), e.WebhookURL,
		e.ResponseStatus, e.ResponseBody, e.Success, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *eventStorePG) List(ctx context.Context, recordID string, limit, offset int) ([]*Event, int, error) {
	q := db.Resolve(ctx, s.pool)

	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_event WHERE ($1::text = '' OR record_id = $1)`, recordID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook events: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_event
		WHERE ($1::text = '' OR record_id = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3`, recordID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var e Event
		var eventType string
		var payload []byte
		var body *string
		if err := rows.Scan(&e.ID, &e.AnchorID, &eventType, &e.RecordID, &payload, &e.WebhookURL,
			&e.ResponseStatus, &body, &e.Success, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan webhook event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.Payload = payload
		if body != nil {
			e.ResponseBody = *body
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

func (s *eventStorePG) CountByAnchor(ctx context.Context, anchorID uuid.UUID, eventType EventType) (int, error) {
	var n int
	err := db.Resolve(ctx, s.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_event WHERE anchor_id = $1 AND event_type = $2`,
		anchorID, string(eventType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count webhook events: %w", err)
	}
	return n, nil
}
