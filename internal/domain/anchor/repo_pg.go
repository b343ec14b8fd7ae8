package anchor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/anchor/internal/platform/db"
)

type queueRepoPG struct{ pool *pgxpool.Pool }

// NewQueueRepoPG returns a QueueRepository over the anchor_queue table.
func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository {
	return &queueRepoPG{pool: pool}
}

const queueCols = `id, record_id, hash, status, retry_count, blockchain_tx_id,
	error_message, queued_at, anchored_at, updated_at`

func (r *queueRepoPG) scanRow(row pgx.Row) (*AnchorRequest, error) {
	var a AnchorRequest
	var status string
	err := row.Scan(&a.ID, &a.RecordID, &a.Hash, &status, &a.RetryCount, &a.BlockchainTxID,
		&a.ErrorMessage, &a.QueuedAt, &a.AnchoredAt, &a.UpdatedAt)
	a.Status = Status(status)
	return &a, err
}

func (r *queueRepoPG) Enqueue(ctx context.Context, recordID, hash string) (*AnchorRequest, error) {
	id := uuid.New()
	a, err := r.scanRow(db.Resolve(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO anchor_queue (id, record_id, hash, status, retry_count, queued_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, NOW(), NOW())
		RETURNING `+queueCols, id, recordID, hash))
	if err != nil {
		return nil, storeErr("enqueue", id, err)
	}
	return a, nil
}

func (r *queueRepoPG) SelectPending(ctx context.Context, limit, maxRetries int) ([]*AnchorRequest, error) {
	rows, err := db.Resolve(ctx, r.pool).Query(ctx, `
		SELECT `+queueCols+` FROM anchor_queue
		WHERE status = 'pending' AND retry_count < $2
		ORDER BY queued_at ASC, id ASC
		LIMIT $1`, limit, maxRetries)
	if err != nil {
		return nil, storeErr("select pending", uuid.Nil, err)
	}
	defer rows.Close()

	items := []*AnchorRequest{}
	for rows.Next() {
		a, err := r.scanRow(rows)
		if err != nil {
			return nil, storeErr("select pending", uuid.Nil, err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("select pending", uuid.Nil, err)
	}
	return items, nil
}

func (r *queueRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, t Transition) error {
	tag, err := db.Resolve(ctx, r.pool).Exec(ctx, `
		UPDATE anchor_queue SET
			status = $2,
			retry_count = GREATEST(retry_count, $3),
			blockchain_tx_id = $4,
			error_message = $5,
			anchored_at = COALESCE(anchored_at, $6),
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, string(t.Status), t.RetryCount, t.BlockchainTxID, t.ErrorMessage, t.AnchoredAt)
	if err != nil {
		return storeErr("update status", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storeErr("update status", id, ErrStaleRow)
	}
	return nil
}

func (r *queueRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AnchorRequest, error) {
	a, err := r.scanRow(db.Resolve(ctx, r.pool).QueryRow(ctx,
		`SELECT `+queueCols+` FROM anchor_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeErr("get", id, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get", id, err)
	}
	return a, nil
}

func (r *queueRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*AnchorRequest, int, error) {
	q := db.Resolve(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM anchor_queue WHERE ($1::text = '' OR status = $1)`, string(status),
	).Scan(&total); err != nil {
		return nil, 0, storeErr("count", uuid.Nil, err)
	}

	rows, err := q.Query(ctx, `
		SELECT `+queueCols+` FROM anchor_queue
		WHERE ($1::text = '' OR status = $1)
		ORDER BY queued_at DESC, id DESC
		LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, 0, storeErr("list", uuid.Nil, err)
	}
	defer rows.Close()

	items := []*AnchorRequest{}
	for rows.Next() {
		a, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, storeErr("list", uuid.Nil, err)
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *queueRepoPG) LastAnchoredAt(ctx context.Context) (*time.Time, error) {
	var at *time.Time
	err := db.Resolve(ctx, r.pool).QueryRow(ctx,
		`SELECT MAX(anchored_at) FROM anchor_queue WHERE status = 'anchored'`).Scan(&at)
	if err != nil {
		return nil, storeErr("last anchored", uuid.Nil, err)
	}
	return at, nil
}

func (r *queueRepoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := db.Resolve(ctx, r.pool).Query(ctx,
		`SELECT status, COUNT(*) FROM anchor_queue GROUP BY status`)
	if err != nil {
		return nil, storeErr("count by status", uuid.Nil, err)
	}
	defer rows.Close()

	counts := map[Status]int{StatusPending: 0, StatusAnchored: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("count by status", uuid.Nil, err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}
