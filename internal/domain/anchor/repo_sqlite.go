package anchor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

type queueRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewQueueRepoSQLite returns a QueueRepository over the sqlite anchor_queue
// table, for single-node deployments and local runs.
func NewQueueRepoSQLite(db *sql.DB) QueueRepository {
	return &queueRepoSQLite{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *queueRepoSQLite) scanRow(row scanner) (*AnchorRequest, error) {
	var a AnchorRequest
	var status string
	err := row.Scan(&a.ID, &a.RecordID, &a.Hash, &status, &a.RetryCount, &a.BlockchainTxID,
		&a.ErrorMessage, &a.QueuedAt, &a.AnchoredAt, &a.UpdatedAt)
	a.Status = Status(status)
	return &a, err
}

func (r *queueRepoSQLite) Enqueue(ctx context.Context, recordID, hash string) (*AnchorRequest, error) {
	now := r.now().UTC()
	a := &AnchorRequest{
		ID:        uuid.New(),
		RecordID:  recordID,
		Hash:      hash,
		Status:    StatusPending,
		QueuedAt:  now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO anchor_queue (id, record_id, hash, status, retry_count, queued_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?)`,
		a.ID.String(), recordID, hash, now, now)
	if err != nil {
		return nil, storeErr("enqueue", a.ID, err)
	}
	return a, nil
}

func (r *queueRepoSQLite) SelectPending(ctx context.Context, limit, maxRetries int) ([]*AnchorRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueCols+` FROM anchor_queue
		WHERE status = 'pending' AND retry_count < ?2
		ORDER BY queued_at ASC, id ASC
		LIMIT ?1`, limit, maxRetries)
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

func (r *queueRepoSQLite) UpdateStatus(ctx context.Context, id uuid.UUID, t Transition) error {
	var anchoredAt *time.Time
	if t.AnchoredAt != nil {
		at := t.AnchoredAt.UTC()
		anchoredAt = &at
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE anchor_queue SET
			status = ?2,
			retry_count = MAX(retry_count, ?3),
			blockchain_tx_id = ?4,
			error_message = ?5,
			anchored_at = COALESCE(anchored_at, ?6),
			updated_at = ?7
		WHERE id = ?1 AND status = 'pending'`,
		id.String(), string(t.Status), t.RetryCount, t.BlockchainTxID, t.ErrorMessage, anchoredAt, r.now().UTC())
	if err != nil {
		return storeErr("update status", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update status", id, err)
	}
	if n == 0 {
		return storeErr("update status", id, ErrStaleRow)
	}
	return nil
}

func (r *queueRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*AnchorRequest, error) {
	a, err := r.scanRow(r.db.QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM anchor_queue WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeErr("get", id, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get", id, err)
	}
	return a, nil
}

func (r *queueRepoSQLite) List(ctx context.Context, status Status, limit, offset int) ([]*AnchorRequest, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anchor_queue WHERE (?1 = '' OR status = ?1)`, string(status),
	).Scan(&total); err != nil {
		return nil, 0, storeErr("count", uuid.Nil, err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueCols+` FROM anchor_queue
		WHERE (?1 = '' OR status = ?1)
		ORDER BY queued_at DESC, id DESC
		LIMIT ?2 OFFSET ?3`, string(status), limit, offset)
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

func (r *queueRepoSQLite) LastAnchoredAt(ctx context.Context) (*time.Time, error) {
	// Selecting the column rather than MAX() keeps its TIMESTAMP decltype.
	var at time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT anchored_at FROM anchor_queue
		WHERE status = 'anchored' AND anchored_at IS NOT NULL
		ORDER BY anchored_at DESC LIMIT 1`).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("last anchored", uuid.Nil, err)
	}
	return &at, nil
}

func (r *queueRepoSQLite) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM anchor_queue GROUP BY status`)
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
