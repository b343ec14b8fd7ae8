package hipaa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/internal/platform/fingerprint"
)

type auditStorePG struct {
	pool *pgxpool.Pool
}

// NewAuditStorePG returns an AuditStore over the audit_log table.
func NewAuditStorePG(pool *pgxpool.Pool) AuditStore {
	return &auditStorePG{pool: pool}
}

func marshalMetadata(m *fingerprint.Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(raw []byte) (*fingerprint.Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m fingerprint.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *auditStorePG) Insert(ctx context.Context, log *AuditLog) error {
	meta, err := marshalMetadata(log.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Resolve(ctx, s.pool).Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.ID, nullable(log.ActorID), log.Action, nullable(log.TargetType), nullable(log.TargetID),
		meta, log.CreatedAt)
	return err
}

func (s *auditStorePG) Latest(ctx context.Context, limit int) ([]*AuditLog, error) {
	rows, err := db.Resolve(ctx, s.pool).Query(ctx, `
		SELECT id, actor_id, action, target_type, target_id, metadata, created_at FROM (
			SELECT id, actor_id, action, target_type, target_id, metadata, created_at
			FROM audit_log ORDER BY created_at DESC, id DESC LIMIT $1
		) latest ORDER BY created_at ASC, id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		var l AuditLog
		var actor, targetType, targetID *string
		var meta []byte
		if err := rows.Scan(&l.ID, &actor, &l.Action, &targetType, &targetID, &meta, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.ActorID, l.TargetType, l.TargetID = deref(actor), deref(targetType), deref(targetID)
		if l.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, fmt.Errorf("audit log %s: %w", l.ID, err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
