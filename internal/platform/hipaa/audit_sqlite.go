package hipaa

import (
	"context"
	"database/sql"
	"fmt"
)

type auditStoreSQLite struct {
	db *sql.DB
}

// NewAuditStoreSQLite returns an AuditStore over the sqlite audit_log table.
func NewAuditStoreSQLite(db *sql.DB) AuditStore {
	return &auditStoreSQLite{db: db}
}

func (s *auditStoreSQLite) Insert(ctx context.Context, log *AuditLog) error {
	meta, err := marshalMetadata(log.Metadata)
	if err != nil {
		return err
	}
	var metaText *string
	if meta != nil {
		str := string(meta)
		metaText = &str
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, target_type, target_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ID.String(), nullable(log.ActorID), log.Action, nullable(log.TargetType), nullable(log.TargetID),
		metaText, log.CreatedAt.UTC())
	return err
}

func (s *auditStoreSQLite) Latest(ctx context.Context, limit int) ([]*AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, target_type, target_id, metadata, created_at FROM (
			SELECT id, actor_id, action, target_type, target_id, metadata, created_at
			FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		var l AuditLog
		var actor, targetType, targetID, meta *string
		if err := rows.Scan(&l.ID, &actor, &l.Action, &targetType, &targetID, &meta, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.ActorID, l.TargetType, l.TargetID = deref(actor), deref(targetType), deref(targetID)
		if meta != nil {
			if l.Metadata, err = unmarshalMetadata([]byte(*meta)); err != nil {
				return nil, fmt.Errorf("audit log %s: %w", l.ID, err)
			}
		}
		l.CreatedAt = l.CreatedAt.UTC()
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
