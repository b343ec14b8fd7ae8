package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/anchor/internal/platform/fingerprint"
)

// Audit actions recorded in audit_log.action.
const (
	ActionRead       = "read"
	ActionCreate     = "create"
	ActionDelete     = "delete"
	ActionBreakGlass = "break_glass"
	ActionExport     = "export"
)

// AuditLog is one row of the audit_log table. It is the input of the
// fingerprint builder, so the columns map one to one onto fingerprint.Record.
type AuditLog struct {
	ID         uuid.UUID             `json:"id"`
	ActorID    string                `json:"actor_id,omitempty"`
	Action     string                `json:"action"`
	TargetType string                `json:"target_type,omitempty"`
	TargetID   string                `json:"target_id,omitempty"`
	Metadata   *fingerprint.Metadata `json:"metadata,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Record converts the row into the fingerprint builder's input form.
func (l *AuditLog) Record() fingerprint.Record {
	return fingerprint.Record{
		ID:         l.ID.String(),
		ActorID:    l.ActorID,
		Action:     l.Action,
		TargetType: l.TargetType,
		TargetID:   l.TargetID,
		Timestamp:  l.CreatedAt,
		Metadata:   l.Metadata,
	}
}

// AuditStore persists audit log rows.
type AuditStore interface {
	Insert(ctx context.Context, log *AuditLog) error
	// Latest returns the newest limit rows ordered oldest first.
	Latest(ctx context.Context, limit int) ([]*AuditLog, error)
}

// AuditLogger writes audit events and reads them back for export.
type AuditLogger struct {
	store AuditStore
}

// NewAuditLogger creates a new AuditLogger backed by the given store.
func NewAuditLogger(store AuditStore) *AuditLogger {
	return &AuditLogger{store: store}
}

// LogEvent writes an audit log row, assigning an id and timestamp when unset.
func (a *AuditLogger) LogEvent(ctx context.Context, log *AuditLog) error {
	if log.Action == "" {
		return fmt.Errorf("hipaa audit: action is required")
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	if err := a.store.Insert(ctx, log); err != nil {
		return fmt.Errorf("hipaa audit: insert: %w", err)
	}
	return nil
}

// ListForExport returns the latest limit audit logs in ascending
// (created_at, id) order, the order the fingerprint is computed over.
func (a *AuditLogger) ListForExport(ctx context.Context, limit int) ([]*AuditLog, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("hipaa audit: export limit must be positive, got %d", limit)
	}
	logs, err := a.store.Latest(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: list for export: %w", err)
	}
	return logs, nil
}

// FingerprintRecords is ListForExport converted to fingerprint input.
func (a *AuditLogger) FingerprintRecords(ctx context.Context, limit int) ([]fingerprint.Record, error) {
	logs, err := a.ListForExport(ctx, limit)
	if err != nil {
		return nil, err
	}
	records := make([]fingerprint.Record, len(logs))
	for i, l := range logs {
		records[i] = l.Record()
	}
	return records, nil
}

func newEvent(action, actorID, targetType, targetID string) *AuditLog {
	return &AuditLog{
		ID:         uuid.New(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewReadEvent creates an AuditLog pre-configured for a read action.
func NewReadEvent(actorID, targetType, targetID string) *AuditLog {
	return newEvent(ActionRead, actorID, targetType, targetID)
}

// NewWriteEvent creates an AuditLog pre-configured for a create action.
func NewWriteEvent(actorID, targetType, targetID string) *AuditLog {
	return newEvent(ActionCreate, actorID, targetType, targetID)
}

// NewDeleteEvent creates an AuditLog pre-configured for a delete action.
func NewDeleteEvent(actorID, targetType, targetID string) *AuditLog {
	return newEvent(ActionDelete, actorID, targetType, targetID)
}

// NewBreakGlassEvent creates an AuditLog for an emergency access override.
func NewBreakGlassEvent(actorID, targetType, targetID, reason string) *AuditLog {
	log := newEvent(ActionBreakGlass, actorID, targetType, targetID)
	log.Metadata = &fingerprint.Metadata{Reason: reason, BreakGlass: true}
	return log
}

// NewExportEvent records that a batch of audit logs was fingerprinted and
// queued for anchoring under recordID.
func NewExportEvent(recordID, hash string, count int) *AuditLog {
	log := newEvent(ActionExport, "system", "anchor_export", recordID)
	log.Metadata = &fingerprint.Metadata{
		Outcome: "queued",
		Extra:   map[string]string{"hash": hash, "count": fmt.Sprint(count)},
	}
	return log
}
