package anchor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/platform/fingerprint"
	"github.com/ehr/anchor/internal/platform/hipaa"
)

const maxHashLen = 128

// AuditSource supplies the audit logs a fingerprint is computed over and
// accepts the export event that records it.
type AuditSource interface {
	FingerprintRecords(ctx context.Context, limit int) ([]fingerprint.Record, error)
	LogEvent(ctx context.Context, log *hipaa.AuditLog) error
}

// Export describes one fingerprinted batch of audit logs.
type Export struct {
	RecordID string         `json:"record_id" yaml:"record_id"`
	Hash     string         `json:"hash" yaml:"hash"`
	Count    int            `json:"count" yaml:"count"`
	Anchor   *AnchorRequest `json:"anchor" yaml:"-"`
}

// Transactor runs fn inside a transaction carried on the context it passes
// to fn. The transaction commits only when fn returns nil.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithTransactor makes ExportAndEnqueue write the queue row and its export
// audit event atomically.
func WithTransactor(tx Transactor) ProducerOption {
	return func(p *Producer) { p.tx = tx }
}

// Producer computes fingerprints and enqueues them for anchoring.
type Producer struct {
	repo   QueueRepository
	audit  AuditSource
	tx     Transactor
	now    func() time.Time
	logger zerolog.Logger
}

// NewProducer creates a Producer. audit may be nil when only Enqueue is used.
func NewProducer(repo QueueRepository, audit AuditSource, logger zerolog.Logger, opts ...ProducerOption) *Producer {
	p := &Producer{
		repo:   repo,
		audit:  audit,
		now:    time.Now,
		logger: logger.With().Str("component", "anchor-producer").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ValidateHash accepts non-empty, even-length, lowercase hex digests.
func ValidateHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	if len(hash) > maxHashLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidHash, maxHashLen)
	}
	if len(hash)%2 != 0 {
		return fmt.Errorf("%w: odd length %d", ErrInvalidHash, len(hash))
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q is not lowercase hex", ErrInvalidHash, hash)
		}
	}
	return nil
}

// Enqueue validates hash and adds a pending row for recordID.
func (p *Producer) Enqueue(ctx context.Context, recordID, hash string) (*AnchorRequest, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, fmt.Errorf("record_id is required")
	}
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	a, err := p.repo.Enqueue(ctx, recordID, hash)
	if err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("anchor_id", a.ID.String()).
		Str("record_id", recordID).
		Str("hash", hash).
		Msg("anchor request queued")
	return a, nil
}

// ExportAndEnqueue fingerprints the latest logLimit audit logs and enqueues
// the digest. The export itself is written back to the audit log. With a
// Transactor both writes commit together and a failed audit write undoes the
// enqueue; without one the failure is only logged.
func (p *Producer) ExportAndEnqueue(ctx context.Context, logLimit int) (*Export, error) {
	if p.audit == nil {
		return nil, fmt.Errorf("no audit source configured")
	}
	records, err := p.audit.FingerprintRecords(ctx, logLimit)
	if err != nil {
		return nil, fmt.Errorf("load audit logs: %w", err)
	}
	hash, err := fingerprint.Compute(records)
	if err != nil {
		return nil, fmt.Errorf("fingerprint audit logs: %w", err)
	}

	exp := &Export{RecordID: exportRecordID(records, p.now()), Hash: hash, Count: len(records)}
	write := func(ctx context.Context) error {
		a, err := p.Enqueue(ctx, exp.RecordID, hash)
		if err != nil {
			return err
		}
		if err := p.audit.LogEvent(ctx, hipaa.NewExportEvent(exp.RecordID, hash, exp.Count)); err != nil {
			if p.tx != nil {
				return fmt.Errorf("audit export: %w", err)
			}
			p.logger.Warn().Err(err).Str("record_id", exp.RecordID).Msg("failed to audit export")
		}
		exp.Anchor = a
		return nil
	}

	if p.tx == nil {
		err = write(ctx)
	} else {
		err = p.tx(ctx, write)
	}
	if err != nil {
		return nil, err
	}
	return exp, nil
}

func exportRecordID(records []fingerprint.Record, now time.Time) string {
	if len(records) == 0 {
		return fmt.Sprintf("audit-export-empty-%d", now.Unix())
	}
	first := records[0].Timestamp.UnixMilli()
	last := records[len(records)-1].Timestamp.UnixMilli()
	return fmt.Sprintf("audit-export-%d-%d-%d", first, last, len(records))
}

// CheckCooldown returns ErrCooldownActive when an anchor completed less than
// cooldown before now. The time of the latest anchor is returned either way
// and is nil when nothing has been anchored yet.
func (p *Producer) CheckCooldown(ctx context.Context, cooldown time.Duration, now time.Time) (*time.Time, error) {
	last, err := p.repo.LastAnchoredAt(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil || cooldown <= 0 {
		return last, nil
	}
	if elapsed := now.Sub(*last); elapsed < cooldown {
		return last, fmt.Errorf("%w: last anchor %s ago, cooldown %s",
			ErrCooldownActive, elapsed.Truncate(time.Second), cooldown)
	}
	return last, nil
}
