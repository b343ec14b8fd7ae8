package anchor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued anchor request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnchored Status = "anchored"
	StatusFailed   Status = "failed"
)

// DefaultMaxRetries bounds the number of failed submissions per request.
const DefaultMaxRetries = 3

// DefaultBatchLimit is the number of rows one batch run selects.
const DefaultBatchLimit = 10

// maxReportErrors caps RunReport.Errors.
const maxReportErrors = 50

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAnchored, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusAnchored || s == StatusFailed
}

// AnchorRequest is one row of the anchor queue.
type AnchorRequest struct {
	ID             uuid.UUID  `json:"id"`
	RecordID       string     `json:"record_id"`
	Hash           string     `json:"hash"`
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	BlockchainTxID *string    `json:"blockchain_tx_id,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	QueuedAt       time.Time  `json:"queued_at"`
	AnchoredAt     *time.Time `json:"anchored_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RowError is one entry of RunReport.Errors.
type RowError struct {
	AnchorID uuid.UUID `json:"anchor_id" yaml:"anchor_id"`
	RecordID string    `json:"record_id" yaml:"record_id"`
	Error    string    `json:"error" yaml:"error"`
}

// RunReport summarises one batch run.
type RunReport struct {
	RunID           uuid.UUID  `json:"run_id" yaml:"run_id"`
	Mode            string     `json:"mode" yaml:"mode"`
	Processed       int        `json:"processed" yaml:"processed"`
	Anchored        int        `json:"anchored" yaml:"anchored"`
	Failed          int        `json:"failed" yaml:"failed"`
	Retried         int        `json:"retried" yaml:"retried"`
	Errors          []RowError `json:"errors" yaml:"errors"`
	ErrorsTruncated int        `json:"errors_truncated" yaml:"errors_truncated"`
	Success         bool       `json:"success" yaml:"success"`
	StartedAt       time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time  `json:"finished_at" yaml:"finished_at"`
	DurationMS      int64      `json:"duration_ms" yaml:"duration_ms"`

	storeErrors int
}

func newRunReport(mode string, startedAt time.Time) *RunReport {
	return &RunReport{
		RunID:     uuid.New(),
		Mode:      mode,
		Errors:    []RowError{},
		StartedAt: startedAt,
	}
}

func (r *RunReport) addError(row *AnchorRequest, err error) {
	if len(r.Errors) >= maxReportErrors {
		r.ErrorsTruncated++
		return
	}
	r.Errors = append(r.Errors, RowError{AnchorID: row.ID, RecordID: row.RecordID, Error: err.Error()})
}

// finish stamps the end of the run. A run succeeds when the selection worked
// and every processed row reached a persisted state.
func (r *RunReport) finish(now time.Time, selected bool) {
	r.FinishedAt = now
	r.DurationMS = now.Sub(r.StartedAt).Milliseconds()
	r.Success = selected && r.storeErrors == 0
}

// String renders a one-line summary for logs and CLI output.
func (r *RunReport) String() string {
	return fmt.Sprintf("processed=%d anchored=%d failed=%d retried=%d errors=%d success=%v",
		r.Processed, r.Anchored, r.Failed, r.Retried, len(r.Errors)+r.ErrorsTruncated, r.Success)
}
