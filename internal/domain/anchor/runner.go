package anchor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/platform/blockchain"
	"github.com/ehr/anchor/internal/platform/webhook"
)

// Submitter places a hash on chain.
type Submitter interface {
	Submit(ctx context.Context, hash string) (string, error)
	Mode() blockchain.Mode
}

// Notifier delivers terminal outcomes. It never fails; the returned event
// is informational and may be nil.
type Notifier interface {
	Notify(ctx context.Context, eventType webhook.EventType, payload webhook.Payload) *webhook.Event
}

// Recorder receives pipeline metrics.
type Recorder interface {
	ObserveSubmission(outcome string)
	ObserveTransition(status string)
	ObserveBatch(d time.Duration)
	SetQueueRows(counts map[string]int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSubmission(string)    {}
func (nopRecorder) ObserveTransition(string)    {}
func (nopRecorder) ObserveBatch(time.Duration)  {}
func (nopRecorder) SetQueueRows(map[string]int) {}

// RunnerConfig tunes batch runs.
type RunnerConfig struct {
	BatchLimit int
	MaxRetries int
	// RowTimeout bounds submission plus persistence plus notification for
	// one row.
	RowTimeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

// WithRunnerClock overrides the runner's time source.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// Runner drives pending queue rows through submission, the retry policy,
// persistence and notification.
type Runner struct {
	repo      QueueRepository
	submitter Submitter
	notifier  Notifier
	metrics   Recorder
	cfg       RunnerConfig
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRunner creates a Runner. Zero config values fall back to the defaults.
func NewRunner(repo QueueRepository, submitter Submitter, notifier Notifier, cfg RunnerConfig, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RowTimeout <= 0 {
		cfg.RowTimeout = 5 * time.Minute
	}
	r := &Runner{
		repo:      repo,
		submitter: submitter,
		notifier:  notifier,
		metrics:   nopRecorder{},
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With().Str("component", "anchor-runner").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunBatch processes up to limit pending rows, oldest first. A limit of zero
// or less uses the configured batch limit.
//
// Row failures are isolated and recorded in the report. Only a failing
// selection aborts the run; the partial report is returned with the error.
// Rows are processed under a context detached from ctx, so cancelling ctx
// does not interrupt a run that already selected its rows.
func (r *Runner) RunBatch(ctx context.Context, limit int) (*RunReport, error) {
	if limit <= 0 {
		limit = r.cfg.BatchLimit
	}
	start := r.now()
	report := newRunReport(string(r.submitter.Mode()), start.UTC())
	log := r.logger.With().Str("run_id", report.RunID.String()).Logger()

	rows, err := r.repo.SelectPending(ctx, limit, r.cfg.MaxRetries)
	if err != nil {
		report.finish(r.now().UTC(), false)
		log.Error().Err(err).Msg("select pending rows failed, aborting run")
		return report, err
	}

	log.Info().Int("selected", len(rows)).Int("limit", limit).Str("mode", report.Mode).Msg("batch run started")

	for _, row := range rows {
		r.processRow(ctx, row, report, log)
	}

	r.finishRun(ctx, report, log)
	return report, nil
}

// RunOne processes the queue row with the given id, ignoring its position in
// the queue. A row that is no longer pending, or has used up its retries, is
// left untouched and the report shows nothing processed.
func (r *Runner) RunOne(ctx context.Context, id uuid.UUID) (*RunReport, error) {
	start := r.now()
	report := newRunReport(string(r.submitter.Mode()), start.UTC())
	log := r.logger.With().Str("run_id", report.RunID.String()).Logger()

	row, err := r.repo.GetByID(ctx, id)
	if err != nil {
		report.finish(r.now().UTC(), false)
		log.Error().Err(err).Str("anchor_id", id.String()).Msg("load row failed, aborting run")
		return report, err
	}

	if row.Status == StatusPending && row.RetryCount < r.cfg.MaxRetries {
		r.processRow(ctx, row, report, log)
	} else {
		log.Info().Str("anchor_id", id.String()).Str("status", string(row.Status)).Int("retry_count", row.RetryCount).Msg("row not eligible, skipping")
	}

	r.finishRun(ctx, report, log)
	return report, nil
}

func (r *Runner) finishRun(ctx context.Context, report *RunReport, log zerolog.Logger) {
	report.finish(r.now().UTC(), true)
	r.metrics.ObserveBatch(time.Duration(report.DurationMS) * time.Millisecond)
	r.refreshQueueGauge(ctx, log)

	log.Info().
		Int("processed", report.Processed).
		Int("anchored", report.Anchored).
		Int("failed", report.Failed).
		Int("retried", report.Retried).
		Int("errors", len(report.Errors)+report.ErrorsTruncated).
		Bool("success", report.Success).
		Int64("duration_ms", report.DurationMS).
		Msg("run finished")
}

func (r *Runner) processRow(ctx context.Context, row *AnchorRequest, report *RunReport, log zerolog.Logger) {
	rowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RowTimeout)
	defer cancel()

	log = log.With().
		Str("anchor_id", row.ID.String()).
		Str("record_id", row.RecordID).
		Int("retry_count", row.RetryCount).
		Logger()
	report.Processed++

	txID, subErr := r.submitter.Submit(rowCtx, row.Hash)
	if subErr != nil {
		r.metrics.ObserveSubmission("failure")
		report.addError(row, subErr)
		log.Warn().Err(subErr).Msg("submission failed")
	} else {
		r.metrics.ObserveSubmission("success")
	}

	t := Decide(row, Outcome{TxID: txID, Err: subErr}, r.now(), r.cfg.MaxRetries)

	if err := r.repo.UpdateStatus(rowCtx, row.ID, t); err != nil {
		report.storeErrors++
		report.addError(row, err)
		if errors.Is(err, ErrStaleRow) {
			log.Warn().Err(err).Str("status", string(t.Status)).Msg("row changed underneath this run, skipping")
		} else {
			log.Error().Err(err).Str("status", string(t.Status)).Msg("persist transition failed, row stays pending")
		}
		return
	}
	r.metrics.ObserveTransition(string(t.Status))

	log = log.With().Str("status", string(t.Status)).Int("retry_count", t.RetryCount).Logger()
	switch t.Status {
	case StatusAnchored:
		report.Anchored++
		log.Info().Str("tx_id", txID).Msg("anchored")
		r.notify(rowCtx, webhook.EventAnchoringComplete, row, t)
	case StatusFailed:
		report.Failed++
		log.Error().Msg("retries exhausted, anchor failed")
		r.notify(rowCtx, webhook.EventAnchoringFailed, row, t)
	default:
		report.Retried++
		log.Info().Msg("will retry on a later run")
	}
}

func (r *Runner) notify(ctx context.Context, eventType webhook.EventType, row *AnchorRequest, t Transition) {
	if r.notifier == nil {
		return
	}
	payload := webhook.Payload{
		RecordID:   row.RecordID,
		AnchorID:   row.ID,
		Hash:       row.Hash,
		Status:     string(t.Status),
		RetryCount: t.RetryCount,
	}
	if t.BlockchainTxID != nil {
		payload.BlockchainTxID = *t.BlockchainTxID
	}
	if t.ErrorMessage != nil {
		payload.ErrorMessage = *t.ErrorMessage
	}
	r.notifier.Notify(ctx, eventType, payload)
}

func (r *Runner) refreshQueueGauge(ctx context.Context, log zerolog.Logger) {
	counts, err := r.repo.CountByStatus(context.WithoutCancel(ctx))
	if err != nil {
		log.Warn().Err(err).Msg("count queue rows failed")
		return
	}
	out := make(map[string]int, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	r.metrics.SetQueueRows(out)
}
