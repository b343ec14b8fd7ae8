package anchor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// BatchRunner is the part of Runner the scheduler drives.
type BatchRunner interface {
	RunBatch(ctx context.Context, limit int) (*RunReport, error)
}

// Scheduler invokes the batch runner on a fixed interval and on demand.
// Only one run is in flight per scheduler; a tick that fires while a run is
// in progress is skipped.
type Scheduler struct {
	runner     BatchRunner
	interval   time.Duration
	limit      int
	runOnStart bool
	logger     zerolog.Logger

	running atomic.Bool
	mu      sync.RWMutex
	last    *RunReport
	lastErr error
}

// NewScheduler creates a Scheduler. A non-positive interval defaults to ten
// minutes.
func NewScheduler(runner BatchRunner, interval time.Duration, limit int, runOnStart bool, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		limit:      limit,
		runOnStart: runOnStart,
		logger:     logger.With().Str("component", "anchor-scheduler").Logger(),
	}
}

// Start runs the tick loop until ctx is cancelled. A run in progress at
// cancellation finishes its selected rows before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Int("limit", s.limit).Msg("anchor scheduler started")

	if s.runOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("anchor scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.Trigger(ctx, s.limit)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Warn().Msg("previous run still in progress, skipping tick")
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduled batch run failed")
	case !report.Success:
		s.logger.Warn().Str("report", report.String()).Msg("scheduled batch run finished with row errors")
	}
}

// Trigger runs one batch now. It returns ErrRunInProgress when another run
// started by this scheduler has not finished.
func (s *Scheduler) Trigger(ctx context.Context, limit int) (*RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	if limit <= 0 {
		limit = s.limit
	}
	report, err := s.runner.RunBatch(ctx, limit)

	s.mu.Lock()
	s.last, s.lastErr = report, err
	s.mu.Unlock()
	return report, err
}

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool { return s.running.Load() }

// LastReport returns the report and error of the most recent run.
func (s *Scheduler) LastReport() (*RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.lastErr
}
