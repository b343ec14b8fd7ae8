package blockchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

type simulator struct {
	failureRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	now         func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulator(cfg Config) *simulator {
	return &simulator{
		failureRate: cfg.SimulationFailureRate,
		minDelay:    cfg.SimulationMinDelay,
		maxDelay:    cfg.SimulationMaxDelay,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *simulator) roll() (time.Duration, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delay := s.minDelay
	if span := s.maxDelay - s.minDelay; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span)))
	}
	return delay, s.rng.Float64()
}

func (s *simulator) submit(ctx context.Context, hash string) (string, error) {
	delay, p := s.roll()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", &SubmissionError{Op: OpConfirm, Err: ctx.Err()}
		}
	}

	if p < s.failureRate {
		return "", &SubmissionError{Op: OpSimulated, Err: ErrSimulatedFailure}
	}

	sum := sha256.Sum256([]byte(hash + ":" + strconv.FormatInt(s.now().UnixNano(), 10)))
	return "0x" + hex.EncodeToString(sum[:]), nil
}
