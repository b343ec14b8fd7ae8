package anchor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type blockingRunner struct {
	calls   atomic.Int32
	limits  chan int
	release chan struct{}
	err     error
}

func (r *blockingRunner) RunBatch(_ context.Context, limit int) (*RunReport, error) {
	r.calls.Add(1)
	if r.limits != nil {
		r.limits <- limit
	}
	if r.release != nil {
		<-r.release
	}
	rep := newRunReport("simulation", time.Now())
	rep.finish(time.Now(), r.err == nil)
	return rep, r.err
}

func TestScheduler_TriggerRejectsOverlap(t *testing.T) {
	runner := &blockingRunner{limits: make(chan int, 1), release: make(chan struct{})}
	s := NewScheduler(runner, time.Hour, 10, false, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), 0)
		done <- err
	}()

	if got := <-runner.limits; got != 10 {
		t.Errorf("expected default limit 10, got %d", got)
	}
	if !s.Running() {
		t.Error("expected scheduler to report a run in flight")
	}
	if _, err := s.Trigger(context.Background(), 5); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}

	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if s.Running() {
		t.Error("expected run to be finished")
	}

	report, err := s.LastReport()
	if err != nil || report == nil || !report.Success {
		t.Errorf("unexpected last report %+v, %v", report, err)
	}
	if runner.calls.Load() != 1 {
		t.Errorf("expected one run, got %d", runner.calls.Load())
	}
}

func TestScheduler_StartRunsOnStartAndStops(t *testing.T) {
	runner := &blockingRunner{limits: make(chan int, 4)}
	s := NewScheduler(runner, time.Hour, 7, true, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case got := <-runner.limits:
		if got != 7 {
			t.Errorf("expected limit 7, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a run on start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_TicksOnInterval(t *testing.T) {
	runner := &blockingRunner{limits: make(chan int, 8)}
	s := NewScheduler(runner, 20*time.Millisecond, 3, false, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-runner.limits:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d did not run", i+1)
		}
	}
}

func TestScheduler_RecordsRunError(t *testing.T) {
	runner := &blockingRunner{err: errors.New("select failed")}
	s := NewScheduler(runner, 0, 10, false, testLogger())

	if _, err := s.Trigger(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
	report, err := s.LastReport()
	if err == nil || report == nil || report.Success {
		t.Errorf("expected failed last report, got %+v, %v", report, err)
	}
	if s.interval != 10*time.Minute {
		t.Errorf("expected default interval, got %s", s.interval)
	}
}
