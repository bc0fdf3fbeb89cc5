package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

type countingCycler struct{ n int32 }

func (c *countingCycler) DispatchCycle(context.Context) []ingestion.Outcome {
	atomic.AddInt32(&c.n, 1)
	return nil
}

func TestSchedulerRunsCyclesOnInterval(t *testing.T) {
	c := &countingCycler{}
	s := New(Config{Interval: 50 * time.Millisecond}, c, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&c.n) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&c.n) < 2 {
		t.Fatalf("expected at least 2 cycles, got %d", c.n)
	}
}

func TestSchedulerNextRun(t *testing.T) {
	s := New(Config{Cron: "0 3 * * *"}, &countingCycler{}, nil)
	if _, ok := s.NextRun(); ok {
		t.Fatalf("next run must be unknown before start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	next, ok := s.NextRun()
	if !ok {
		t.Fatalf("expected a next run")
	}
	if next.UTC().Hour() != 3 || next.Minute() != 0 || !next.After(time.Now()) {
		t.Fatalf("unexpected next run %v", next)
	}
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	s := New(Config{Cron: "not a cron"}, &countingCycler{}, nil)
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatalf("expected error for invalid cron")
	}
}
