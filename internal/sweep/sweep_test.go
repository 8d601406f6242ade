package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobFiresWhenDue(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	s := NewScheduler(Config{Now: func() time.Time { return now }})

	var fired atomic.Int32
	if err := s.Add(Job{Name: "grants", Schedule: "@every 1m", Run: func(context.Context) {
		fired.Add(1)
	}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	// Not due yet.
	s.tick(context.Background())
	if got := fired.Load(); got != 0 {
		t.Fatalf("job fired %d times before due", got)
	}

	now = now.Add(61 * time.Second)
	s.tick(context.Background())
	if got := fired.Load(); got != 1 {
		t.Fatalf("job fired %d times, want 1", got)
	}

	// Same tick window does not refire.
	s.tick(context.Background())
	if got := fired.Load(); got != 1 {
		t.Fatalf("job refired within the same minute, count %d", got)
	}

	now = now.Add(time.Minute)
	s.tick(context.Background())
	if got := fired.Load(); got != 2 {
		t.Fatalf("job fired %d times after second interval, want 2", got)
	}
}

func TestBadScheduleRejectedAtAdd(t *testing.T) {
	s := NewScheduler(Config{})
	if err := s.Add(Job{Name: "bad", Schedule: "every minute", Run: func(context.Context) {}}); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestPanickingJobDoesNotStopOthers(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	s := NewScheduler(Config{Now: func() time.Time { return now }})

	var healthy atomic.Int32
	if err := s.Add(Job{Name: "boom", Schedule: "@every 1m", Run: func(context.Context) {
		panic("boom")
	}}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	if err := s.Add(Job{Name: "ok", Schedule: "@every 1m", Run: func(context.Context) {
		healthy.Add(1)
	}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	now = now.Add(2 * time.Minute)
	s.tick(context.Background())
	if got := healthy.Load(); got != 1 {
		t.Fatalf("healthy job fired %d times, want 1", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s := NewScheduler(Config{Interval: 5 * time.Millisecond})
	var fired atomic.Int32
	if err := s.Add(Job{Name: "sessions", Schedule: "@every 1s", Run: func(context.Context) {
		fired.Add(1)
	}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Stop()
	// Stop must return promptly with no goroutine left running.
}
