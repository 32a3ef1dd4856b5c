package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestJobsRunOnInterval(t *testing.T) {
	s := New()
	var runs atomic.Int32
	if err := s.Add("count", 10*time.Millisecond, func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() >= 3 })
	s.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != after {
		t.Errorf("job kept running after Stop: %d -> %d", after, runs.Load())
	}
	if s.IsRunning() {
		t.Error("sweeper still reports running")
	}
}

func TestFailingJobKeepsRunning(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Add("flaky", 10*time.Millisecond, func(context.Context) (int, error) {
		runs.Add(1)
		return 0, errors.New("boom")
	})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return runs.Load() >= 2 })
}

func TestDuplicateAndNegative(t *testing.T) {
	s := New()
	noop := Counter(func() int { return 0 })
	if err := s.Add("a", time.Second, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("a", time.Second, noop); err == nil {
		t.Error("expected error for duplicate job")
	}
	if err := s.Add("b", -time.Second, noop); err == nil {
		t.Error("expected error for negative interval")
	}
}

func TestStartTwice(t *testing.T) {
	s := New()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error starting a running sweeper")
	}
}

func TestContextCancelStopsJobs(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Add("count", 5*time.Millisecond, Counter(func() int {
		runs.Add(1)
		return 0
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, func() bool { return runs.Load() >= 1 })
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}

func TestAddWhileRunning(t *testing.T) {
	s := New()
	s.Start(context.Background())
	defer s.Stop()

	var runs atomic.Int32
	s.Add("late", 5*time.Millisecond, Counter(func() int {
		runs.Add(1)
		return 0
	}))
	waitFor(t, func() bool { return runs.Load() >= 1 })

	s.Remove("late")
	if _, ok := s.Jobs()["late"]; ok {
		t.Error("job still registered after Remove")
	}
}

func TestRunOnce(t *testing.T) {
	s := New()
	var a, b atomic.Int32
	s.Add("a", 0, Counter(func() int { a.Add(1); return 0 }))
	s.Add("b", time.Hour, func(context.Context) (int, error) {
		b.Add(1)
		return 0, errors.New("b failed")
	})

	err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error from failing job")
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("runs = %d/%d, want 1/1", a.Load(), b.Load())
	}
}

func TestRestart(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Add("count", 5*time.Millisecond, Counter(func() int {
		runs.Add(1)
		return 0
	}))

	s.Start(context.Background())
	waitFor(t, func() bool { return runs.Load() >= 1 })
	s.Stop()

	before := runs.Load()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop()
	waitFor(t, func() bool { return runs.Load() > before })
}
