// Package sweeper runs named housekeeping jobs on fixed intervals.
//
// Each job gets its own ticker goroutine. A failing job is logged and runs
// again on the next tick.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/tavern/pkg/log"
)

var logger = log.ForService("sweeper")

// Func is a single sweep pass. The returned count is logged at debug level.
type Func func(ctx context.Context) (int, error)

type job struct {
	interval time.Duration
	fn       Func
}

type Sweeper struct {
	jobs      map[string]job
	tickers   map[string]*time.Ticker
	stopCh    chan struct{}
	ctx       context.Context
	ctxCancel context.CancelFunc
	mu        sync.RWMutex
	wg        sync.WaitGroup
	running   bool
}

func New() *Sweeper {
	return &Sweeper{
		jobs:    make(map[string]job),
		tickers: make(map[string]*time.Ticker),
		stopCh:  make(chan struct{}),
	}
}

// Add registers a job. Adding to a running sweeper starts the job right away.
// An interval of 0 registers the job without scheduling it; it still runs
// from RunOnce.
func (s *Sweeper) Add(name string, interval time.Duration, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	if interval < 0 {
		return fmt.Errorf("job %s: negative interval %v", name, interval)
	}
	s.jobs[name] = job{interval: interval, fn: fn}

	if s.running && interval > 0 {
		s.startJob(name, interval)
	}
	return nil
}

// Remove stops and forgets a job.
func (s *Sweeper) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticker, exists := s.tickers[name]; exists {
		ticker.Stop()
		delete(s.tickers, name)
	}
	delete(s.jobs, name)
}

// Jobs returns the registered job names with their intervals.
func (s *Sweeper) Jobs() map[string]time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Duration, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.interval
	}
	return out
}

// Start launches one goroutine per scheduled job. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	s.ctx, s.ctxCancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.running = true

	for name, j := range s.jobs {
		if j.interval == 0 {
			logger.Debugf("job %s has no interval, not scheduling", name)
			continue
		}
		s.startJob(name, j.interval)
	}

	logger.Infof("started %d jobs", len(s.tickers))
	return nil
}

// startJob must be called with s.mu held.
func (s *Sweeper) startJob(name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	s.tickers[name] = ticker
	s.wg.Add(1)
	go s.runJob(s.ctx, s.stopCh, name, ticker)
	logger.Debugf("scheduled %s every %v", name, interval)
}

func (s *Sweeper) runJob(ctx context.Context, stopCh <-chan struct{}, name string, ticker *time.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := s.run(ctx, name); err != nil {
				logger.Errorf("%v", err)
			}
		}
	}
}

func (s *Sweeper) run(ctx context.Context, name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	start := time.Now()
	n, err := j.fn(ctx)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if n > 0 {
		logger.Debugf("%s removed %d entries in %v", name, n, time.Since(start))
	}
	return nil
}

// RunOnce runs every registered job a single time, in no particular order,
// and returns the first error.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	var first error
	for _, name := range names {
		if err := s.run(ctx, name); err != nil {
			logger.Errorf("%v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Stop cancels all jobs and waits for in-flight passes to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	if s.ctxCancel != nil {
		s.ctxCancel()
	}
	close(s.stopCh)
	for name, ticker := range s.tickers {
		ticker.Stop()
		delete(s.tickers, name)
	}
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	logger.Infof("stopped")
}

func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Counter adapts a sweep function with no error result.
func Counter(fn func() int) Func {
	return func(context.Context) (int, error) {
		return fn(), nil
	}
}
