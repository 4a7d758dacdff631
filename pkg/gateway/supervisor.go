package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	maxConsecutiveFailures = 10
	failureWindow          = 60 * time.Second
	restartDelay           = time.Second
)

// Supervisor owns the goroutines backing every C2/C4/C5 instance and the
// aggregator task. A panic in a supervised task is caught, logged, and the
// task alone is restarted after a short delay; a task that fails more than
// ten times within 60 seconds is considered unrecoverable and trips Fatal.
type Supervisor struct {
	logger *slog.Logger
	wg     sync.WaitGroup

	mu        sync.Mutex
	fatalOnce sync.Once
	fatalCh   chan struct{}
	fatalErr  error
}

// NewSupervisor returns a ready-to-use task supervisor.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:  logger.With("service", "[SUPERVISOR]"),
		fatalCh: make(chan struct{}),
	}
}

// Go launches fn in a supervised goroutine under the given name. fn should
// run until ctx is cancelled; if it panics before ctx is done, the panic is
// treated as a crash and fn is restarted. If fn returns normally before ctx
// is done, it is not restarted.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go s.run(ctx, name, fn)
}

func (s *Supervisor) run(ctx context.Context, name string, fn func(ctx context.Context)) {
	defer s.wg.Done()

	var failures int
	windowStart := time.Now()

	for {
		crashed := s.runOnce(ctx, name, fn)
		if ctx.Err() != nil {
			return
		}
		if !crashed {
			// fn returned cleanly before ctx was cancelled: nothing more to
			// supervise.
			return
		}

		if time.Since(windowStart) > failureWindow {
			failures = 0
			windowStart = time.Now()
		}
		failures++
		if failures > maxConsecutiveFailures {
			s.logger.Error("task exceeded restart budget, giving up", "task", name, "failures", failures)
			s.triggerFatal(name)
			return
		}

		s.logger.Warn("restarting crashed task", "task", name, "attempt", failures, "delay", restartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// runOnce executes fn once, recovering a panic. It returns true if fn
// crashed (panicked) rather than returning normally.
func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(ctx context.Context)) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", name, "panic", r)
			crashed = true
		}
	}()
	fn(ctx)
	return false
}

func (s *Supervisor) triggerFatal(name string) {
	s.fatalOnce.Do(func() {
		s.mu.Lock()
		s.fatalErr = &fatalTaskError{task: name}
		s.mu.Unlock()
		close(s.fatalCh)
	})
}

// Fatal returns a channel that closes once a supervised task has exceeded
// its restart budget; the caller should treat this as exit code 3.
func (s *Supervisor) Fatal() <-chan struct{} { return s.fatalCh }

// FatalErr returns the error describing why Fatal fired, if it has.
func (s *Supervisor) FatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Wait blocks until every launched task has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

type fatalTaskError struct{ task string }

func (e *fatalTaskError) Error() string {
	return "task \"" + e.task + "\" exceeded its restart budget"
}
