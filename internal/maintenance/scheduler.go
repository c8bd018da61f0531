// Package maintenance runs the process-wide housekeeping task.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"go.uber.org/zap"
)

// Task is one housekeeping pass. It must not keep state across calls.
type Task func(ctx context.Context) error

// Scheduler runs a Task periodically, independent of any connection
type Scheduler struct {
	interval    time.Duration
	tickTimeout time.Duration
	task        Task

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. tickTimeout bounds a single run; zero means interval.
func New(interval, tickTimeout time.Duration, task Task) *Scheduler {
	if tickTimeout <= 0 {
		tickTimeout = interval
	}
	return &Scheduler{
		interval:    interval,
		tickTimeout: tickTimeout,
		task:        task,
	}
}

// Start launches the ticker loop. It is a no-op after the first call.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	logger.L.Info("maintenance scheduler started",
		zap.Duration("interval", s.interval),
	)
}

// Stop cancels the loop and waits for an in-flight tick to return. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.L.Info("maintenance scheduler stopped")
}

// runOnce runs the task under a timeout. Errors and panics are logged and
// counted; they never stop later ticks.
func (s *Scheduler) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	start := time.Now()
	err := s.safeRun(ctx)
	if err != nil {
		metrics.MaintenanceTicks.WithLabelValues("error").Inc()
		logger.L.Error("maintenance tick failed",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	metrics.MaintenanceTicks.WithLabelValues("success").Inc()
}

func (s *Scheduler) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("maintenance task panicked: %v", r)
		}
	}()
	return s.task(ctx)
}
