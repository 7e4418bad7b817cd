// Package scheduler owns the named periodic tasks the trader runs at
// different periods. Each task carries a reentrancy guard: a cycle that
// outlives its period is skipped, never overlapped.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type TaskFunc func(ctx context.Context) error

type task struct {
	name    string
	every   time.Duration
	fn      TaskFunc
	running atomic.Bool
}

type Scheduler struct {
	log   *logrus.Entry
	tasks []*task
	wg    sync.WaitGroup
}

func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{log: logger.WithField("component", "scheduler")}
}

// Add registers a named periodic task. Must be called before Start.
func (s *Scheduler) Add(name string, every time.Duration, fn TaskFunc) {
	s.tasks = append(s.tasks, &task{name: name, every: every, fn: fn})
}

// Start launches one loop per task. Every task runs once immediately, then
// on its period, until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.log.WithField("tasks", len(s.tasks)).Info("Scheduler started")
}

// Wait blocks until all task loops have exited and every in-flight cycle
// has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	s.run(ctx, t)
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	if !t.running.CompareAndSwap(false, true) {
		s.log.WithField("task", t.name).Warn("Previous cycle still running, skipping tick")
		return
	}
	// The cycle goroutine joins the WaitGroup so Wait drains in-flight
	// cycles, not just the ticker loops.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.running.Store(false)
		started := time.Now()
		if err := t.fn(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).WithField("task", t.name).Error("Task cycle failed")
		}
		if elapsed := time.Since(started); elapsed > t.every {
			s.log.WithFields(logrus.Fields{
				"task":    t.name,
				"elapsed": elapsed,
			}).Warn("Task cycle outlived its period")
		}
	}()
}
