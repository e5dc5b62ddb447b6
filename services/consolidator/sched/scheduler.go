// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/attico-ai/scriba/pkg/logging"
)

// Task is one unit of periodic work. A returned error is logged; it does
// not stop the scheduler.
type Task func(ctx context.Context) error

// Scheduler runs a Task at a fixed interval on a background goroutine.
//
// # Description
//
// Uses the ticker + done channel pattern: Start launches the loop, Stop
// signals it and returns after the in-flight cycle finishes. Cycles never
// overlap; a slow cycle delays the next tick rather than stacking.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	name     string
	interval time.Duration
	task     Task
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a scheduler that runs task every interval.
func NewScheduler(name string, interval time.Duration, task Task, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With("scheduler", name),
	}
}

// Start launches the background loop. Returns an error when already
// running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %q is already running", s.name)
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting", "interval", s.interval.String())

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("scheduler stopped")
}

// RunNow executes one cycle immediately, independent of the interval.
// Useful for tests and operator-triggered sweeps.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.task(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-done:
			return
		case <-ticker.C:
			if err := s.task(ctx); err != nil {
				s.logger.Error("scheduled cycle failed", "error", err)
			}
		}
	}
}
