// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package keepalive runs named periodic tasks that keep idle sessions from
// being timed out by their peers.
package keepalive

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensebridge",
		Name:      "keepalive_runs_total",
		Help:      "Total keepalive task invocations",
	}, []string{"task"})

	taskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensebridge",
		Name:      "keepalive_failures_total",
		Help:      "Total keepalive task invocations that returned an error or panicked",
	}, []string{"task"})
)

// Action is one invocation of a periodic task. The context is cancelled when
// the task is cancelled.
type Action func(ctx context.Context) error

type task struct {
	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// stop marks the task stopped. Once stop returns, the task never starts
// another invocation.
func (t *task) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
}

func (t *task) shouldFire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// Scheduler runs independent periodic tasks identified by name.
//
// Every invocation is fire-and-forget: errors and panics are logged and
// counted but never stop the schedule. Starting a task under a name that is
// already running replaces the previous instance.
type Scheduler struct {
	log zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:   log.With().Str("component", "keepalive").Logger(),
		tasks: make(map[string]*task),
	}
}

// Start schedules action to run after initialDelay and then every period,
// measured from the end of the previous invocation. A period <= 0 runs the
// action once. Any running task with the same id is cancelled first.
func (s *Scheduler) Start(id string, initialDelay, period time.Duration, action Action) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel}

	s.mu.Lock()
	if old, ok := s.tasks[id]; ok {
		old.stop()
	}
	s.tasks[id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug().
		Str("task", id).
		Dur("initial_delay", initialDelay).
		Dur("period", period).
		Msg("Starting keepalive task")
	go s.run(ctx, t, id, initialDelay, period, action)
}

// Cancel stops the named task. It is a no-op if the task is not running.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if ok {
		t.stop()
		s.log.Debug().Str("task", id).Msg("Cancelled keepalive task")
	}
}

// CancelAll stops every task. It is safe to call when nothing is running.
// When it returns no task will start another invocation; an invocation that
// is already executing sees its context cancelled and is left to finish.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()
	for _, t := range tasks {
		t.stop()
	}
	if len(tasks) > 0 {
		s.log.Debug().Int("count", len(tasks)).Msg("Cancelled all keepalive tasks")
	}
}

// Running returns the ids of the scheduled tasks in sorted order.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Wait blocks until every task goroutine, including cancelled ones still
// finishing an invocation, has exited. It must not be called from inside an
// action.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, t *task, id string, initialDelay, period time.Duration, action Action) {
	defer s.wg.Done()
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !t.shouldFire() {
			return
		}
		s.invoke(ctx, id, action)
		if period <= 0 {
			s.mu.Lock()
			if s.tasks[id] == t {
				delete(s.tasks, id)
			}
			s.mu.Unlock()
			return
		}
		timer.Reset(period)
	}
}

func (s *Scheduler) invoke(ctx context.Context, id string, action Action) {
	taskRuns.WithLabelValues(id).Inc()
	defer func() {
		if r := recover(); r != nil {
			taskFailures.WithLabelValues(id).Inc()
			s.log.Error().
				Str("task", id).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("Keepalive task panicked")
		}
	}()
	if err := action(ctx); err != nil {
		taskFailures.WithLabelValues(id).Inc()
		s.log.Warn().Err(err).Str("task", id).Msg("Keepalive task failed")
	}
}
