// Package scheduler runs periodic tasks, chiefly the update pipeline in
// daemon mode.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/driftwall/internal/clock"
	"grimm.is/driftwall/internal/logging"
)

// TaskFunc is a function that performs a scheduled task. It receives a
// context that is cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// IntervalSchedule runs a task at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an interval schedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

// Next returns the next run time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// Task represents a scheduled task.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool
	Timeout    time.Duration
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	tasks   map[string]*taskEntry
	mu      sync.RWMutex
	logger  *logging.Logger
	clock   clock.Clock
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task    *Task
	nextRun time.Time
}

// New creates a new scheduler.
func New(logger *logging.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*taskEntry),
		logger: logger.WithComponent("scheduler"),
		clock:  &clock.RealClock{},
	}
}

// SetClock replaces the time source (tests).
func (s *Scheduler) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// AddTask adds a task to the scheduler.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	s.tasks[task.ID] = &taskEntry{
		task:    task,
		nextRun: task.Schedule.Next(s.clock.Now()),
	}
	s.logger.Info("task added", "id", task.ID, "name", task.Name)
	return nil
}

// Start starts the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	s.logger.Info("scheduler started")

	s.mu.RLock()
	for _, entry := range s.tasks {
		if entry.task.RunOnStart {
			s.execute(entry)
		}
	}
	s.mu.RUnlock()

	s.wg.Add(1)
	go s.run()
}

// Stop stops the scheduler and waits for running tasks to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// run is the main scheduler loop.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := s.clock.Now()
			s.mu.Lock()
			var due []*taskEntry
			for _, entry := range s.tasks {
				if !entry.nextRun.IsZero() && !entry.nextRun.After(now) {
					due = append(due, entry)
					entry.nextRun = entry.task.Schedule.Next(now)
				}
			}
			s.mu.Unlock()

			for _, entry := range due {
				s.execute(entry)
			}
		}
	}
}

// execute runs one task synchronously with its timeout. Tasks run in the
// scheduler goroutine: cycles are short-lived and must not overlap.
func (s *Scheduler) execute(entry *taskEntry) {
	ctx := s.ctx
	cancel := context.CancelFunc(func() {})
	if entry.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, entry.task.Timeout)
	}
	defer cancel()

	start := s.clock.Now()
	err := entry.task.Func(ctx)
	elapsed := s.clock.Since(start)

	if err != nil {
		s.logger.Error("task failed", "id", entry.task.ID, "duration", elapsed.String(), "error", err)
	} else {
		s.logger.Debug("task complete", "id", entry.task.ID, "duration", elapsed.String())
	}
}
