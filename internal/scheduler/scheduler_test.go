package scheduler

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"grimm.is/driftwall/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func TestIntervalScheduleNext(t *testing.T) {
	s := Every(5 * time.Minute)
	after := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	want := after.Add(5 * time.Minute)
	if got := s.Next(after); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestAddTaskValidation(t *testing.T) {
	s := New(testLogger())

	if err := s.AddTask(&Task{}); err == nil {
		t.Error("expected error for missing ID")
	}
	if err := s.AddTask(&Task{ID: "t"}); err == nil {
		t.Error("expected error for missing schedule")
	}
	if err := s.AddTask(&Task{ID: "t", Schedule: Every(time.Minute)}); err == nil {
		t.Error("expected error for missing func")
	}

	task := &Task{
		ID:       "t",
		Schedule: Every(time.Minute),
		Func:     func(ctx context.Context) error { return nil },
	}
	if err := s.AddTask(task); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := s.AddTask(task); err == nil {
		t.Error("expected error for duplicate ID")
	}
}

func TestRunOnStart(t *testing.T) {
	s := New(testLogger())

	var runs atomic.Int32
	err := s.AddTask(&Task{
		ID:         "cycle",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("task did not run on start")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(testLogger())
	s.Start()
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler still running after Stop")
	}
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	s := New(testLogger())

	done := make(chan struct{})
	err := s.AddTask(&Task{
		ID:         "slow",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Timeout:    20 * time.Millisecond,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			close(done)
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not cancelled by timeout")
	}
}
