// ABOUTME: Background task scheduler: delegations run once, scheduled tasks on cron
// ABOUTME: Polls the store, claims due tasks, and routes their prompts like inbound turns

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom-gateway/internal/store"
)

// TaskStore is the slice of storage the scheduler needs.
type TaskStore interface {
	ListTasks(ctx context.Context, status string, limit int) ([]*store.Task, error)
	UpdateTask(ctx context.Context, task *store.Task) error
}

// Runner executes one task's prompt inside its conversation.
type Runner interface {
	RunTask(ctx context.Context, task *store.Task) error
}

// ValidateSchedule reports whether expr is a usable cron expression.
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// Scheduler drives background tasks. Delegations run once as soon as they
// are picked up; scheduled tasks run whenever their cron expression fires.
// Tasks are claimed by flipping status to running before execution, so a
// crash leaves a visible stuck task instead of a silent double run.
type Scheduler struct {
	store  TaskStore
	runner Runner
	poll   time.Duration
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewScheduler(st TaskStore, runner Runner, poll time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Scheduler{
		store:  st,
		runner: runner,
		poll:   poll,
		logger: logger.With("component", "tasks"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
	s.logger.Info("task scheduler started", "poll_interval", s.poll)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// tick claims and runs every due pending task.
func (s *Scheduler) tick(ctx context.Context) {
	pending, err := s.store.ListTasks(ctx, store.TaskStatusPending, 0)
	if err != nil {
		s.logger.Error("listing pending tasks failed", "error", err)
		return
	}

	now := time.Now()
	for _, task := range pending {
		due, err := s.isDue(ctx, task, now)
		if err != nil {
			s.failTask(ctx, task, err)
			continue
		}
		if !due {
			continue
		}
		s.runOne(ctx, task)
	}
}

// isDue reports whether a pending task should run now. Delegations are
// always due; scheduled tasks are due once their next fire time has passed.
func (s *Scheduler) isDue(ctx context.Context, task *store.Task, now time.Time) (bool, error) {
	if task.Type == store.TaskTypeDelegation {
		return true, nil
	}

	if task.NextRunAt == nil {
		// First sighting of a scheduled task: anchor the schedule without
		// running immediately.
		sched, err := cron.ParseStandard(task.Schedule)
		if err != nil {
			return false, fmt.Errorf("invalid schedule %q: %w", task.Schedule, err)
		}
		next := sched.Next(now)
		task.NextRunAt = &next
		task.UpdatedAt = now
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return false, err
		}
		return false, nil
	}

	return !task.NextRunAt.After(now), nil
}

func (s *Scheduler) runOne(ctx context.Context, task *store.Task) {
	task.Status = store.TaskStatusRunning
	task.UpdatedAt = time.Now()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("claiming task failed", "task_id", task.ID, "error", err)
		return
	}

	s.logger.Info("running task", "task_id", task.ID, "type", task.Type)
	runErr := s.runner.RunTask(ctx, task)

	now := time.Now()
	task.LastRunAt = &now
	task.UpdatedAt = now
	if runErr != nil {
		task.LastError = runErr.Error()
	} else {
		task.LastError = ""
	}

	switch task.Type {
	case store.TaskTypeScheduled:
		// Scheduled tasks stay live: back to pending with the next fire
		// time, keeping LastError visible after a failed run.
		sched, err := cron.ParseStandard(task.Schedule)
		if err != nil {
			s.failTask(ctx, task, err)
			return
		}
		next := sched.Next(now)
		task.NextRunAt = &next
		task.Status = store.TaskStatusPending
	default:
		if runErr != nil {
			task.Status = store.TaskStatusFailed
		} else {
			task.Status = store.TaskStatusCompleted
		}
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("recording task result failed", "task_id", task.ID, "error", err)
	}
	if runErr != nil {
		s.logger.Warn("task run failed", "task_id", task.ID, "error", runErr)
	}
}

func (s *Scheduler) failTask(ctx context.Context, task *store.Task, cause error) {
	task.Status = store.TaskStatusFailed
	task.LastError = cause.Error()
	task.UpdatedAt = time.Now()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("marking task failed errored", "task_id", task.ID, "error", err)
	}
}
