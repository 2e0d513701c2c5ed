package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"habit-reminder/internal/model"
	"habit-reminder/internal/repository"
)

// TaskInput represents data required to create a task.
type TaskInput struct {
	Description string
	DueAt       *time.Time // UTC
	Frequency   model.Frequency
}

// CreateResult carries the created task plus the outcome of its reminder
// scheduling. A non-nil ReminderErr means the task exists but its
// reminder could not be registered (degraded, not failed).
type CreateResult struct {
	Task        *model.Task
	ReminderErr error
}

// TaskService wraps task business logic and keeps the scheduler in sync
// with every task mutation. Orchestrator calls happen synchronously in
// the same logical operation as the storage write — never deferred.
type TaskService struct {
	tasks     *repository.TaskRepository
	reminders *ReminderService
	log       zerolog.Logger
}

func NewTaskService(tasks *repository.TaskRepository, reminders *ReminderService, log zerolog.Logger) *TaskService {
	return &TaskService{
		tasks:     tasks,
		reminders: reminders,
		log:       log.With().Str("component", "tasks").Logger(),
	}
}

func (s *TaskService) CreateTask(ctx context.Context, user *model.User, input TaskInput) (*CreateResult, error) {
	if input.Description == "" {
		return nil, fmt.Errorf("description is required")
	}

	freq := input.Frequency
	if freq == "" {
		freq = model.FrequencyOnce
	}

	task := model.Task{
		UserID:      user.ID,
		Description: input.Description,
		DueAt:       normalizeUTC(input.DueAt),
		Frequency:   freq,
	}

	if err := s.tasks.Create(ctx, &task); err != nil {
		return nil, err
	}

	res := &CreateResult{Task: &task}
	if task.DueAt != nil {
		res.ReminderErr = s.schedule(ctx, task.ID, freq)
		if res.ReminderErr != nil {
			s.log.Error().Err(res.ReminderErr).Uint("task", task.ID).
				Msg("task created but reminder scheduling failed")
		}
	}
	return res, nil
}

// Reschedule changes a task's due instant and/or frequency. The old job
// is removed and a fresh one registered; jobs are replaced, never patched.
func (s *TaskService) Reschedule(ctx context.Context, user *model.User, taskID uint, dueAt *time.Time, freq model.Frequency) (*CreateResult, error) {
	task, err := s.tasks.FindByUser(ctx, user.ID, taskID)
	if err != nil {
		return nil, err
	}

	task.DueAt = normalizeUTC(dueAt)
	task.Frequency = freq
	if err := s.tasks.UpdateSchedule(ctx, task); err != nil {
		return nil, err
	}

	if err := s.reminders.Cancel(ctx, task.ID); err != nil {
		return nil, err
	}

	res := &CreateResult{Task: task}
	if task.DueAt != nil && !task.Completed {
		res.ReminderErr = s.schedule(ctx, task.ID, freq)
	}
	return res, nil
}

// CompleteTask marks a task done and retires its jobs. Completing a
// recurring task is an explicit user decision; the scheduler itself
// never does it.
func (s *TaskService) CompleteTask(ctx context.Context, user *model.User, taskID uint) (*model.Task, error) {
	task, err := s.tasks.FindByUser(ctx, user.ID, taskID)
	if err != nil {
		return nil, err
	}

	if _, err := s.tasks.MarkCompleted(ctx, task.ID); err != nil {
		return nil, err
	}
	task.Completed = true

	if err := s.reminders.Cancel(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes a task and all of its jobs.
func (s *TaskService) DeleteTask(ctx context.Context, user *model.User, taskID uint) error {
	if err := s.tasks.Delete(ctx, user.ID, taskID); err != nil {
		return err
	}
	return s.reminders.Cancel(ctx, taskID)
}

func (s *TaskService) ListActive(ctx context.Context, user *model.User) ([]model.Task, error) {
	return s.tasks.ListActiveByUser(ctx, user.ID)
}

func (s *TaskService) GetTask(ctx context.Context, user *model.User, taskID uint) (*model.Task, error) {
	return s.tasks.FindByUser(ctx, user.ID, taskID)
}

func (s *TaskService) schedule(ctx context.Context, taskID uint, freq model.Frequency) error {
	if freq.IsRecurring() {
		return s.reminders.ScheduleRecurring(ctx, taskID, freq)
	}
	return s.reminders.ScheduleOnce(ctx, taskID)
}

func normalizeUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
