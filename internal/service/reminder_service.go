package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"habit-reminder/internal/model"
	"habit-reminder/internal/repository"
	"habit-reminder/internal/scheduler"
)

// Delivery failure classes. Send failures are best-effort (logged, never
// retried); storage failures after a successful send risk task/job state
// divergence and are surfaced loudly.
var (
	ErrSendFailed    = errors.New("reminder send failed")
	ErrStorageFailed = errors.New("task storage update failed")
)

// MessageSender delivers a text to a chat. Implemented by the bot layer.
type MessageSender interface {
	SendMessage(chatID int64, text string) error
}

// InstantJobID is the stable job id of a task's one-shot reminder.
func InstantJobID(taskID uint) string {
	return fmt.Sprintf("instant_reminder_%d", taskID)
}

// RecurringJobID is the stable job id of a task's recurring reminder.
func RecurringJobID(taskID uint, freq model.Frequency) string {
	return fmt.Sprintf("recurring_task_%d_%s", taskID, freq)
}

// recurringJobPrefix matches every recurring job of a task, whatever its
// current frequency. The trailing underscore keeps task 42 from
// matching task 421.
func recurringJobPrefix(taskID uint) string {
	return fmt.Sprintf("recurring_task_%d_", taskID)
}

// ReminderService maps task lifecycle events to scheduler operations and
// carries the delivery callback. The job set it maintains is always
// derivable from current task state alone.
type ReminderService struct {
	tasks  *repository.TaskRepository
	core   *scheduler.Core
	sender MessageSender
	loc    *time.Location
	log    zerolog.Logger
}

func NewReminderService(tasks *repository.TaskRepository, core *scheduler.Core, log zerolog.Logger) *ReminderService {
	return &ReminderService{
		tasks: tasks,
		core:  core,
		loc:   core.Location(),
		log:   log.With().Str("component", "reminders").Logger(),
	}
}

// SetSender wires the outgoing transport. The bot is built after this
// service, so the dependency is injected late.
func (s *ReminderService) SetSender(sender MessageSender) {
	s.sender = sender
}

// ScheduleOnce registers the one-shot reminder for a task. A due instant
// that is not strictly in the future is skipped on purpose: back-dated
// tasks entered for record-keeping must not fire immediately.
func (s *ReminderService) ScheduleOnce(ctx context.Context, taskID uint) error {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.DueAt == nil {
		s.log.Warn().Uint("task", taskID).Msg("one-shot schedule requested for task without due date")
		return fmt.Errorf("task %d has no due date", taskID)
	}
	if task.Completed {
		s.log.Warn().Uint("task", taskID).Msg("one-shot schedule requested for completed task")
		return fmt.Errorf("task %d is already completed", taskID)
	}
	if task.Frequency.IsRecurring() {
		s.log.Warn().Uint("task", taskID).Str("frequency", string(task.Frequency)).
			Msg("one-shot schedule requested for recurring task")
		return fmt.Errorf("task %d is recurring", taskID)
	}

	if !task.DueAt.After(time.Now()) {
		s.log.Debug().Uint("task", taskID).Time("due_at", *task.DueAt).
			Msg("due instant already passed, skipping one-shot reminder")
		return nil
	}

	payload := scheduler.Payload{
		TaskID:  task.ID,
		ChatID:  task.User.TelegramID,
		Message: s.reminderText(task, false),
	}
	if err := s.core.Add(ctx, InstantJobID(task.ID), scheduler.Once(*task.DueAt), payload); err != nil {
		return fmt.Errorf("register one-shot job for task %d: %w", taskID, err)
	}
	s.log.Info().Uint("task", taskID).Time("due_at", *task.DueAt).Msg("one-shot reminder scheduled")
	return nil
}

// ScheduleRecurring registers the cyclical reminder for a task. Any
// previous recurring job of the task is removed first, so a frequency
// change replaces the job instead of stacking a second one.
func (s *ReminderService) ScheduleRecurring(ctx context.Context, taskID uint, freq model.Frequency) error {
	if !freq.IsRecurring() {
		s.log.Warn().Uint("task", taskID).Str("frequency", string(freq)).
			Msg("recurring schedule requested with non-recurring frequency")
		return fmt.Errorf("frequency %q is not recurring", freq)
	}

	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.DueAt == nil {
		s.log.Warn().Uint("task", taskID).Msg("recurring schedule requested for task without due date")
		return fmt.Errorf("task %d has no due date", taskID)
	}

	// Cyclical fields come from the due instant converted into the
	// scheduler timezone, not the user's.
	local := task.DueAt.In(s.loc)
	spec, err := scheduler.SpecFor(freq, local)
	if err != nil {
		return err
	}

	if _, err := s.core.RemoveByPrefix(ctx, recurringJobPrefix(taskID)); err != nil {
		return fmt.Errorf("remove previous recurring jobs for task %d: %w", taskID, err)
	}

	payload := scheduler.Payload{
		TaskID:  task.ID,
		ChatID:  task.User.TelegramID,
		Message: s.reminderText(task, true),
	}
	if err := s.core.Add(ctx, RecurringJobID(taskID, freq), scheduler.Cron(spec), payload); err != nil {
		return fmt.Errorf("register recurring job for task %d: %w", taskID, err)
	}
	s.log.Info().Uint("task", taskID).Str("frequency", string(freq)).Str("spec", spec).
		Msg("recurring reminder scheduled")
	return nil
}

// Cancel removes every job the task may own: the one-shot reminder and
// any recurring job left by earlier frequency changes. Safe while a
// delivery is in flight; removal only affects future firings.
func (s *ReminderService) Cancel(ctx context.Context, taskID uint) error {
	if err := s.core.Remove(ctx, InstantJobID(taskID)); err != nil {
		return fmt.Errorf("cancel one-shot job for task %d: %w", taskID, err)
	}
	if _, err := s.core.RemoveByPrefix(ctx, recurringJobPrefix(taskID)); err != nil {
		return fmt.Errorf("cancel recurring jobs for task %d: %w", taskID, err)
	}
	return nil
}

// RestoreAll reconciles the job store with the task table on boot: wipe
// everything, then re-derive the job set from incomplete tasks. The
// result depends only on current task state, which makes restarts
// idempotent. Listing failures are fatal; a single task failing to
// schedule only skips that task.
func (s *ReminderService) RestoreAll(ctx context.Context) error {
	if err := s.core.Clear(ctx); err != nil {
		return fmt.Errorf("wipe job store: %w", err)
	}

	now := time.Now()

	oneShot, err := s.tasks.ListPendingOneShot(ctx, now)
	if err != nil {
		return err
	}
	for _, task := range oneShot {
		if task.User.TelegramID == 0 {
			s.log.Warn().Uint("task", task.ID).Msg("skipping restore, task has no delivery address")
			continue
		}
		if err := s.ScheduleOnce(ctx, task.ID); err != nil {
			s.log.Error().Err(err).Uint("task", task.ID).Msg("restore of one-shot reminder failed")
		}
	}

	recurring, err := s.tasks.ListPendingRecurring(ctx)
	if err != nil {
		return err
	}
	for _, task := range recurring {
		if task.User.TelegramID == 0 {
			s.log.Warn().Uint("task", task.ID).Msg("skipping restore, task has no delivery address")
			continue
		}
		if err := s.ScheduleRecurring(ctx, task.ID, task.Frequency); err != nil {
			s.log.Error().Err(err).Uint("task", task.ID).Msg("restore of recurring reminder failed")
		}
	}

	s.log.Info().Int("one_shot", len(oneShot)).Int("recurring", len(recurring)).
		Msg("job set restored from task table")
	return nil
}

// Deliver is the scheduler's delivery callback. After a successful send
// it re-reads the task, because authoritative state may have changed
// since the job was registered.
func (s *ReminderService) Deliver(ctx context.Context, job scheduler.Job) error {
	if s.sender == nil {
		return fmt.Errorf("%w: no sender configured", ErrSendFailed)
	}
	if err := s.sender.SendMessage(job.Payload.ChatID, job.Payload.Message); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	task, err := s.tasks.FindByID(ctx, job.Payload.TaskID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Task deleted while the job was in flight: clean up any jobs
		// that survived the deletion.
		s.log.Warn().Uint("task", job.Payload.TaskID).Str("job", job.ID).
			Msg("task gone at delivery time, cancelling orphaned jobs")
		if err := s.Cancel(ctx, job.Payload.TaskID); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailed, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}

	// Recurring tasks are never auto-completed: the job stays registered
	// for its next occurrence and there is nothing else to do.
	if task.Frequency.IsRecurring() {
		return nil
	}

	if !task.Completed {
		if _, err := s.tasks.MarkCompleted(ctx, task.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailed, err)
		}
		s.log.Info().Uint("task", task.ID).Msg("one-shot task auto-completed after delivery")
	}
	// The core retires one-shot jobs on its own; this keeps the
	// orchestrator's bookkeeping in agreement even so.
	if err := s.Cancel(ctx, task.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return nil
}

// reminderText renders the notification, with the due time shown in the
// user's timezone. An invalid stored zone falls back to UTC with a log
// line.
func (s *ReminderService) reminderText(task *model.Task, recurring bool) string {
	when := "N/A"
	if task.DueAt != nil {
		loc, err := ResolveTimezone(task.User.Timezone)
		if err != nil {
			s.log.Warn().Err(err).Uint("task", task.ID).Msg("stored timezone invalid, falling back to UTC")
			loc = time.UTC
		}
		when = task.DueAt.In(loc).Format("02.01.2006 15:04 MST")
	}
	if recurring {
		return fmt.Sprintf("🔔 Регулярное напоминание: пора заняться «%s»!\nЗапланировано на: %s.", task.Description, when)
	}
	return fmt.Sprintf("⏰ Напоминание: пора заняться «%s»!\nЗапланировано на: %s.", task.Description, when)
}
