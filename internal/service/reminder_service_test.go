package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"habit-reminder/internal/model"
	"habit-reminder/internal/repository"
	"habit-reminder/internal/scheduler"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeSender) SendMessage(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	db     *gorm.DB
	tasks  *repository.TaskRepository
	users  *repository.UserRepository
	core   *scheduler.Core
	svc    *ReminderService
	sender *fakeSender
	user   *model.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := repository.NewDB(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	taskRepo := repository.NewTaskRepository(db)
	userRepo := repository.NewUserRepository(db)
	core := scheduler.New(repository.NewJobStore(db), time.UTC, scheduler.Config{}, zerolog.Nop())

	svc := NewReminderService(taskRepo, core, zerolog.Nop())
	sender := &fakeSender{}
	svc.SetSender(sender)

	user, err := userRepo.UpsertFromTelegram(context.Background(), 777, "Test", "", "test")
	require.NoError(t, err)

	return &harness{db: db, tasks: taskRepo, users: userRepo, core: core, svc: svc, sender: sender, user: user}
}

func (h *harness) createTask(t *testing.T, dueAt *time.Time, freq model.Frequency) *model.Task {
	t.Helper()
	task := &model.Task{
		UserID:      h.user.ID,
		Description: "полить цветы",
		DueAt:       dueAt,
		Frequency:   freq,
	}
	require.NoError(t, h.tasks.Create(context.Background(), task))
	return task
}

func (h *harness) jobIDs(t *testing.T) []string {
	t.Helper()
	jobs, err := h.core.ListAll(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func futureUTC(d time.Duration) *time.Time {
	at := time.Now().Add(d).UTC().Truncate(time.Second)
	return &at
}

func pastUTC(d time.Duration) *time.Time {
	at := time.Now().Add(-d).UTC().Truncate(time.Second)
	return &at
}

func TestScheduleOnceRegistersJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, futureUTC(48*time.Hour), model.FrequencyOnce)
	require.NoError(t, h.svc.ScheduleOnce(ctx, task.ID))

	job, err := h.core.Get(ctx, InstantJobID(task.ID))
	require.NoError(t, err)
	require.True(t, job.NextFireAt.Equal(*task.DueAt))
	require.Equal(t, h.user.TelegramID, job.Payload.ChatID)
	require.Contains(t, job.Payload.Message, "полить цветы")
}

func TestScheduleOncePastDueIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, pastUTC(time.Hour), model.FrequencyOnce)
	require.NoError(t, h.svc.ScheduleOnce(ctx, task.ID), "past due is a policy skip, not an error")
	require.Empty(t, h.jobIDs(t))
}

func TestScheduleOnceValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	noDue := h.createTask(t, nil, model.FrequencyOnce)
	require.Error(t, h.svc.ScheduleOnce(ctx, noDue.ID))

	recurring := h.createTask(t, futureUTC(time.Hour), model.FrequencyDaily)
	require.Error(t, h.svc.ScheduleOnce(ctx, recurring.ID))

	require.Empty(t, h.jobIDs(t))
}

func TestScheduleRecurringReplacesNotStacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, futureUTC(time.Hour), model.FrequencyWeekly)
	require.NoError(t, h.svc.ScheduleRecurring(ctx, task.ID, model.FrequencyWeekly))
	require.NoError(t, h.svc.ScheduleRecurring(ctx, task.ID, model.FrequencyDaily))

	ids := h.jobIDs(t)
	require.Equal(t, []string{RecurringJobID(task.ID, model.FrequencyDaily)}, ids)
}

func TestScheduleRecurringPastAnchorStillSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A past anchor date does not prevent scheduling: only the
	// repeating pattern matters going forward.
	task := h.createTask(t, pastUTC(72*time.Hour), model.FrequencyDaily)
	require.NoError(t, h.svc.ScheduleRecurring(ctx, task.ID, model.FrequencyDaily))

	job, err := h.core.Get(ctx, RecurringJobID(task.ID, model.FrequencyDaily))
	require.NoError(t, err)
	require.True(t, job.NextFireAt.After(time.Now()))
}

func TestCancelIsTotal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	once := h.createTask(t, futureUTC(time.Hour), model.FrequencyOnce)
	require.NoError(t, h.svc.ScheduleOnce(ctx, once.ID))

	rec := h.createTask(t, futureUTC(time.Hour), model.FrequencyMonthly)
	require.NoError(t, h.svc.ScheduleRecurring(ctx, rec.ID, model.FrequencyMonthly))

	require.NoError(t, h.svc.Cancel(ctx, once.ID))
	require.NoError(t, h.svc.Cancel(ctx, rec.ID))

	require.Empty(t, h.jobIDs(t))
}

func TestRestoreAllIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createTask(t, futureUTC(48*time.Hour), model.FrequencyOnce)
	h.createTask(t, futureUTC(2*time.Hour), model.FrequencyWeekly)
	h.createTask(t, pastUTC(time.Hour), model.FrequencyDaily) // recurring with past anchor still restores

	require.NoError(t, h.svc.RestoreAll(ctx))
	first, err := h.core.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, first, 3)

	require.NoError(t, h.svc.RestoreAll(ctx))
	second, err := h.core.ListAll(ctx)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	firstByID := make(map[string]time.Time, len(first))
	for _, j := range first {
		firstByID[j.ID] = j.NextFireAt
	}
	for _, j := range second {
		at, ok := firstByID[j.ID]
		require.True(t, ok, "job %s appeared only on second restore", j.ID)
		require.True(t, j.NextFireAt.Equal(at), "job %s changed fire time across restores", j.ID)
	}
}

func TestRestoreAllDropsStaleJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A leftover job for a task that no longer exists must not survive
	// the wipe-and-rebuild.
	require.NoError(t, h.core.Add(ctx, "instant_reminder_9999",
		scheduler.Once(time.Now().Add(time.Hour)), scheduler.Payload{TaskID: 9999}))

	require.NoError(t, h.svc.RestoreAll(ctx))
	require.Empty(t, h.jobIDs(t))
}

func TestRestoreSkipsCompletedAndPastOneShots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	past := h.createTask(t, pastUTC(time.Hour), model.FrequencyOnce)
	done := h.createTask(t, futureUTC(time.Hour), model.FrequencyOnce)
	_, err := h.tasks.MarkCompleted(ctx, done.ID)
	require.NoError(t, err)
	live := h.createTask(t, futureUTC(time.Hour), model.FrequencyOnce)

	require.NoError(t, h.svc.RestoreAll(ctx))

	ids := h.jobIDs(t)
	require.Equal(t, []string{InstantJobID(live.ID)}, ids)
	require.NotContains(t, ids, InstantJobID(past.ID))
	require.NotContains(t, ids, InstantJobID(done.ID))
}

func TestDeliverOneShotAutoRetires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, futureUTC(time.Hour), model.FrequencyOnce)
	require.NoError(t, h.svc.ScheduleOnce(ctx, task.ID))

	job, err := h.core.Get(ctx, InstantJobID(task.ID))
	require.NoError(t, err)

	require.NoError(t, h.svc.Deliver(ctx, *job))
	require.Equal(t, 1, h.sender.count())

	reloaded, err := h.tasks.FindByID(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, reloaded.Completed, "one-shot task must be auto-completed after delivery")
	require.Empty(t, h.jobIDs(t), "one-shot job must be retired after delivery")
}

func TestDeliverRecurringNeverCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, futureUTC(time.Hour), model.FrequencyDaily)
	require.NoError(t, h.svc.ScheduleRecurring(ctx, task.ID, model.FrequencyDaily))

	job, err := h.core.Get(ctx, RecurringJobID(task.ID, model.FrequencyDaily))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.svc.Deliver(ctx, *job))
	}
	require.Equal(t, 5, h.sender.count())

	reloaded, err := h.tasks.FindByID(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, reloaded.Completed, "recurring tasks are never auto-completed")

	_, err = h.core.Get(ctx, RecurringJobID(task.ID, model.FrequencyDaily))
	require.NoError(t, err, "recurring job must stay registered")
}

func TestDeliverOrphanedJobCleansUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := scheduler.Job{
		ID:      InstantJobID(4242),
		Trigger: scheduler.Once(time.Now().Add(time.Hour)),
		Payload: scheduler.Payload{TaskID: 4242, ChatID: h.user.TelegramID, Message: "призрак"},
	}
	require.NoError(t, h.core.Add(ctx, job.ID, job.Trigger, job.Payload))

	require.NoError(t, h.svc.Deliver(ctx, job), "missing task is a cleanup signal, not an error")
	require.Empty(t, h.jobIDs(t))
}

func TestDeliverSendFailureClassified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, futureUTC(time.Hour), model.FrequencyOnce)
	require.NoError(t, h.svc.ScheduleOnce(ctx, task.ID))
	job, err := h.core.Get(ctx, InstantJobID(task.ID))
	require.NoError(t, err)

	h.sender.fail = true
	err = h.svc.Deliver(ctx, *job)
	require.ErrorIs(t, err, ErrSendFailed)

	// A failed send must not mark the task completed.
	reloaded, err := h.tasks.FindByID(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, reloaded.Completed)
}

func TestReminderTextUsesUserTimezone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.users.SetTimezone(ctx, h.user.ID, "America/Argentina/Salta"))

	due := time.Date(2030, 3, 11, 12, 0, 0, 0, time.UTC) // 09:00 in Salta
	task := h.createTask(t, &due, model.FrequencyOnce)
	require.NoError(t, h.svc.ScheduleOnce(ctx, task.ID))

	job, err := h.core.Get(ctx, InstantJobID(task.ID))
	require.NoError(t, err)
	require.Contains(t, job.Payload.Message, "11.03.2030 09:00")
}
