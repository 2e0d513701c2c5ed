package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"habit-reminder/internal/model"
)

// TaskRepository handles CRUD for tasks.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// FindByID loads a task with its owner, independent of scope. Used by the
// scheduler side, which is why the owner is always preloaded.
func (r *TaskRepository) FindByID(ctx context.Context, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Preload("User").First(&task, taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// FindByUser loads a task scoped to its owner. Used by the bot layer.
func (r *TaskRepository) FindByUser(ctx context.Context, userID, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Preload("User").
		Where("user_id = ? AND id = ?", userID, taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) ListActiveByUser(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND completed = ?", userID, false).
		Order("due_at NULLS LAST, created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListPendingOneShot returns incomplete one-time tasks whose due instant
// is strictly after the given moment.
func (r *TaskRepository) ListPendingOneShot(ctx context.Context, after time.Time) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).Preload("User").
		Where("completed = ? AND due_at IS NOT NULL AND due_at > ?", false, after.UTC()).
		Where("frequency = ? OR frequency = ''", model.FrequencyOnce).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list pending one-shot tasks: %w", err)
	}
	return tasks, nil
}

// ListPendingRecurring returns incomplete recurring tasks regardless of
// whether their original due instant has passed.
func (r *TaskRepository) ListPendingRecurring(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).Preload("User").
		Where("completed = ? AND due_at IS NOT NULL", false).
		Where("frequency IN ?", []model.Frequency{
			model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly, model.FrequencyYearly,
		}).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list pending recurring tasks: %w", err)
	}
	return tasks, nil
}

// MarkCompleted sets the completed flag and reports whether a row changed.
func (r *TaskRepository) MarkCompleted(ctx context.Context, taskID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).
		Update("completed", true)
	if res.Error != nil {
		return false, fmt.Errorf("complete task: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateSchedule persists a changed due instant and frequency.
func (r *TaskRepository) UpdateSchedule(ctx context.Context, task *model.Task) error {
	err := r.db.WithContext(ctx).Model(task).
		Select("due_at", "frequency").
		Updates(map[string]interface{}{"due_at": task.DueAt, "frequency": task.Frequency}).Error
	if err != nil {
		return fmt.Errorf("update task schedule: %w", err)
	}
	return nil
}

// Delete removes a task for the given user, recurring or not.
func (r *TaskRepository) Delete(ctx context.Context, userID, taskID uint) error {
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).
		Delete(&model.Task{}).Error; err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
