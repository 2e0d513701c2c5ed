package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"habit-reminder/internal/model"
)

// HabitRepository manages the default habit catalogue and per-user adoption.
type HabitRepository struct {
	db *gorm.DB
}

func NewHabitRepository(db *gorm.DB) *HabitRepository {
	return &HabitRepository{db: db}
}

func (r *HabitRepository) ListDefaults(ctx context.Context) ([]model.DefaultHabit, error) {
	var habits []model.DefaultHabit
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&habits).Error; err != nil {
		return nil, err
	}
	return habits, nil
}

func (r *HabitRepository) FindDefault(ctx context.Context, habitID uint) (*model.DefaultHabit, error) {
	var habit model.DefaultHabit
	if err := r.db.WithContext(ctx).First(&habit, habitID).Error; err != nil {
		return nil, err
	}
	return &habit, nil
}

// Adopt links a habit to a user; adopting twice is a no-op.
func (r *HabitRepository) Adopt(ctx context.Context, userID, habitID uint) (*model.UserHabit, error) {
	db := r.db.WithContext(ctx)

	var existing model.UserHabit
	err := db.Where("user_id = ? AND habit_id = ?", userID, habitID).First(&existing).Error
	switch {
	case err == nil:
		return &existing, nil
	case err == gorm.ErrRecordNotFound:
		link := model.UserHabit{UserID: userID, HabitID: habitID}
		if err := db.Create(&link).Error; err != nil {
			return nil, fmt.Errorf("adopt habit: %w", err)
		}
		return &link, nil
	default:
		return nil, fmt.Errorf("find user habit: %w", err)
	}
}

func (r *HabitRepository) Drop(ctx context.Context, userID, habitID uint) error {
	if err := r.db.WithContext(ctx).Where("user_id = ? AND habit_id = ?", userID, habitID).
		Delete(&model.UserHabit{}).Error; err != nil {
		return fmt.Errorf("drop habit: %w", err)
	}
	return nil
}

func (r *HabitRepository) ListByUser(ctx context.Context, userID uint) ([]model.UserHabit, error) {
	var links []model.UserHabit
	if err := r.db.WithContext(ctx).Preload("Habit").
		Where("user_id = ?", userID).Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}
