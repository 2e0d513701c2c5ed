package service

import (
	"context"

	"habit-reminder/internal/model"
	"habit-reminder/internal/repository"
)

// HabitService provides helpers around the habit catalogue.
type HabitService struct {
	repo *repository.HabitRepository
}

func NewHabitService(repo *repository.HabitRepository) *HabitService {
	return &HabitService{repo: repo}
}

func (s *HabitService) Defaults(ctx context.Context) ([]model.DefaultHabit, error) {
	return s.repo.ListDefaults(ctx)
}

func (s *HabitService) Adopt(ctx context.Context, user *model.User, habitID uint) (*model.DefaultHabit, error) {
	habit, err := s.repo.FindDefault(ctx, habitID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.Adopt(ctx, user.ID, habit.ID); err != nil {
		return nil, err
	}
	return habit, nil
}

func (s *HabitService) Drop(ctx context.Context, user *model.User, habitID uint) error {
	return s.repo.Drop(ctx, user.ID, habitID)
}

func (s *HabitService) ListFor(ctx context.Context, user *model.User) ([]model.UserHabit, error) {
	return s.repo.ListByUser(ctx, user.ID)
}
