package model

import "time"

// DefaultHabit is a habit the bot can suggest to any user.
type DefaultHabit struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex"`
	Description string
	CreatedAt   time.Time
}

// UserHabit links a user to a habit they adopted.
type UserHabit struct {
	ID        uint `gorm:"primaryKey"`
	UserID    uint `gorm:"index:idx_user_habit,unique"`
	HabitID   uint `gorm:"index:idx_user_habit,unique"`
	CreatedAt time.Time
	Habit     DefaultHabit `gorm:"foreignKey:HabitID"`
}
