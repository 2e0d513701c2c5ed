package model

import (
	"fmt"
	"strings"
	"time"
)

// Frequency describes how often a task's reminder repeats.
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// ParseFrequency validates a user-supplied frequency string. An empty
// string means a one-time task.
func ParseFrequency(raw string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(raw))) {
	case FrequencyOnce, "":
		return FrequencyOnce, nil
	case FrequencyDaily:
		return FrequencyDaily, nil
	case FrequencyWeekly:
		return FrequencyWeekly, nil
	case FrequencyMonthly:
		return FrequencyMonthly, nil
	case FrequencyYearly:
		return FrequencyYearly, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", raw)
	}
}

// IsRecurring reports whether the frequency describes a repeating reminder.
func (f Frequency) IsRecurring() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// Task represents a single item created by a user.
// DueAt is always stored normalized to UTC; nil means no reminder.
type Task struct {
	ID          uint `gorm:"primaryKey"`
	UserID      uint `gorm:"index"`
	Description string
	DueAt       *time.Time
	Frequency   Frequency `gorm:"default:once"`
	Completed   bool      `gorm:"default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	User        User
}
