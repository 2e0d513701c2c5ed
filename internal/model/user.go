package model

import "time"

// User stores Telegram user metadata and the display timezone.
type User struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex"`
	FirstName  string
	LastName   string
	Username   string
	Timezone   string `gorm:"default:UTC"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
