package repository

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"habit-reminder/internal/model"
)

// NewDB opens a SQLite database, runs migrations and seeds the default
// habit catalogue.
func NewDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "habit_reminder.db"
	}

	if err := ensureDirForSQLite(dsn); err != nil {
		return nil, err
	}

	dbLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: dbLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.AutoMigrate(
		&model.User{},
		&model.Task{},
		&model.DefaultHabit{},
		&model.UserHabit{},
		&JobRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate db: %w", err)
	}

	if err := seedDefaultHabits(db); err != nil {
		return nil, fmt.Errorf("seed habits: %w", err)
	}

	return db, nil
}

// seedDefaultHabits inserts the suggested habit catalogue once.
func seedDefaultHabits(db *gorm.DB) error {
	defaults := []model.DefaultHabit{
		{Name: "Выпить стакан воды", Description: "Стакан воды сразу после пробуждения"},
		{Name: "Зарядка", Description: "10 минут разминки утром"},
		{Name: "Чтение", Description: "20 минут чтения перед сном"},
		{Name: "Прогулка", Description: "30 минут на свежем воздухе"},
		{Name: "Планирование дня", Description: "Записать три главные задачи на завтра"},
	}

	for _, habit := range defaults {
		var existing model.DefaultHabit
		err := db.Where("name = ?", habit.Name).First(&existing).Error
		switch {
		case err == nil:
			continue
		case err == gorm.ErrRecordNotFound:
			if err := db.Create(&habit).Error; err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// ensureDirForSQLite creates parent dir for SQLite file if needed.
func ensureDirForSQLite(dsn string) error {
	// Ignore DSNs with explicit mode=memory or network.
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	// Strip file: prefix if present.
	clean := strings.TrimPrefix(dsn, "file:")
	clean = strings.Split(clean, "?")[0]
	dir := filepath.Dir(clean)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create db dir %q: %w", dir, err)
	}
	return nil
}
