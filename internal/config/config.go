package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config keeps runtime settings for the bot.
type Config struct {
	TelegramToken string
	DatabaseURL   string

	// SchedulerTimezone is the single IANA zone all cyclical trigger
	// arithmetic runs in. User timezones only affect display.
	SchedulerTimezone string

	// MisfireGrace bounds how late a missed fire may still be delivered.
	MisfireGrace time.Duration

	// DeliveryWorkers bounds concurrent reminder deliveries.
	DeliveryWorkers int

	LogLevel string
}

// Load reads configuration from the environment (and an optional .env
// file) with sane defaults.
func Load() (Config, error) {
	// Missing .env is fine, variables may come from the real environment.
	_ = godotenv.Load()

	cfg := Config{
		TelegramToken:     strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SchedulerTimezone: strings.TrimSpace(os.Getenv("SCHEDULER_TIMEZONE")),
		MisfireGrace:      parseMinutes(os.Getenv("MISFIRE_GRACE_MINUTES")),
		DeliveryWorkers:   parseInt(os.Getenv("DELIVERY_WORKERS")),
		LogLevel:          strings.TrimSpace(os.Getenv("LOG_LEVEL")),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "habit_reminder.db"
	}
	if cfg.SchedulerTimezone == "" {
		cfg.SchedulerTimezone = "UTC"
	}
	if cfg.MisfireGrace == 0 {
		cfg.MisfireGrace = time.Hour
	}
	if cfg.DeliveryWorkers <= 0 {
		cfg.DeliveryWorkers = 2
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if _, err := time.LoadLocation(cfg.SchedulerTimezone); err != nil {
		return cfg, fmt.Errorf("SCHEDULER_TIMEZONE %q: %w", cfg.SchedulerTimezone, err)
	}

	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_TOKEN is required")
	}

	return cfg, nil
}

func parseMinutes(raw string) time.Duration {
	n := parseInt(raw)
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}

func parseInt(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
