package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"habit-reminder/internal/bot"
	"habit-reminder/internal/config"
	"habit-reminder/internal/repository"
	"habit-reminder/internal/scheduler"
	"habit-reminder/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	loc, err := time.LoadLocation(cfg.SchedulerTimezone)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler timezone")
	}

	userRepo := repository.NewUserRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	habitRepo := repository.NewHabitRepository(db)
	jobStore := repository.NewJobStore(db)

	core := scheduler.New(jobStore, loc, scheduler.Config{
		MisfireGrace: cfg.MisfireGrace,
		Workers:      cfg.DeliveryWorkers,
	}, log)

	reminderSvc := service.NewReminderService(taskRepo, core, log)
	core.SetCallback(reminderSvc.Deliver)

	taskSvc := service.NewTaskService(taskRepo, reminderSvc, log)
	habitSvc := service.NewHabitService(habitRepo)

	telegramBot, err := bot.New(cfg.TelegramToken, userRepo, taskSvc, habitSvc, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bot")
	}
	reminderSvc.SetSender(telegramBot)

	// The job store may hold stale entries from a crash; the task table
	// is the source of truth, so the whole job set is rebuilt from it
	// before the firing loop can touch it.
	if err := reminderSvc.RestoreAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("restore jobs")
	}

	core.Start(ctx)
	defer core.Stop()

	log.Info().Msg("habit reminder bot started")
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("bot stopped with error")
	}
	log.Info().Msg("shutdown complete")
}
