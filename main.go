package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"

	"dunner/config"
	"dunner/engine"
	"dunner/middleware"
	"dunner/models"
	"dunner/routes"
	"dunner/store"
	"dunner/utils"
	"dunner/worker"
)

func main() {
	logger := log.New(os.Stdout, "DUNNER: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry init failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	st := store.NewGormStore(config.DB)

	defaultWindow, err := utils.WindowFromModel(models.CalendarConfig{
		WorkingDays: config.AppConfig.Calendar.WorkingDays,
		StartHour:   config.AppConfig.Calendar.StartHour,
		EndHour:     config.AppConfig.Calendar.EndHour,
		Timezone:    config.AppConfig.Calendar.Timezone,
	})
	if err != nil {
		logger.Fatalf("Invalid default calendar: %v", err)
	}

	dispatcher := utils.NewSMTPDispatcher(
		config.AppConfig.SMTP.Host,
		config.AppConfig.SMTP.Port,
		config.AppConfig.SMTP.Username,
		config.AppConfig.SMTP.Password,
		config.AppConfig.SMTP.FromEmail,
		time.Duration(config.AppConfig.Scheduler.DispatchTimeoutSeconds)*time.Second,
	)

	notifier := engine.NewNotifier()
	scheduler := engine.NewScheduler(st, dispatcher, notifier,
		log.New(os.Stdout, "SCHEDULER: ", log.LstdFlags),
		engine.SchedulerConfig{
			MaxAttempts:        config.AppConfig.Scheduler.MaxDispatchAttempts,
			BackoffBase:        time.Duration(config.AppConfig.Scheduler.BackoffBaseSeconds) * time.Second,
			BackoffCap:         time.Duration(config.AppConfig.Scheduler.BackoffCapSeconds) * time.Second,
			ComplianceCooldown: time.Duration(config.AppConfig.Scheduler.ComplianceCooldownMinutes) * time.Minute,
			DispatchTimeout:    time.Duration(config.AppConfig.Scheduler.DispatchTimeoutSeconds) * time.Second,
			DefaultWindow:      defaultWindow,
		})

	evaluator := engine.NewEvaluator(st, defaultWindow, log.New(os.Stdout, "TRIGGER: ", log.LstdFlags))

	var seen engine.SeenStore = engine.NewMemorySeenStore()
	if config.AppConfig.Redis.Enabled {
		seen = engine.NewRedisSeenStore(redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		}), 0)
	}
	tracker := engine.NewTracker(st, seen, log.New(os.Stdout, "ENGAGEMENT: ", log.LstdFlags))

	schedulerWorker := worker.NewSchedulerWorker(st, scheduler,
		log.New(os.Stdout, "WORKER: ", log.LstdFlags),
		time.Duration(config.AppConfig.Scheduler.PollIntervalSeconds)*time.Second,
		config.AppConfig.Scheduler.WorkerCount,
		config.AppConfig.Scheduler.BatchSize,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go schedulerWorker.Start(ctx)

	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		Store:     st,
		Evaluator: evaluator,
		Tracker:   tracker,
		Notifier:  notifier,
	})

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
