package main

import (
	"context"
	"time"

	"crmflow/automation"
	"crmflow/config"
	"crmflow/middleware"
	"crmflow/routes"
	"crmflow/sequence"
	"crmflow/services"
	"crmflow/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if config.AppConfig.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			log.WithError(err).Warn("Failed to initialize Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	db := config.DB

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus
	var bus automation.EventBus
	switch config.AppConfig.EventBusDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		bus = automation.NewRedisBus(client, config.AppConfig.RedisEventQueue, log.WithField("component", "bus"))
	default:
		bus = automation.NewChannelBus(config.AppConfig.EventQueueSize, log.WithField("component", "bus"))
	}
	defer bus.Close()

	// Scheduler and collaborator services
	scheduler := sequence.NewScheduler(db, bus, log.WithField("component", "scheduler"))
	renderer := services.NewContactRenderer(db)
	sender := services.NewSMTPSender(db, config.AppConfig.SendTimeout, log.WithField("component", "smtp"))
	hub := services.NewHub(log.WithField("component", "ws"))
	notifier := services.NewNotifier(db, hub, log.WithField("component", "notifier"))
	tags := services.NewTagManager(db, bus, log.WithField("component", "tags"))
	deals := services.NewDealManager(db, bus, log.WithField("component", "deals"))
	tasks := services.NewTaskManager(db, log.WithField("component", "tasks"))
	scores := services.NewScoreManager(db, bus, log.WithField("component", "scores"))
	emails := services.NewTemplatedEmailService(db, renderer, sender, log.WithField("component", "email"))

	// Rule engine
	dispatcher := &automation.Dispatcher{
		Sequences:     scheduler,
		Tags:          tags,
		Deals:         deals,
		Tasks:         tasks,
		Scores:        scores,
		Notifications: notifier,
		Emails:        emails,
		Logger:        log.WithField("component", "dispatcher"),
	}
	guard := automation.NewGuard(db, dispatcher, log.WithField("component", "guard"))
	matcher := automation.NewMatcher(db, guard, log.WithField("component", "matcher"))
	engine := automation.NewEngine(bus, matcher, config.AppConfig.EventWorkers, log.WithField("component", "engine"))
	go engine.Start(ctx)

	// Background workers
	dispatchWorker := worker.NewDispatchWorker(db, scheduler, renderer, sender, log.WithField("component", "dispatch"))
	dispatchWorker.Interval = config.AppConfig.DispatchInterval
	dispatchWorker.Concurrency = config.AppConfig.DispatchConcurrency
	dispatchWorker.MaxAttempts = config.AppConfig.MaxSendAttempts
	dispatchWorker.Backoff = config.AppConfig.SendRetryBackoff
	dispatchWorker.TrackingURL = config.AppConfig.TrackingBaseURL
	go dispatchWorker.Start(ctx)

	noReplyWorker := worker.NewNoReplyWorker(db, bus, log.WithField("component", "noreply"))
	noReplyWorker.Interval = config.AppConfig.NoReplySweepInterval
	go noReplyWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(db, bus, scheduler, log.WithField("component", "replies"))
	replyWorker.Interval = config.AppConfig.IMAPPollInterval
	go replyWorker.Start(ctx)

	// HTTP API
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		DB:        db,
		Bus:       bus,
		Scheduler: scheduler,
		Tags:      tags,
		Scores:    scores,
		Hub:       hub,
		Replies:   replyWorker,
		Logger:    log,
	})

	log.WithField("port", config.AppConfig.ServerPort).Info("Server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		log.WithError(err).Fatal("Failed to start server")
	}
}
