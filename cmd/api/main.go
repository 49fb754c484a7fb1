package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kursadbilgin/trip-gateway/internal/config"
	"github.com/kursadbilgin/trip-gateway/internal/delivery"
	"github.com/kursadbilgin/trip-gateway/internal/handler"
	"github.com/kursadbilgin/trip-gateway/internal/infra/postgresql"
	"github.com/kursadbilgin/trip-gateway/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/trip-gateway/internal/infra/redis"
	"github.com/kursadbilgin/trip-gateway/internal/observability"
	"github.com/kursadbilgin/trip-gateway/internal/queue"
	"github.com/kursadbilgin/trip-gateway/internal/repository"
	"github.com/kursadbilgin/trip-gateway/internal/retry"
	"github.com/kursadbilgin/trip-gateway/internal/service"
	"github.com/kursadbilgin/trip-gateway/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
	}

	var publisher queue.Publisher = queue.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		publisher = queue.NewRabbitMQPublisher(mq)
	}
	defer publisher.Close() //nolint:errcheck

	ladder, err := cfg.RetryDelays()
	if err != nil {
		logger.Fatal("invalid retry ladder", zap.Error(err))
	}
	policy, err := retry.NewPolicy(ladder, cfg.MaxRetries)
	if err != nil {
		logger.Fatal("retry policy initialization failed", zap.Error(err))
	}

	timerRepo := repository.NewGormTimerRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	userRepo := repository.NewGormUserRepo(db)

	timerService, err := service.NewTimerService(timerRepo, attemptRepo, userRepo, logger)
	if err != nil {
		logger.Fatal("timer service initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	poller, err := service.NewPoller(
		timerRepo,
		attemptRepo,
		delivery.NewWebhookClient(cfg.WebhookTimeout(), cfg.WebhookUserAgent),
		policy,
		service.PollerConfig{
			Interval:    cfg.PollInterval(),
			BatchLimit:  cfg.PollBatchLimit,
			Concurrency: cfg.DeliveryConcurrency,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("poller initialization failed", zap.Error(err))
	}
	poller.SetMetrics(metrics)
	poller.SetPublisher(publisher)

	if rdb != nil {
		lock, err := infraredis.NewCycleLock(rdb, "", cfg.CycleLockTTL())
		if err != nil {
			logger.Fatal("cycle lock initialization failed", zap.Error(err))
		}
		poller.SetCycleLock(lock)

		if cfg.WebhookRateLimit > 0 {
			limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.WebhookRateLimit)
			if err != nil {
				logger.Fatal("rate limiter initialization failed", zap.Error(err))
			}
			poller.SetRateLimiter(limiter)
		}
	} else if cfg.WebhookRateLimit > 0 {
		logger.Warn("WEBHOOK_RATE_LIMIT_PER_SEC ignored because REDIS_URL is not set")
	}

	app := fiber.New(fiber.Config{
		AppName:               "trip-gateway",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(
		recover.New(),
		transport.RequestID(),
		transport.RequestContext(),
		metrics.HTTPMiddleware(),
	)

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	handler.RegisterMetricsRoute(app, metrics.Handler())
	if err := handler.RegisterTimerRoutes(app, timerService); err != nil {
		logger.Fatal("timer routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterUserRoutes(app, timerService); err != nil {
		logger.Fatal("user routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterSchedulerRoutes(app, poller); err != nil {
		logger.Fatal("scheduler routes registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SchedulerAutostart {
		poller.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("trip-gateway api started",
			zap.Int("port", cfg.APIPort),
			zap.Duration("pollInterval", cfg.PollInterval()),
			zap.Bool("schedulerRunning", poller.Status().Running),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := poller.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("poller shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("trip-gateway stopped with error", zap.Error(err))
		return
	}
	logger.Info("trip-gateway stopped")
}
