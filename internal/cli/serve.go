package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"github.com/kursadbilgin/delivery-guard/internal/config"
	"github.com/kursadbilgin/delivery-guard/internal/dedup"
	"github.com/kursadbilgin/delivery-guard/internal/gateway"
	"github.com/kursadbilgin/delivery-guard/internal/handler"
	"github.com/kursadbilgin/delivery-guard/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-guard/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-guard/internal/infra/redis"
	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
	"github.com/kursadbilgin/delivery-guard/internal/queue"
	"github.com/kursadbilgin/delivery-guard/internal/ratelimit"
	"github.com/kursadbilgin/delivery-guard/internal/repository"
	"github.com/kursadbilgin/delivery-guard/internal/service"
	"github.com/kursadbilgin/delivery-guard/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the retry scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(cfg.LogLevel, "server")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	clk := clock.Real()
	checks := map[string]handler.Checker{}

	var db *gorm.DB
	if cfg.DatabaseDSN != "" {
		var err error
		db, err = postgresql.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		defer postgresql.Close(db) //nolint:errcheck

		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		checks["postgres"] = handler.PostgresChecker(db)
	} else {
		logger.Warn("DATABASE_DSN not set, retry state and webhook log are process-local")
	}

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		var err error
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close() //nolint:errcheck
		checks["redis"] = handler.RedisChecker(rdb)
	}

	limiter, err := buildLimiter(cfg, rdb, clk)
	if err != nil {
		return err
	}
	dedupStore, err := buildDedupStore(cfg, db, rdb, clk, logger)
	if err != nil {
		return err
	}
	sink, closeSink, err := buildSink(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	gw, err := gateway.NewHTTPGateway(cfg.GatewayURL, gateway.Options{
		Timeout:          cfg.GatewayTimeout,
		MaxPayloadLength: cfg.MaxPayloadLength,
		AuthToken:        cfg.GatewayAuthToken,
	}, logger)
	if err != nil {
		return err
	}

	var attempts repository.AttemptRepository
	var logs repository.WebhookLogRepository = repository.NewMemoryWebhookLogRepo()
	if db != nil {
		attempts = repository.NewGormAttemptRepo(db)
		logs = repository.NewGormWebhookLogRepo(db)
	}

	retries, err := service.NewRetryScheduler(gw, limiter, attempts, sink, service.RetryPolicy{
		Delays:      cfg.RetryDelays,
		MaxAttempts: cfg.MaxAttempts,
	}, clk, logger)
	if err != nil {
		return err
	}
	retries.SetMetrics(metrics)

	recovered, err := retries.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending retries: %w", err)
	}
	if recovered > 0 {
		logger.Info("pending retries recovered", zap.Int("count", recovered))
	}

	outbound, err := service.NewOutboundService(limiter, gw, retries, cfg.MaxPayloadLength, logger)
	if err != nil {
		return err
	}
	outbound.SetMetrics(metrics)

	ingest, err := service.NewWebhookIngest(dedupStore, logs, cfg.WebhookDeadline, clk, logger)
	if err != nil {
		return err
	}
	ingest.SetMetrics(metrics)
	service.NewDeliveryStatusMaterializer(sink, logger).RegisterOn(ingest)

	app := fiber.New(fiber.Config{
		AppName:               "delivery-guard",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(transport.RequestID())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, checks, metrics.Handler())
	if err := handler.RegisterMessageRoutes(app, outbound); err != nil {
		return err
	}
	if err := handler.RegisterWebhookRoutes(app, ingest); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return retries.Start(groupCtx, cfg.SchedulerTick)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("delivery-guard api started", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("delivery-guard api stopped")
	return err
}

func buildLimiter(cfg *config.Config, rdb *goredis.Client, clk clock.Clock) (ratelimit.RateLimiter, error) {
	limits := ratelimit.Config{
		PerKeyMax: int64(cfg.RateLimitPerKey),
		GlobalMax: int64(cfg.RateLimitGlobal),
		Window:    cfg.RateWindow,
	}
	if rdb == nil {
		return ratelimit.NewMemoryRateLimiter(limits, clk), nil
	}
	return infraredis.NewRedisRateLimiter(rdb, limits)
}

// buildDedupStore prefers Redis in front of Postgres, then whichever one is
// configured, then memory.
func buildDedupStore(cfg *config.Config, db *gorm.DB, rdb *goredis.Client, clk clock.Clock, logger *zap.Logger) (dedup.Store, error) {
	var fast dedup.Cache
	if rdb != nil {
		store, err := infraredis.NewDedupStore(rdb, cfg.DedupTTL)
		if err != nil {
			return nil, err
		}
		fast = store
	}

	switch {
	case db != nil && fast != nil:
		return dedup.NewLayered(fast, repository.NewGormDedupRepo(db), logger)
	case db != nil:
		return repository.NewGormDedupRepo(db), nil
	case fast != nil:
		return fast, nil
	default:
		return dedup.NewMemoryStore(clk), nil
	}
}

// buildSink always logs escalations. With a broker they are queued for the
// relay worker; otherwise they go straight to the operator webhook if set.
func buildSink(cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (notify.Sink, func(), error) {
	sinks := notify.MultiSink{notify.NewLogSink(logger, metrics)}
	release := func() {}

	switch {
	case cfg.RabbitMQURL != "":
		mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		publisher := queue.NewRabbitMQPublisher(mq)
		queueSink, err := notify.NewQueueSink(publisher, logger)
		if err != nil {
			_ = publisher.Close()
			return nil, nil, err
		}
		sinks = append(sinks, queueSink)
		release = func() { _ = publisher.Close() }
	case cfg.OperatorWebhookURL != "":
		webhookSink, err := notify.NewWebhookSink(cfg.OperatorWebhookURL, 0, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, webhookSink)
	}

	async := notify.NewAsyncSink(sinks, cfg.EscalationSlots, 0, logger)
	return async, func() {
		async.Wait()
		release()
	}, nil
}
