package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ocgsync/syncd/internal/api"
	"github.com/ocgsync/syncd/internal/circuitbreaker"
	"github.com/ocgsync/syncd/internal/config"
	"github.com/ocgsync/syncd/internal/db"
	"github.com/ocgsync/syncd/internal/events"
	"github.com/ocgsync/syncd/internal/meetings"
	"github.com/ocgsync/syncd/internal/meetings/zoom"
	"github.com/ocgsync/syncd/internal/metrics"
	"github.com/ocgsync/syncd/internal/notifications"
	"github.com/ocgsync/syncd/internal/observ"
	"github.com/ocgsync/syncd/internal/redis"
	"github.com/ocgsync/syncd/internal/sns"
	"github.com/ocgsync/syncd/internal/sqs"
	"github.com/ocgsync/syncd/internal/worker"
)

const statsInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting sync server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("meetings_enabled", cfg.MeetingsEnabled()),
		zap.String("email_transport", cfg.EmailTransport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		Workers:  cfg.MeetingsWorkers + cfg.NotificationsWorkers,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	registry := db.NewTxRegistry(database, db.TxRegistryConfig{}, observ.Component(logger, "txregistry"))
	repo := db.NewRepository(database, registry, logger)

	// Redis is optional: without it webhooks are not deduplicated and no
	// shared limits apply.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.MeetingsWorkers + cfg.NotificationsWorkers + 4,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, webhook dedup and rate limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var runners []*worker.Runner

	if cfg.MeetingsEnabled() {
		syncer, err := newSyncer(cfg, repo, redisClient, publisher, logger)
		if err != nil {
			return err
		}
		runners = append(runners, worker.New("meetings", syncer, worker.Config{
			Workers:    cfg.MeetingsWorkers,
			IdlePause:  cfg.MeetingsIdlePause,
			ErrorPause: cfg.MeetingsErrorPause,
		}, observ.Component(logger, "meetings")))
	} else {
		logger.Warn("zoom credentials not set, meeting sync disabled")
	}

	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	deliverer := notifications.NewDeliverer(repo, sender, publisher, notifications.Config{
		AllowedRecipients: cfg.EmailAllowedRecipients,
	}, observ.Component(logger, "notifications"))
	runners = append(runners, worker.New("notifications", deliverer, worker.Config{
		Workers:    cfg.NotificationsWorkers,
		IdlePause:  cfg.NotificationsIdlePause,
		ErrorPause: cfg.NotificationsErrorPause,
	}, observ.Component(logger, "notifications")))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(cfg, repo, database, redisClient, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		registry.RunSweeper(gctx)
		return nil
	})

	for _, runner := range runners {
		runner := runner
		g.Go(func() error { return runner.Run(gctx) })
	}

	g.Go(func() error {
		collectStats(gctx, repo, database, logger)
		return nil
	})

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()

	// Workers are stopped; roll back anything they left open.
	if open := registry.Len(); open > 0 {
		logger.Warn("rolling back transactions left open at shutdown", zap.Int("count", open))
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.Close(closeCtx)

	if err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	var publishers events.Multi

	if cfg.SNSTopicARN != "" {
		p, err := sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.SNSTopicARN,
			Endpoint: cfg.AWSEndpointURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
		}
		publishers = append(publishers, p)
	}

	if cfg.SQSFailuresQueueURL != "" {
		p, err := sqs.NewFailureProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSFailuresQueueURL,
			Endpoint: cfg.AWSEndpointURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS failure producer: %w", err)
		}
		publishers = append(publishers, p)
	}

	logger.Info("sync events configured",
		zap.Bool("sns", cfg.SNSTopicARN != ""),
		zap.Bool("sqs_failures", cfg.SQSFailuresQueueURL != ""),
	)

	if len(publishers) == 0 {
		return events.Nop{}, nil
	}
	return publishers, nil
}

// newSyncer layers the Zoom client as budget(breaker(zoom)): budget
// rejections must not count as provider failures.
func newSyncer(cfg *config.Config, repo *db.Repository, redisClient *redis.Client, publisher events.Publisher, logger *zap.Logger) (*meetings.Syncer, error) {
	client, err := zoom.NewClient(zoom.Config{
		AccountID:    cfg.ZoomAccountID,
		ClientID:     cfg.ZoomClientID,
		ClientSecret: cfg.ZoomClientSecret,
	}, observ.Component(logger, "zoom"))
	if err != nil {
		return nil, fmt.Errorf("failed to create zoom client: %w", err)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("zoom"), logger)
	var provider meetings.Provider = circuitbreaker.NewProtectedProvider(client, breaker, logger)

	if cfg.ProviderRateLimit > 0 {
		if redisClient == nil {
			logger.Warn("PROVIDER_RATE_LIMIT set but redis unavailable, provider calls unlimited")
		} else {
			budget := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.ProviderRateLimit,
				Window: time.Minute,
			})
			provider = meetings.NewLimitedProvider(provider, budget, "zoom:api", logger)
		}
	}

	var hosts *meetings.HostPicker
	if len(cfg.ZoomHostUsers) > 0 {
		hosts = meetings.NewHostPicker(repo, cfg.ZoomHostUsers, cfg.ZoomMaxMeetingsPerHost)
	}

	return meetings.NewSyncer(repo, provider, hosts, publisher, meetings.Config{}, observ.Component(logger, "meetings")), nil
}

func newSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notifications.Sender, error) {
	switch cfg.EmailTransport {
	case "ses":
		s, err := notifications.NewSESSender(ctx, notifications.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			Endpoint:  cfg.AWSEndpointURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		return s, nil
	case "smtp":
		s, err := notifications.NewSMTPSender(notifications.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP email sender: %w", err)
		}
		return s, nil
	default:
		return notifications.NewLogSender(logger), nil
	}
}

func newRouter(cfg *config.Config, repo *db.Repository, database *db.DB, redisClient *redis.Client, logger *zap.Logger) http.Handler {
	handler := api.NewHandler(logger, repo, cfg.ZoomWebhookSecret)
	routerCfg := api.RouterConfig{Health: database}

	if redisClient != nil {
		handler = api.NewHandlerWithDedup(logger, repo, cfg.ZoomWebhookSecret, redis.NewEventDeduper(redisClient, "zoom"))
		if cfg.WebhookRateLimit > 0 {
			routerCfg.Limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.WebhookRateLimit,
				Window: time.Minute,
			})
			routerCfg.Limit = cfg.WebhookRateLimit
		}
	}

	if cfg.ZoomWebhookSecret == "" {
		logger.Warn("ZOOM_WEBHOOK_SECRET not set, every webhook will be rejected")
	}

	if cfg.NotificationsAPIToken != "" {
		routerCfg.Notifications = api.NewNotificationsHandler(logger, repo, cfg.NotificationsAPIToken)
	}

	return api.NewRouter(handler, routerCfg, logger)
}

// collectStats publishes queue depths and pool usage until ctx is cancelled.
func collectStats(ctx context.Context, repo *db.Repository, database *db.DB, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		meetingsDepth, notificationsDepth, err := repo.QueueDepths(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to read queue depths", zap.Error(err))
		} else {
			metrics.SetQueueDepth("meetings", meetingsDepth)
			metrics.SetQueueDepth("notifications", notificationsDepth)
		}
		metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
