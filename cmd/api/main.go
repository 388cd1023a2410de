package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apexrad/radsched/cmd/mainconfig"
	"github.com/apexrad/radsched/internal/api/router"
	"github.com/apexrad/radsched/internal/app/bootstrap"
	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/internal/events"
	"github.com/apexrad/radsched/internal/http/handlers"
	"github.com/apexrad/radsched/internal/intake"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/ops"
	"github.com/apexrad/radsched/internal/tenant"
	sessionworker "github.com/apexrad/radsched/internal/worker/session"
	"github.com/apexrad/radsched/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(exitCode(err))
	}

	logger.Info("starting radsched API server", "env", cfg.Env, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open postgres pool", "error", err)
		os.Exit(appconfig.ExitDatabase)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres unreachable", "error", err)
		os.Exit(appconfig.ExitDatabase)
	}

	auditService, auditDB, err := bootstrap.BuildAuditService(ctx, cfg)
	if err != nil {
		logger.Error("audit sink unreachable", "error", err)
		os.Exit(appconfig.ExitDatabase)
	}
	defer func() { _ = auditDB.Close() }()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	tenants := tenant.NewCachedStore(tenant.NewStore(pool), redisClient, logger)
	if cfg.DefaultTenant != "" {
		tenants = tenants.WithDefaultID(cfg.DefaultTenant)
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(appconfig.ExitConfigError)
	}

	var publisher *intake.Publisher
	var memQueue *intake.MemoryQueue
	if cfg.UseMemoryQueue {
		memQueue = intake.NewMemoryQueue(256)
		publisher = intake.NewPublisher(memQueue, logger)
	} else {
		if cfg.IntakeQueueURL == "" {
			logger.Error("INTAKE_QUEUE_URL is required without USE_MEMORY_QUEUE")
			os.Exit(appconfig.ExitMissingEnv)
		}
		publisher = intake.NewPublisher(intake.NewSQSQueue(mainconfig.NewSQS(awsCfg, cfg), cfg.IntakeQueueURL), logger)
	}

	jobs := intake.NewJobStore(mainconfig.NewDynamoDB(awsCfg, cfg), cfg.IntakeJobsTable, logger)
	smsMetrics := metrics.NewSMSMetrics(nil)

	smsWebhooks := handlers.NewSMSWebhookHandler(handlers.SMSWebhookConfig{
		Tenants:         tenants,
		Processed:       events.NewProcessedStore(pool),
		Publisher:       publisher,
		Audit:           auditService,
		Metrics:         smsMetrics,
		Logger:          logger,
		TwilioAuthToken: cfg.TwilioAuthToken,
		TelnyxPublicKey: cfg.TelnyxPublicKey,
		PublicBaseURL:   cfg.PublicBaseURL,
		SkipVerify:      cfg.SkipWebhookSignatureVerify,
	})
	orderWebhook := handlers.NewOrderWebhookHandler(handlers.OrderWebhookConfig{
		Recorder:  jobs,
		Publisher: publisher,
		Logger:    logger,
		Token:     cfg.OrderWebhookToken,
	})

	r := router.New(&router.Config{
		Logger:         logger,
		SMSWebhooks:    smsWebhooks,
		OrderWebhook:   orderWebhook,
		JobStatus:      handlers.NewJobStatusHandler(jobs, logger),
		Dashboard:      ops.NewDashboardHandler(ops.NewFunnelRepository(pool), auditService, prometheus.DefaultGatherer, logger),
		MetricsHandler: promhttp.Handler(),
	})

	// The memory queue lives and dies with this process, so the intake
	// worker and the correctness sweepers run embedded: one binary serves
	// local development end to end. Production runs SQS and a separate
	// worker deployment instead.
	if cfg.UseMemoryQueue {
		engine, err := bootstrap.BuildEngine(ctx, bootstrap.EngineDeps{
			Config:          cfg,
			Pool:            pool,
			Redis:           redisClient,
			AWS:             awsCfg,
			Tenants:         tenants,
			Audit:           auditService,
			Queue:           publisher,
			SMSMetrics:      smsMetrics,
			SessionMetrics:  metrics.NewSessionMetrics(nil),
			AnalyzerMetrics: metrics.NewAnalyzerMetrics(nil),
			Logger:          logger,
		})
		if err != nil {
			logger.Error("embedded intake worker unavailable", "error", err)
			os.Exit(appconfig.ExitConfigError)
		}

		worker := intake.NewWorker(engine, memQueue, jobs, logger,
			intake.WithWorkerCount(cfg.WorkerCount),
			intake.WithIntakeMetrics(metrics.NewIntakeMetrics(nil)),
		)
		worker.Start(ctx)
		go sessionworker.NewExpirySweeper(engine, logger).WithInterval(cfg.SweepInterval).Run(ctx)
		go sessionworker.NewSlotTimeoutSweeper(engine, logger).WithInterval(cfg.SweepInterval).Run(ctx)
		go sessionworker.NewHeldOrderSweeper(engine, logger).Run(ctx)
		logger.Info("memory queue mode: embedded intake worker started", "workers", cfg.WorkerCount)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// exitCode maps a validation failure onto the CLI exit-code contract.
func exitCode(err error) int {
	var ce *appconfig.ConfigError
	if errors.As(err, &ce) {
		return ce.ExitCode()
	}
	return appconfig.ExitConfigError
}
