package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apexrad/radsched/cmd/mainconfig"
	"github.com/apexrad/radsched/internal/app/bootstrap"
	"github.com/apexrad/radsched/internal/archive"
	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/internal/intake"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/session"
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
	if cfg.UseMemoryQueue {
		logger.Error("USE_MEMORY_QUEUE is single-process; the intake worker consumes SQS")
		os.Exit(appconfig.ExitConfigError)
	}
	if cfg.IntakeQueueURL == "" {
		logger.Error("INTAKE_QUEUE_URL is required")
		os.Exit(appconfig.ExitMissingEnv)
	}
	if cfg.TwilioAccountSID == "" && cfg.TelnyxAPIKey == "" {
		logger.Error("no SMS provider credentials configured; set TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN or TELNYX_API_KEY")
		os.Exit(appconfig.ExitMissingEnv)
	}
	if cfg.SlotSourceURL == "" {
		logger.Error("SLOT_SOURCE_URL is required; slot fetches have nowhere to go")
		os.Exit(appconfig.ExitMissingEnv)
	}

	logger.Info("starting radsched intake worker",
		"env", cfg.Env,
		"workers", cfg.WorkerCount,
		"queue", cfg.IntakeQueueURL,
	)

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

	queue := intake.NewSQSQueue(mainconfig.NewSQS(awsCfg, cfg), cfg.IntakeQueueURL)
	publisher := intake.NewPublisher(queue, logger)
	jobs := intake.NewJobStore(mainconfig.NewDynamoDB(awsCfg, cfg), cfg.IntakeJobsTable, logger)

	engine, err := bootstrap.BuildEngine(ctx, bootstrap.EngineDeps{
		Config:          cfg,
		Pool:            pool,
		Redis:           redisClient,
		AWS:             awsCfg,
		Tenants:         tenants,
		Audit:           auditService,
		Queue:           publisher,
		SMSMetrics:      metrics.NewSMSMetrics(nil),
		SessionMetrics:  metrics.NewSessionMetrics(nil),
		AnalyzerMetrics: metrics.NewAnalyzerMetrics(nil),
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to assemble conversation engine", "error", err)
		os.Exit(appconfig.ExitConfigError)
	}

	worker := intake.NewWorker(engine, queue, jobs, logger,
		intake.WithWorkerCount(cfg.WorkerCount),
		intake.WithIntakeMetrics(metrics.NewIntakeMetrics(nil)),
	)
	worker.Start(ctx)

	// Correctness sweepers ride along in the worker process: expiry frees
	// phone lines and releases queued orders, the slot-timeout sweep retries
	// or cancels stalled availability fetches, the held-order sweep wakes
	// orders parked for quiet hours, and the archiver drains terminal
	// sessions to S3 once the retention grace lapses.
	go sessionworker.NewExpirySweeper(engine, logger).WithInterval(cfg.SweepInterval).Run(ctx)
	go sessionworker.NewSlotTimeoutSweeper(engine, logger).WithInterval(cfg.SweepInterval).Run(ctx)
	go sessionworker.NewHeldOrderSweeper(engine, logger).Run(ctx)

	exporter := archive.NewExporter(mainconfig.NewS3(awsCfg, cfg), cfg.ArchiveBucket, session.NewStore(pool), auditService, logger)
	go sessionworker.NewRetentionArchiver(exporter, logger).WithInterval(cfg.ArchiveInterval).Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down intake worker...")
	cancel()

	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("intake worker stopped")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timed out with jobs in flight; queue redelivery covers them")
	}
}

func exitCode(err error) int {
	var ce *appconfig.ConfigError
	if errors.As(err, &ce) {
		return ce.ExitCode()
	}
	return appconfig.ExitConfigError
}
