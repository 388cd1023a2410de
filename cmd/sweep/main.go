// Command sweep runs one maintenance pass and exits. It exists for
// operators: cron it, or run it by hand after an incident, safely alongside
// the tickers inside the intake worker because every pass is idempotent.
//
// Usage:
//
//	sweep expire-sessions   close sessions past their lifetime, wake parked orders
//	sweep retry-timeouts    re-request or cancel slot fetches that never answered
//	sweep release-held      wake orders whose quiet-hour hold has lapsed
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apexrad/radsched/cmd/mainconfig"
	"github.com/apexrad/radsched/internal/app/bootstrap"
	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/internal/intake"
	"github.com/apexrad/radsched/internal/tenant"
	sessionworker "github.com/apexrad/radsched/internal/worker/session"
	"github.com/apexrad/radsched/pkg/logging"
)

func main() {
	if len(os.Args) != 2 {
		usage()
		os.Exit(appconfig.ExitConfigError)
	}
	sub := os.Args[1]
	if sub != "expire-sessions" && sub != "retry-timeouts" && sub != "release-held" {
		fmt.Fprintf(os.Stderr, "sweep: unknown subcommand %q\n\n", sub)
		usage()
		os.Exit(appconfig.ExitConfigError)
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(exitCode(err))
	}
	// Every pass can send SMS, and two can enqueue slot fetches: expiry and
	// the held sweep wake parked orders, and a retried timeout goes back on
	// the queue.
	if cfg.TwilioAccountSID == "" && cfg.TelnyxAPIKey == "" {
		logger.Error("no SMS provider credentials configured; set TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN or TELNYX_API_KEY")
		os.Exit(appconfig.ExitMissingEnv)
	}
	if cfg.IntakeQueueURL == "" {
		logger.Error("INTAKE_QUEUE_URL is required; sweeps enqueue slot fetches")
		os.Exit(appconfig.ExitMissingEnv)
	}

	ctx := context.Background()

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
	publisher := intake.NewPublisher(intake.NewSQSQueue(mainconfig.NewSQS(awsCfg, cfg), cfg.IntakeQueueURL), logger)

	// One-shot passes run uninstrumented; there is no /metrics endpoint to
	// scrape before the process exits.
	engine, err := bootstrap.BuildEngine(ctx, bootstrap.EngineDeps{
		Config:  cfg,
		Pool:    pool,
		Redis:   redisClient,
		AWS:     awsCfg,
		Tenants: tenants,
		Audit:   auditService,
		Queue:   publisher,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to assemble conversation engine", "error", err)
		os.Exit(appconfig.ExitConfigError)
	}

	var n int
	switch sub {
	case "expire-sessions":
		n, err = sessionworker.NewExpirySweeper(engine, logger).SweepOnce(ctx)
		if err != nil {
			logger.Error("expiry sweep failed", "error", err, "expired", n)
			os.Exit(appconfig.ExitDatabase)
		}
		fmt.Printf("expired %d sessions\n", n)
	case "retry-timeouts":
		n, err = sessionworker.NewSlotTimeoutSweeper(engine, logger).SweepOnce(ctx)
		if err != nil {
			logger.Error("slot timeout sweep failed", "error", err, "swept", n)
			os.Exit(appconfig.ExitDatabase)
		}
		fmt.Printf("swept %d stalled slot requests\n", n)
	case "release-held":
		n, err = sessionworker.NewHeldOrderSweeper(engine, logger).SweepOnce(ctx)
		if err != nil {
			logger.Error("held order sweep failed", "error", err, "handled", n)
			os.Exit(appconfig.ExitDatabase)
		}
		fmt.Printf("woke %d held orders\n", n)
	}
	os.Exit(appconfig.ExitOK)
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: sweep <subcommand>

subcommands:
  expire-sessions   close sessions past their lifetime and wake parked orders
  retry-timeouts    re-request or cancel slot fetches that never answered
  release-held      wake orders whose quiet-hour hold has lapsed
`)
}

func exitCode(err error) int {
	var ce *appconfig.ConfigError
	if errors.As(err, &ce) {
		return ce.ExitCode()
	}
	return appconfig.ExitConfigError
}
