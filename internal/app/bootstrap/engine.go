package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/apexrad/radsched/internal/audit"
	"github.com/apexrad/radsched/internal/clinical"
	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/internal/consent"
	"github.com/apexrad/radsched/internal/equipment"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/phone"
	"github.com/apexrad/radsched/internal/session"
	"github.com/apexrad/radsched/internal/slots"
	"github.com/apexrad/radsched/internal/tenant"
	"github.com/apexrad/radsched/pkg/logging"
)

// EngineDeps carries the process-level pieces BuildEngine composes into a
// conversation engine. Metrics fields may stay nil: observe calls are
// nil-safe and the one-shot commands run uninstrumented.
type EngineDeps struct {
	Config  *appconfig.Config
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	AWS     aws.Config
	Tenants *tenant.CachedStore
	Audit   *audit.Service
	Queue   session.SlotQueue

	SMSMetrics      *metrics.SMSMetrics
	SessionMetrics  *metrics.SessionMetrics
	AnalyzerMetrics *metrics.AnalyzerMetrics

	Logger *logging.Logger
}

// BuildEngine assembles the conversation engine and everything under it:
// the session stores, the outbound dispatcher, the analyzer chain, the slot
// client, and ops notifications. The caller owns the pool and audit sink
// lifecycles. Queue may be nil only for tools that never enqueue retries.
func BuildEngine(ctx context.Context, deps EngineDeps) (*session.Engine, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("bootstrap: database pool is required")
	}
	if deps.Tenants == nil {
		return nil, fmt.Errorf("bootstrap: tenant store is required")
	}
	if deps.Audit == nil {
		return nil, fmt.Errorf("bootstrap: audit service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	cipher, err := phone.NewEncryptor(cfg.PhoneEncKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: phone encryptor: %w", err)
	}

	consents := consent.NewStore(deps.Pool)

	dispatcher, providers, reason := BuildDispatcher(cfg, deps.Tenants, consents, deps.Redis, deps.Audit, deps.SMSMetrics, logger)
	if dispatcher == nil {
		return nil, fmt.Errorf("bootstrap: outbound SMS unavailable: %s", reason)
	}
	logger.Info("sms dispatch configured", "providers", providers)

	var patients clinical.Source
	if cfg.RISBaseURL != "" {
		patients = clinical.NewClient(clinical.Config{
			BaseURL: cfg.RISBaseURL,
			Token:   cfg.RISToken,
			Timeout: cfg.RISTimeout,
		})
	}

	notifier, via := BuildNotifier(cfg, deps.AWS, logger)
	logger.Info("ops notifications configured", "via", via)

	return session.NewEngine(session.EngineConfig{
		Store:    session.NewStore(deps.Pool),
		Tenants:  deps.Tenants,
		Consents: consents,
		Pending:  orders.NewPendingStore(deps.Pool),
		Catalog:  equipment.NewStore(deps.Pool),
		Patients: patients,
		Analyzer: BuildAnalyzer(ctx, cfg, deps.Pool, deps.AWS, deps.AnalyzerMetrics, logger),
		Sender:   dispatcher,
		Slots: slots.NewClient(slots.Config{
			BaseURL: cfg.SlotSourceURL,
			Token:   cfg.SlotSourceToken,
			Timeout: cfg.SlotSourceTimeout,
		}),
		Queue:    deps.Queue,
		Cipher:   cipher,
		Auditor:  deps.Audit,
		Notifier: notifier,
		Metrics:  deps.SessionMetrics,
		Logger:   logger,
	}), nil
}
