package bootstrap

import (
	"github.com/redis/go-redis/v9"

	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/sms"
	"github.com/apexrad/radsched/pkg/logging"
)

// BuildDispatcher assembles the outbound SMS path: one provider per set of
// process credentials, sticky from-number selection, the consent gate, and
// the audit trail. Tenants choose among the configured providers; a tenant
// whose primary is absent here fails over at send time. Returns nil and a
// reason when no provider credentials are present.
func BuildDispatcher(
	cfg *appconfig.Config,
	tenants sms.TenantSource,
	consents sms.ConsentSource,
	redisClient *redis.Client,
	auditor sms.Auditor,
	m *metrics.SMSMetrics,
	logger *logging.Logger,
) (*sms.Dispatcher, []string, string) {
	if cfg == nil {
		return nil, nil, "missing config"
	}
	if logger == nil {
		logger = logging.Default()
	}

	var providers []sms.Provider
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		providers = append(providers, sms.NewTwilioProvider(cfg.TwilioAccountSID, cfg.TwilioAuthToken, logger))
	}
	if cfg.TelnyxAPIKey != "" {
		providers = append(providers, sms.NewTelnyxProvider(cfg.TelnyxAPIKey, logger))
	}
	if len(providers) == 0 {
		return nil, nil, "no SMS provider credentials configured"
	}

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	sticky := sms.NewStickyPool(redisClient, logger)
	return sms.NewDispatcher(tenants, consents, providers, sticky, auditor, m, logger), names, ""
}
