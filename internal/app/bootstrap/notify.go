package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/internal/notify"
	"github.com/apexrad/radsched/pkg/logging"
)

// BuildNotifier picks the ops email sender: SES when a from address is
// configured, SendGrid as the non-AWS alternative, and the logging stub
// otherwise. The stub keeps notification call sites unconditional, so
// development runs show every alert that production would send.
func BuildNotifier(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*notify.Service, string) {
	if logger == nil {
		logger = logging.Default()
	}

	if cfg.SESFromEmail != "" {
		sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
		}, logger)
		return notify.NewService(sender, logger), "ses"
	}
	if cfg.SendGridAPIKey != "" {
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
		return notify.NewService(sender, logger), "sendgrid"
	}
	return notify.NewService(notify.NewStubSender(logger), logger), "stub"
}
