package email

import (
	"github.com/smallbiznis/fortunepay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

// NewFromConfig picks SMTP delivery when SMTP_HOST is set. Otherwise report
// mails are dropped and buyers fetch reports from the order page.
func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	smtpCfg := Config{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUsername,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.SMTPFrom,
	}
	if smtpCfg.Host == "" {
		log.Info("report email disabled, SMTP_HOST not set")
		return &NoOpProvider{}
	}
	log.Info("report email via smtp", zap.String("host", smtpCfg.Host), zap.Int("port", smtpCfg.Port))
	return NewSMTP(smtpCfg)
}
