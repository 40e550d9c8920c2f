package payment

import (
	"errors"
	"strings"

	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/payment/adapters"
	"github.com/smallbiznis/fortunepay/internal/payment/adapters/devpay"
	"github.com/smallbiznis/fortunepay/internal/payment/adapters/kakaopay"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
	"github.com/smallbiznis/fortunepay/internal/payment/repository"
	"github.com/smallbiznis/fortunepay/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			kakaopay.NewFactory(nil),
			devpay.NewFactory(),
		)
	}),
	fx.Provide(NewGateway),
	fx.Provide(webhook.NewService),
)

var ErrDevGatewayInProduction = errors.New("devpay gateway is not allowed in production")

// NewGateway selects the checkout gateway. DEV_MODE with SKIP_PAYMENT
// forces the auto-approving dev gateway.
func NewGateway(cfg config.Config, registry *adapters.Registry, log *zap.Logger) (paymentdomain.Gateway, error) {
	provider := cfg.Payment.Provider
	if cfg.PaymentBypassed() {
		provider = devpay.ProviderName
	}
	if cfg.IsProduction() && strings.EqualFold(strings.TrimSpace(provider), devpay.ProviderName) {
		return nil, ErrDevGatewayInProduction
	}
	gw, err := registry.Gateway(provider, webhook.GatewayConfig(cfg, provider))
	if err != nil {
		return nil, err
	}
	log.Named("payment").Info("payment gateway selected", zap.String("provider", gw.Provider()))
	return gw, nil
}
