package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	"github.com/smallbiznis/fortunepay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       paymentdomain.Repository
	Adapters   *adapters.Registry
	Orders     paymentdomain.OrderEvents
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	repo       paymentdomain.Repository
	adapters   *adapters.Registry
	orders     paymentdomain.OrderEvents
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      clk,
		cfg:        p.Cfg,
		repo:       p.Repo,
		adapters:   p.Adapters,
		orders:     p.Orders,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook verifies, records and applies one provider delivery.
// Redeliveries of a processed event are acknowledged without effect, and
// event types the adapter does not know are acknowledged and dropped.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.WebhookOutcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	switch {
	case provider == "":
		return "", paymentdomain.ErrInvalidProvider
	case s.adapters == nil || !s.adapters.ProviderExists(provider):
		return "", paymentdomain.ErrProviderNotFound
	case !json.Valid(payload):
		return "", paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.WebhookAdapter(provider, GatewayConfig(s.cfg, provider))
	if err != nil {
		return "", err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return "", err
	}
	event, err := adapter.Parse(ctx, payload)
	if errors.Is(err, paymentdomain.ErrEventIgnored) {
		return paymentdomain.WebhookIgnored, nil
	}
	if err != nil {
		return "", err
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return s.apply(ctx, event)
}

func (s *Service) Events(ctx context.Context, orderID snowflake.ID) ([]paymentdomain.EventRecord, error) {
	return s.repo.ListByOrder(ctx, s.db, orderID)
}

// apply records the delivery first so a failed side effect is retried on
// the provider's next attempt, then stamps it processed.
func (s *Service) apply(ctx context.Context, event *paymentdomain.PaymentEvent) (paymentdomain.WebhookOutcome, error) {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
		zap.String("tid", event.TID),
	)

	orderID, err := s.orders.OrderIDByTID(ctx, event.TID)
	if err != nil {
		return "", err
	}
	now := s.clock.Now().UTC()
	stored, fresh, err := s.repo.Record(ctx, s.db, &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		OrderID:         orderID,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      now,
	})
	if err != nil {
		return "", err
	}
	if !fresh && stored.ProcessedAt != nil {
		log.Info("payment event already processed")
		return paymentdomain.WebhookDuplicate, nil
	}

	switch event.Type {
	case paymentdomain.EventTypePaymentCanceled:
		if orderID == nil {
			log.Warn("payment cancel for unknown order")
			break
		}
		if err := s.orders.RefundFromProvider(ctx, event.TID); err != nil {
			return "", err
		}
		log.Info("payment cancelled by provider", zap.String("order_id", orderID.String()))
	case paymentdomain.EventTypePaymentStatusChanged:
		log.Info("payment status changed", zap.String("status", event.Status))
	default:
		return "", paymentdomain.ErrInvalidEvent
	}

	stamped, err := s.repo.MarkProcessed(ctx, s.db, stored.ID, now)
	if err != nil {
		return "", err
	}
	if !stamped {
		return paymentdomain.WebhookDuplicate, nil
	}
	s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	return paymentdomain.WebhookApplied, nil
}

// GatewayConfig maps application config onto the adapter config of provider.
func GatewayConfig(cfg config.Config, provider string) paymentdomain.GatewayConfig {
	return paymentdomain.GatewayConfig{
		Provider:      provider,
		SecretKey:     cfg.Payment.KakaoSecret,
		CID:           cfg.Payment.KakaoCID,
		BaseURL:       cfg.Payment.KakaoBaseURL,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Timeout:       cfg.Payment.Timeout,
	}
}
