package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	catalogdomain "github.com/smallbiznis/fortunepay/internal/catalog/domain"
	"github.com/smallbiznis/fortunepay/internal/config"
	fulfillmentdomain "github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/smallbiznis/fortunepay/internal/idempotency"
	"github.com/smallbiznis/fortunepay/internal/observability"
	obsmiddleware "github.com/smallbiznis/fortunepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/fortunepay/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	"github.com/smallbiznis/fortunepay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	orders      orderdomain.Service
	points      pointsdomain.Service
	fulfillment fulfillmentdomain.Service
	catalog     catalogdomain.Service
	webhooks    paymentdomain.WebhookService
	guard       *idempotency.Guard
	limiter     *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	Orders      orderdomain.Service
	Points      pointsdomain.Service
	Fulfillment fulfillmentdomain.Service
	Catalog     catalogdomain.Service
	Webhooks    paymentdomain.WebhookService
	Guard       *idempotency.Guard `optional:"true"`
	Limiter     *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("http"),
		orders:      p.Orders,
		points:      p.Points,
		fulfillment: p.Fulfillment,
		catalog:     p.Catalog,
		webhooks:    p.Webhooks,
		guard:       p.Guard,
		limiter:     p.Limiter,
	}

	svc.registerOpsRoutes()
	svc.registerCallbackRoutes()
	svc.registerAPIRoutes()
	svc.registerInternalRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerOpsRoutes() {
	s.engine.GET("/health", s.Health)
}

// Provider redirects land here, so these routes carry no account header.
func (s *Server) registerCallbackRoutes() {
	order := s.engine.Group("/order")

	order.GET("/approve", s.ApproveCallback)
	order.GET("/cancel", s.CancelCallback)
	order.GET("/fail", s.CancelCallback)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/packages", s.ListPackages)

	// -------- Orders --------
	orders := api.Group("/orders", AccountRequired(), s.OrderRateLimit())
	{
		orders.POST("", s.CreateOrder)
		orders.POST("/packages", s.CreatePackageOrder)
		orders.POST("/points", s.PurchaseWithPoints)
		orders.GET("/:id", s.GetOrder)
		orders.GET("/:id/payment", s.GetOrderPayment)
		orders.POST("/:id/refund", s.RefundOrder)
		orders.POST("/:id/report/retry", s.RetryReport)
	}

	// -------- Points --------
	points := api.Group("/points", AccountRequired())
	{
		points.GET("", s.GetBalance)
		points.GET("/transactions", s.ListTransactions)
		points.GET("/expiring", s.ListExpiring)
		points.GET("/statistics", s.GetStatistics)
	}
}

// External report builders report back through these routes.
func (s *Server) registerInternalRoutes() {
	reports := s.engine.Group("/internal/reports")

	reports.POST("/:id/complete", s.CompleteReport)
	reports.POST("/:id/fail", s.FailReport)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status = http.StatusServiceUnavailable
			body = gin.H{"status": "degraded", "database": "unreachable"}
		}
	}
	c.JSON(status, body)
}
