package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/settld/server/internal/module/payment"
	"github.com/settld/server/internal/module/payment/entity"
	"github.com/settld/server/internal/module/payment/gateway"
	"github.com/settld/server/internal/shared/cache"
	"github.com/settld/server/internal/shared/config"
	"github.com/settld/server/internal/shared/database"
	"github.com/settld/server/internal/shared/logger"
	"github.com/settld/server/internal/shared/metrics"
	"github.com/settld/server/internal/shared/middleware"
)

// App wires the reconciliation core: store, gateway adapters, webhook
// pipeline, operator API, and the refund worker.
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *gorm.DB
	redis  redis.UniversalClient
	router *gin.Engine
	worker *payment.RefundWorker
}

// New builds the application from configuration.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := database.Migrate(db,
		&entity.TransactionEntity{},
		&entity.LedgerEntryEntity{},
		&entity.RefundQueueItemEntity{},
		&entity.WebhookAuditEntity{},
		&entity.QuoteEntity{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}

	m := metrics.New("settld")
	store := payment.NewStore(db)
	registry := payment.NewRegistry()
	if err := registerGateways(registry, &cfg.Gateways, redisClient, log); err != nil {
		return nil, err
	}

	notifier := payment.NewNotifier(&cfg.Notifier, log)
	service := payment.NewService(registry, store, notifier, m, log)
	refundService := payment.NewRefundService(store, &cfg.Refund, log)

	worker := payment.NewRefundWorker(store, registry, notifier, m, &cfg.Refund, log)
	worker.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Metrics(m))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", healthHandler(db, redisClient))

	webhooks := router.Group("/webhooks")
	payment.NewWebhookHandler(service, &cfg.Server, log).RegisterRoutes(webhooks)

	api := router.Group("/api/v1")
	api.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	payment.NewHandler(service, refundService, log).RegisterRoutes(api)

	log.Info("application initialized",
		zap.Strings("gateways", registry.List()),
		zap.String("address", cfg.Server.Address))

	return &App{
		cfg:    cfg,
		log:    log,
		db:     db,
		redis:  redisClient,
		router: router,
		worker: worker,
	}, nil
}

// registerGateways registers an adapter for every gateway that carries
// credentials. Unconfigured gateways are skipped, not stubbed: an
// endpoint without an adapter answers 404.
func registerGateways(registry *payment.Registry, cfg *config.GatewaysConfig, redisClient redis.UniversalClient, log *zap.Logger) error {
	if cfg.Stripe.APIKey != "" {
		a, err := gateway.NewStripeAdapter(&cfg.Stripe)
		if err != nil {
			return fmt.Errorf("stripe adapter: %w", err)
		}
		registry.Register(a)
	}
	if cfg.PayPal.ClientID != "" {
		tokens := gateway.NewRedisTokenCache(redisClient, "settld:paypal:oauth_token")
		a, err := gateway.NewPayPalAdapter(&cfg.PayPal, tokens)
		if err != nil {
			return fmt.Errorf("paypal adapter: %w", err)
		}
		registry.Register(a)
	}
	if cfg.Alipay.AppID != "" {
		a, err := gateway.NewAlipayAdapter(&cfg.Alipay)
		if err != nil {
			return fmt.Errorf("alipay adapter: %w", err)
		}
		registry.Register(a)
	}
	if cfg.Payline.MerchantID != "" {
		a, err := gateway.NewPaylineAdapter(&cfg.Payline)
		if err != nil {
			return fmt.Errorf("payline adapter: %w", err)
		}
		registry.Register(a)
	}
	if len(registry.List()) == 0 {
		log.Warn("no payment gateways configured")
	}
	return nil
}

func healthHandler(db *gorm.DB, redisClient redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "component": "database"})
			return
		}
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "component": "redis"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// Stop shuts down background components in dependency order.
func (a *App) Stop() {
	a.worker.Stop()
	if err := cache.Close(a.redis); err != nil {
		a.log.Warn("close redis failed", zap.Error(err))
	}
	if err := database.Close(a.db); err != nil {
		a.log.Warn("close database failed", zap.Error(err))
	}
	_ = a.log.Sync()
}
