package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "meterpay/backend/libs/db"
	libredis "meterpay/backend/libs/redis"
	"meterpay/backend/services/meter-server/internal/access"
	"meterpay/backend/services/meter-server/internal/config"
	httpserver "meterpay/backend/services/meter-server/internal/http"
	"meterpay/backend/services/meter-server/internal/http/handlers"
	"meterpay/backend/services/meter-server/internal/metrics"
	"meterpay/backend/services/meter-server/internal/payment"
	"meterpay/backend/services/meter-server/internal/protocol"
	redisstore "meterpay/backend/services/meter-server/internal/redis"
	"meterpay/backend/services/meter-server/internal/repository"
	"meterpay/backend/services/meter-server/internal/schema"
	"meterpay/backend/services/meter-server/internal/session"
	"meterpay/backend/services/meter-server/internal/ws"
)

const (
	sweepInterval = time.Minute
	// settleGrace is added to the refund timeout when waiting for sessions at shutdown.
	settleGrace = 5 * time.Second
)

// App wires all dependencies for the meter server.
type App struct {
	server    *httpserver.Server
	lifecycle *session.Lifecycle
	manager   *ws.Manager
	pending   *payment.MemoryPendingStore
	pool      *pgxpool.Pool
	redis     *goredis.Client
	settleFor time.Duration
	logger    *zap.Logger
}

// New builds the application graph. Postgres and Redis are optional; without them
// settlements are only logged and reservations live in process memory.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		logger:    logger,
		settleFor: cfg.Metering.RefundTimeout + settleGrace,
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	instance := cfg.InstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}

	var (
		store  payment.PendingStore
		mirror *redisstore.Store
	)
	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(ctx, libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		store = payment.NewRedisPendingStore(client, cfg.Redis.Prefix+":payments")
		mirror = redisstore.NewStore(client, cfg.MirrorTTL(), instance)
	} else {
		a.pending = payment.NewMemoryPendingStore()
		store = a.pending
	}

	backend, err := newBackend(cfg, store)
	if err != nil {
		return nil, err
	}

	var ledger *repository.SettlementRepository
	if cfg.Database.DSN != "" {
		pool, err := libdb.NewPostgresPool(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		ledger = repository.NewSettlementRepository(pool)
		if err := ledger.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate settlements: %w", err)
		}
	}

	var tokens *access.TokenService
	if cfg.Access.TokenSecret != "" {
		tokens, err = access.NewTokenService(cfg.Access.TokenSecret, cfg.Access.Issuer, cfg.Metering.MaxSessionDuration)
		if err != nil {
			return nil, err
		}
	}

	collector := metrics.New()
	obs := &observers{metrics: collector, mirror: mirror, ledger: ledger, logger: logger}

	registry := session.NewRegistry()
	lcCfg := session.Config{
		UpdateInterval:     cfg.Metering.UpdateInterval,
		PricePerSecond:     cfg.Metering.PricePerSecond,
		ResourcePrices:     cfg.Metering.ResourcePrices,
		Currency:           cfg.Metering.Currency,
		MaxSessionDuration: cfg.Metering.MaxSessionDuration,
		ProofTimeout:       cfg.Metering.ProofTimeout,
		VerifyTimeout:      cfg.Metering.VerifyTimeout,
		RefundTimeout:      cfg.Metering.RefundTimeout,
		Hooks:              obs.hooks(),
	}
	if tokens != nil {
		lcCfg.Tokens = tokens
	}
	lifecycle, err := session.NewLifecycle(lcCfg, registry, backend, logger)
	if err != nil {
		return nil, err
	}
	a.lifecycle = lifecycle

	generator := newSchemaGenerator(cfg, lifecycle, backend)

	a.manager = ws.NewManager(cfg.WebSocket.PingInterval, logger)
	wsServer := ws.NewServer(a.manager, lifecycle, cfg.WebSocket.WriteTimeout, logger)

	var settlements handlers.SettlementLedger
	if ledger != nil {
		settlements = ledger
	}

	deps := httpserver.RouterDeps{
		SchemaHandler: handlers.NewSchemaHandler(generator, logger),
		AdminHandlers: handlers.NewAdminHandlers(registry, lifecycle, settlements, backend, cfg.Metering.RefundTimeout, logger),
		HealthHandler: handlers.Health(registry),
		WSHandler:     wsServer.HandleWS,
		Metrics:       collector.Handler(),
		AdminToken:    cfg.HTTP.AdminToken,
		Logger:        logger,
	}
	if tokens != nil && cfg.Access.ResourcesDir != "" {
		deps.Resources = http.FileServer(http.Dir(cfg.Access.ResourcesDir))
		deps.AccessGate = access.Middleware(tokens, registry, "/resources")
	}

	a.server = httpserver.NewServer(cfg.HTTPAddress(), httpserver.NewRouter(deps), logger)

	logger.Info("meter server configured",
		zap.String("payment_backend", cfg.Payment.Backend),
		zap.Bool("settlement_ledger", ledger != nil),
		zap.Bool("redis", a.redis != nil),
		zap.Bool("access_tokens", tokens != nil),
		zap.String("instance", instance),
	)
	ok = true
	return a, nil
}

// newSchemaGenerator quotes at the price the lifecycle will meter.
func newSchemaGenerator(cfg *config.Config, lifecycle *session.Lifecycle, backend payment.Backend) *schema.Generator {
	return schema.NewGenerator(schema.Config{
		Endpoint:           cfg.Endpoint(),
		PriceFor:           lifecycle.PriceFor,
		Currency:           cfg.Metering.Currency,
		MaxSessionDuration: cfg.Metering.MaxSessionDuration,
	}, backend)
}

func newBackend(cfg *config.Config, store payment.PendingStore) (payment.Backend, error) {
	switch cfg.Payment.Backend {
	case config.BackendMock:
		return payment.NewMock(payment.MockConfig{
			Currency:       cfg.Metering.Currency,
			Recipient:      cfg.Payment.Mock.Recipient,
			QuoteTTL:       cfg.Payment.QuoteTTL,
			AcceptUnquoted: cfg.Payment.Mock.AcceptUnquoted,
			Store:          store,
		}), nil
	case config.BackendChain:
		return payment.NewChain(payment.ChainConfig{
			RPCURL:           cfg.Payment.Chain.RPCURL,
			ChainID:          cfg.Payment.Chain.ChainID,
			Recipient:        cfg.Payment.Chain.Recipient,
			Currency:         cfg.Metering.Currency,
			MinConfirmations: cfg.Payment.Chain.MinConfirmations,
			QuoteTTL:         cfg.Payment.QuoteTTL,
			Timeout:          cfg.Metering.VerifyTimeout,
			Store:            store,
		})
	case config.BackendGateway:
		return payment.NewGateway(payment.GatewayConfig{
			BaseURL:  cfg.Payment.Gateway.BaseURL,
			APIKey:   cfg.Payment.Gateway.APIKey,
			Currency: cfg.Metering.Currency,
			Timeout:  cfg.Metering.VerifyTimeout,
		})
	default:
		return nil, fmt.Errorf("%w: unknown payment backend %q", config.ErrConfiguration, cfg.Payment.Backend)
	}
}

// Run serves until ctx is cancelled, then waits for every open session to settle.
func (a *App) Run(ctx context.Context) error {
	go a.manager.Start(ctx)
	if a.pending != nil {
		go a.sweep(ctx)
	}

	err := a.server.Run(ctx)

	settled := make(chan struct{})
	go func() {
		a.lifecycle.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		a.logger.Info("all sessions settled")
	case <-time.After(a.settleFor):
		a.logger.Warn("sessions still settling at shutdown", zap.Int("connections", a.manager.Len()))
		a.manager.CloseAll(protocol.CloseGoingAway, "server shutting down")
	}
	return err
}

func (a *App) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.pending.Sweep(); n > 0 {
				a.logger.Debug("swept expired reservations", zap.Int("count", n))
			}
		}
	}
}

// Close releases resources.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
