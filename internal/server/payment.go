package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v3"

	"permabundle/internal/cachestore"
	"permabundle/internal/config"
	"permabundle/internal/db"
	"permabundle/internal/handlers"
	"permabundle/internal/ledger"
	"permabundle/internal/middleware"
	"permabundle/internal/payments"
	"permabundle/internal/pricing"
	"permabundle/internal/x402"
)

// Payment is the payment service: the ledger, the x402 settlement surface,
// and the Stripe webhook.
type Payment struct {
	app      *fiber.App
	cfg      *config.Config
	database *db.DB
	cache    cachestore.Store
	ledger   *ledger.Ledger
	sweepCtx context.CancelFunc
}

// NewPayment wires the payment service.
func NewPayment(ctx context.Context, cfg *config.Config) (*Payment, error) {
	database, err := db.New(&cfg.PaymentDB)
	if err != nil {
		return nil, fmt.Errorf("connect payment database: %w", err)
	}
	if err := database.Migrate(ctx, "payment"); err != nil {
		return nil, fmt.Errorf("migrate payment database: %w", err)
	}

	cache, err := cachestore.New(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect cache: %w", err)
	}

	log := slog.Default()
	oracle := pricing.New(&cfg.Pricing)
	led := ledger.New(database, oracle, cfg.Pricing.ReservationTTL,
		cfg.Pricing.ExpirySweepPeriod, log)

	catalog, err := x402.LoadCatalog(cfg.X402.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load network catalog: %w", err)
	}
	networks, err := catalog.Enabled(cfg.X402.EnabledNetworks)
	if err != nil {
		return nil, fmt.Errorf("select enabled networks: %w", err)
	}

	svc := payments.New(database, led, oracle,
		x402.NewVerifier(networks, cfg.X402.ReceivingAddress),
		x402.NewFacilitator(&cfg.X402), networks,
		&cfg.X402, &cfg.Fraud, log)

	app := fiber.New(fiber.Config{
		AppName:      "payment-service",
		ReadTimeout:  cfg.Payment.ReadTimeout,
		WriteTimeout: cfg.Payment.WriteTimeout,
		ErrorHandler: handlers.ErrorHandler,
	})
	setupCommonMiddleware(app, cfg)

	paymentHandler := handlers.NewPaymentHandler(led, svc, &cfg.Stripe)
	paymentHandler.RegisterRoutes(app,
		middleware.PrivateAuth(&cfg.PrivateAuth),
		middleware.RateLimit(&cfg.RateLimit, cache, "payment"))

	health := handlers.NewHealthHandler(database, map[string]func(context.Context) error{
		"cache": cache.Ping,
	})
	health.RegisterRoutes(app)
	registerNotFound(app)

	return &Payment{
		app:      app,
		cfg:      cfg,
		database: database,
		cache:    cache,
		ledger:   led,
	}, nil
}

// Start runs the expiry sweeper and serves HTTP. Blocks until Listen returns.
func (s *Payment) Start(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.sweepCtx = cancel
	s.ledger.StartSweeper(sweepCtx)

	addr := ":" + s.cfg.Payment.Port
	slog.Info("starting payment service", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the sweeper, then the HTTP server, then closes stores.
func (s *Payment) Shutdown(ctx context.Context) error {
	slog.Info("shutting down payment service")
	if s.sweepCtx != nil {
		s.sweepCtx()
	}
	s.ledger.StopSweeper()

	err := s.app.ShutdownWithContext(ctx)
	if cerr := s.cache.Close(); cerr != nil {
		slog.Error("cache close failed", "error", cerr)
	}
	s.database.Close()
	return err
}
