// Package server assembles the two service binaries: the public upload
// service with its job pipeline, and the payment service with the ledger.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"permabundle/internal/cachestore"
	"permabundle/internal/config"
	"permabundle/internal/db"
	"permabundle/internal/gateway"
	"permabundle/internal/handlers"
	"permabundle/internal/ingest"
	"permabundle/internal/jobqueue"
	"permabundle/internal/middleware"
	"permabundle/internal/objectstore"
	"permabundle/internal/optical"
	"permabundle/internal/paymentclient"
	"permabundle/internal/pipeline"
	"permabundle/internal/pricing"
)

// Upload is the upload service: HTTP surface plus the fulfillment pipeline.
type Upload struct {
	app      *fiber.App
	cfg      *config.Config
	database *db.DB
	cache    cachestore.Store
	runner   *jobqueue.Runner
	pipeline *pipeline.Pipeline
}

// NewUpload wires the upload service.
func NewUpload(ctx context.Context, cfg *config.Config) (*Upload, error) {
	database, err := db.New(&cfg.UploadDB)
	if err != nil {
		return nil, fmt.Errorf("connect upload database: %w", err)
	}
	if err := database.Migrate(ctx, "upload"); err != nil {
		return nil, fmt.Errorf("migrate upload database: %w", err)
	}

	cache, err := cachestore.New(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect cache: %w", err)
	}
	objects, err := objectstore.New(ctx, &cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	payments := paymentclient.New(cfg.PaymentServiceURL, &cfg.PrivateAuth)
	queue := jobqueue.New(database)
	log := slog.Default()

	ing := ingest.New(cfg, database, cache, objects, payments, queue, log)
	gw := gateway.New(&cfg.Gateway)
	op := optical.New(&cfg.Optical, log)

	pipe, err := pipeline.New(cfg, database, cache, objects, payments, queue, gw, op, log)
	if err != nil {
		return nil, err
	}
	runner := jobqueue.NewRunner(queue, log, time.Second)
	pipe.Register(runner)

	app := fiber.New(fiber.Config{
		AppName: "upload-service",
		// Uploads stream; the body must not buffer in memory.
		StreamRequestBody: true,
		BodyLimit:         int(cfg.Limits.MaxItemBytes),
		ReadTimeout:       cfg.Upload.ReadTimeout,
		WriteTimeout:      cfg.Upload.WriteTimeout,
		ErrorHandler:      handlers.ErrorHandler,
	})
	setupCommonMiddleware(app, cfg)

	oracle := pricing.New(&cfg.Pricing)
	uploadHandler := handlers.NewUploadHandler(ing, database, payments, oracle)
	uploadHandler.RegisterRoutes(app,
		middleware.RateLimit(&cfg.RateLimit, cache, "price"),
		middleware.RateLimit(&cfg.RateLimit, cache, "upload"))

	health := handlers.NewHealthHandler(database, map[string]func(context.Context) error{
		"cache": cache.Ping,
	})
	health.RegisterRoutes(app)
	registerNotFound(app)

	return &Upload{
		app:      app,
		cfg:      cfg,
		database: database,
		cache:    cache,
		runner:   runner,
		pipeline: pipe,
	}, nil
}

// Start runs the workers and serves HTTP. Blocks until Listen returns.
func (s *Upload) Start(ctx context.Context) error {
	s.runner.Start(ctx)
	s.pipeline.StartPlanner()

	addr := ":" + s.cfg.Upload.Port
	slog.Info("starting upload service", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown drains the workers, then the HTTP server, then closes stores.
func (s *Upload) Shutdown(ctx context.Context) error {
	slog.Info("shutting down upload service")
	s.pipeline.StopPlanner()
	s.runner.Stop(s.cfg.Workers.GraceTimeout)

	err := s.app.ShutdownWithContext(ctx)
	if cerr := s.cache.Close(); cerr != nil {
		slog.Error("cache close failed", "error", cerr)
	}
	s.database.Close()
	return err
}

// setupCommonMiddleware applies the stack both services share.
func setupCommonMiddleware(app *fiber.App, cfg *config.Config) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())

	if cfg.IsProduction() {
		app.Use(logger.New(logger.Config{
			Format: `{"time":"${time}","status":${status},"method":"${method}","path":"${path}","latency":"${latency}","ip":"${ip}","request_id":"${locals:request_id}"}` + "\n",
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${method} ${path} ${latency} [${locals:request_id}]\n",
		}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			handlers.PaymentHeader, handlers.OwnerHeader,
			handlers.SignatureKindHeader, middleware.RequestIDHeader,
		},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        300,
	}))
}

func registerNotFound(app *fiber.App) {
	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":      "not found",
			"path":       c.Path(),
			"request_id": middleware.GetRequestID(c),
		})
	})
}
