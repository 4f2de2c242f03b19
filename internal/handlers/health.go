package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"permabundle/internal/db"
)

// HealthHandler reports service liveness and dependency reachability.
type HealthHandler struct {
	db    *db.DB
	extra map[string]func(context.Context) error
}

// NewHealthHandler creates a health handler. Extra named probes (cache,
// gateway) are checked alongside the database.
func NewHealthHandler(database *db.DB, extra map[string]func(context.Context) error) *HealthHandler {
	return &HealthHandler{db: database, extra: extra}
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.Health)
}

// Health pings every dependency with a short deadline. A degraded service
// still answers 200; orchestrators read the status field.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{}
	status := "healthy"

	if err := h.db.Ping(ctx); err != nil {
		services["database"] = "down"
		status = "degraded"
	} else {
		services["database"] = "up"
	}
	for name, probe := range h.extra {
		if err := probe(ctx); err != nil {
			services[name] = "down"
			status = "degraded"
		} else {
			services[name] = "up"
		}
	}

	return c.JSON(fiber.Map{
		"status":    status,
		"services":  services,
		"timestamp": time.Now().Unix(),
	})
}
