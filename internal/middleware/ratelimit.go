package middleware

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/gofiber/fiber/v3"

	"permabundle/internal/cachestore"
	"permabundle/internal/config"
	"permabundle/internal/errs"
)

// RateLimit returns a fixed-window limiter for one request scope, counting
// per client IP in the shared cache. Counters live in Redis so every replica
// of the service sees the same window. When the scope is not configured or
// limiting is disabled the middleware is a pass-through.
//
// The limiter fails open: if the counter store is unreachable the request
// proceeds, because refusing all traffic on a cache blip is worse than
// briefly losing the limit.
func RateLimit(cfg *config.RateLimitConfig, cache cachestore.Store, scope string) fiber.Handler {
	sc, ok := cfg.Scopes[scope]
	if !cfg.Enabled || !ok || sc.Max <= 0 {
		return func(c fiber.Ctx) error {
			return c.Next()
		}
	}

	return func(c fiber.Ctx) error {
		key := fmt.Sprintf("ratelimit:%s:%s", scope, c.IP())
		count, err := cache.Incr(c.Context(), key, sc.Window)
		if err != nil {
			slog.Warn("rate limit counter unavailable", "scope", scope, "error", err)
			return c.Next()
		}
		if count > int64(sc.Max) {
			retryAfter := int(math.Ceil(sc.Window.Seconds()))
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", retryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"kind":        string(errs.KindRateLimited),
				"retry_after": retryAfter,
				"request_id":  GetRequestID(c),
			})
		}
		return c.Next()
	}
}
