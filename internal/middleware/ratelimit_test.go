package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permabundle/internal/cachestore"
	"permabundle/internal/config"
)

func limiterApp(t *testing.T, cfg *config.RateLimitConfig) (*fiber.App, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := cachestore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	app := fiber.New()
	app.Use(RequestID())
	app.Get("/price", RateLimit(cfg, cache, "price"), func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app, mr
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	app, _ := limiterApp(t, &config.RateLimitConfig{
		Enabled: true,
		Scopes:  map[string]config.RateScope{"price": {Max: 3, Window: time.Minute}},
	})

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/price", nil))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, "request %d", i+1)
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	app, _ := limiterApp(t, &config.RateLimitConfig{
		Enabled: true,
		Scopes:  map[string]config.RateScope{"price": {Max: 2, Window: time.Minute}},
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/price", nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/price", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get(fiber.HeaderRetryAfter))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "rate_limited", payload["kind"])
	assert.NotEmpty(t, payload["request_id"])
}

func TestRateLimit_WindowResets(t *testing.T) {
	app, mr := limiterApp(t, &config.RateLimitConfig{
		Enabled: true,
		Scopes:  map[string]config.RateScope{"price": {Max: 1, Window: 30 * time.Second}},
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/price", nil))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/price", nil))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	mr.FastForward(31 * time.Second)

	resp, err = app.Test(httptest.NewRequest("GET", "/price", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	app, _ := limiterApp(t, &config.RateLimitConfig{
		Enabled: false,
		Scopes:  map[string]config.RateScope{"price": {Max: 1, Window: time.Minute}},
	})

	for i := 0; i < 5; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/price", nil))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}

func TestRateLimit_UnknownScopePassesThrough(t *testing.T) {
	app, _ := limiterApp(t, &config.RateLimitConfig{
		Enabled: true,
		Scopes:  map[string]config.RateScope{"payment": {Max: 1, Window: time.Minute}},
	})

	for i := 0; i < 5; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/price", nil))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}

func TestRateLimit_FailsOpenWhenCacheDown(t *testing.T) {
	app, mr := limiterApp(t, &config.RateLimitConfig{
		Enabled: true,
		Scopes:  map[string]config.RateScope{"price": {Max: 1, Window: time.Minute}},
	})
	mr.Close()

	resp, err := app.Test(httptest.NewRequest("GET", "/price", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
