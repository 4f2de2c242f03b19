package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"permabundle/internal/config"
)

// privateIssuer must match the issuer the upload service stamps into its
// service tokens.
const privateIssuer = "upload-service"

// PrivateAuth guards the payment service's /private surface. Callers present
// a short-lived HS256 bearer token minted with the shared secret; anything
// else gets a 401. The token is service-to-service identity, not a user
// session, so there are no per-caller claims beyond issuer and expiry.
func PrivateAuth(cfg *config.PrivateAuthConfig) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return unauthorized(c, "missing bearer token")
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			return []byte(cfg.SharedSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			return unauthorized(c, "invalid service token")
		}
		if issuer, err := token.Claims.GetIssuer(); err != nil || issuer != privateIssuer {
			return unauthorized(c, "unknown token issuer")
		}

		return c.Next()
	}
}

func unauthorized(c fiber.Ctx, detail string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":      "unauthorized",
		"detail":     detail,
		"request_id": GetRequestID(c),
	})
}
