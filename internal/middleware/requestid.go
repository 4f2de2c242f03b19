package middleware

import (
	"regexp"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the header name for the request ID
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the key used to store the request ID in Fiber's Locals
	RequestIDKey = "request_id"
)

// validRequestIDPattern matches UUIDs or alphanumeric+hyphen strings up to 64 chars
var validRequestIDPattern = regexp.MustCompile(`^[0-9a-zA-Z-]{1,64}$`)

// RequestID returns middleware that generates a unique request ID for each
// request. The ID lands in c.Locals("request_id") and the response header. A
// valid client-supplied X-Request-ID is kept; anything else is replaced with
// a server-generated UUID.
func RequestID() fiber.Handler {
	return func(c fiber.Ctx) error {
		requestID := c.Get(RequestIDHeader)
		if requestID == "" || !validRequestIDPattern.MatchString(requestID) {
			requestID = uuid.New().String()
		}

		c.Locals(RequestIDKey, requestID)
		c.Set(RequestIDHeader, requestID)

		return c.Next()
	}
}

// GetRequestID retrieves the request ID from the Fiber context.
// Returns an empty string if no request ID is set.
func GetRequestID(c fiber.Ctx) string {
	if id, ok := c.Locals(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
