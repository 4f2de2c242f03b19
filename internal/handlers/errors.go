// Package handlers holds the Fiber HTTP surface for both services: the
// public upload routes and the payment service's private surface.
package handlers

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"permabundle/internal/errs"
	"permabundle/internal/middleware"
)

// ErrorHandler is the app-wide Fiber error handler. Tagged errors map to
// their HTTP status through the kind taxonomy; anything untagged is a 500
// with the detail withheld from the client.
func ErrorHandler(c fiber.Ctx, err error) error {
	requestID := middleware.GetRequestID(c)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"error":      fe.Message,
			"request_id": requestID,
		})
	}

	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)

	body := fiber.Map{
		"error":      clientMessage(kind, err),
		"kind":       string(kind),
		"request_id": requestID,
	}
	if ra := errs.RetryAfterOf(err); ra > 0 {
		secs := int(ra / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
		body["retry_after"] = secs
	}

	if status >= 500 {
		slog.Error("request failed", "error", err, "status", status, "request_id", requestID)
	} else {
		slog.Info("request rejected", "kind", kind, "status", status, "request_id", requestID)
	}
	return c.Status(status).JSON(body)
}

// clientMessage keeps internal error chains out of responses.
func clientMessage(kind errs.Kind, err error) string {
	if kind == errs.KindInternal {
		return "internal error"
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
