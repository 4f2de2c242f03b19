package handlers

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"permabundle/internal/config"
	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
	"permabundle/internal/ledger"
	"permabundle/internal/paymentdb"
	"permabundle/internal/payments"
)

// webhookTimestampTolerance rejects replayed Stripe events.
const webhookTimestampTolerance = 5 * time.Minute

// PaymentHandler serves the payment service's routes: the bearer-guarded
// private surface the upload service calls, the Stripe webhook, and the
// public balance read.
type PaymentHandler struct {
	ledger   *ledger.Ledger
	payments *payments.Service
	stripe   *config.StripeConfig
}

// NewPaymentHandler creates the payment-route handler group.
func NewPaymentHandler(led *ledger.Ledger, svc *payments.Service, stripeCfg *config.StripeConfig) *PaymentHandler {
	return &PaymentHandler{
		ledger:   led,
		payments: svc,
		stripe:   stripeCfg,
	}
}

// RegisterRoutes registers all payment routes. The private group must carry
// the service-auth middleware; the webhook authenticates through its own
// signature instead.
func (h *PaymentHandler) RegisterRoutes(app *fiber.App, privateAuth fiber.Handler, paymentLimit fiber.Handler) {
	private := app.Group("/private", privateAuth)
	private.Post("/reserve", h.Reserve)
	private.Post("/consume", h.Consume)
	private.Post("/refund", h.Refund)
	private.Post("/adjust", h.Adjust)
	private.Post("/x402/requirements", h.Requirements)
	private.Post("/x402/verifyAndSettle", h.VerifyAndSettle)
	private.Post("/x402/finalize", h.Finalize)

	app.Get("/v1/balance/:kind/:addr", h.Balance, paymentLimit)
	app.Post("/webhooks/stripe", h.StripeWebhook, paymentLimit)
}

// Reserve holds credits for a declared upload size.
func (h *PaymentHandler) Reserve(c fiber.Ctx) error {
	var body struct {
		Address       string `json:"address"`
		SignatureKind string `json:"signatureKind"`
		ItemID        string `json:"itemId"`
		ByteCount     int64  `json:"byteCount"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode reserve request", err)
	}
	user, err := parseUser(body.SignatureKind, body.Address)
	if err != nil {
		return err
	}

	r, err := h.ledger.Reserve(c.Context(), user, body.ItemID, body.ByteCount)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"reservationId": r.ID,
		"wincReserved":  r.Reserved,
		"expiresAt":     r.ExpiresAt,
	})
}

// Consume settles a hold at the byte count that actually shipped.
func (h *PaymentHandler) Consume(c fiber.Ctx) error {
	var body struct {
		ReservationID uuid.UUID `json:"reservationId"`
		ActualBytes   int64     `json:"actualBytes"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode consume request", err)
	}

	charged, err := h.ledger.Consume(c.Context(), body.ReservationID, body.ActualBytes)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"wincCharged": charged})
}

// Refund releases a hold in full.
func (h *PaymentHandler) Refund(c fiber.Ctx) error {
	var body struct {
		ReservationID uuid.UUID `json:"reservationId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode refund request", err)
	}
	if err := h.ledger.Refund(c.Context(), body.ReservationID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "refunded"})
}

// Adjust applies a signed balance delta with an audit reason.
func (h *PaymentHandler) Adjust(c fiber.Ctx) error {
	var body struct {
		Address       string          `json:"address"`
		SignatureKind string          `json:"signatureKind"`
		Delta         credits.Credits `json:"delta"`
		Reason        string          `json:"reason"`
		RefID         string          `json:"refId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode adjust request", err)
	}
	user, err := parseUser(body.SignatureKind, body.Address)
	if err != nil {
		return err
	}
	if body.Reason == "" {
		return errs.New(errs.KindBadRequest, "adjust reason is required")
	}

	err = h.ledger.Adjust(c.Context(), user, body.Delta,
		paymentdb.AuditReason(body.Reason), body.RefID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "adjusted"})
}

// Requirements returns the x402 terms for a byte count.
func (h *PaymentHandler) Requirements(c fiber.Ctx) error {
	var body struct {
		Resource  string `json:"resource"`
		ByteCount int64  `json:"byteCount"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode requirements request", err)
	}
	if body.ByteCount <= 0 {
		return errs.New(errs.KindBadRequest, "byteCount must be positive")
	}

	reqs, err := h.payments.Requirements(body.Resource, body.ByteCount)
	if err != nil {
		return err
	}
	return c.JSON(reqs)
}

// VerifyAndSettle runs the full x402 acceptance sequence for one payment.
func (h *PaymentHandler) VerifyAndSettle(c fiber.Ctx) error {
	var body struct {
		PaymentHeader string `json:"paymentHeader"`
		DeclaredBytes int64  `json:"declaredBytes"`
		ItemID        string `json:"itemId"`
		Mode          string `json:"mode"`
		SignatureKind string `json:"signatureKind"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode settle request", err)
	}
	if body.PaymentHeader == "" {
		return errs.New(errs.KindBadRequest, "paymentHeader is required")
	}

	kind := dataitem.SignatureKind(body.SignatureKind)
	result, err := h.payments.VerifyAndSettle(c.Context(), &payments.SettleRequest{
		PaymentHeader: body.PaymentHeader,
		DeclaredBytes: body.DeclaredBytes,
		ItemID:        body.ItemID,
		Mode:          body.Mode,
		SignatureKind: kind,
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// Finalize reconciles a settled payment against the actual byte count.
func (h *PaymentHandler) Finalize(c fiber.Ctx) error {
	var body struct {
		PaymentID   uuid.UUID `json:"paymentId"`
		ActualBytes int64     `json:"actualBytes"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode finalize request", err)
	}
	res, err := h.payments.FinalizeX402(c.Context(), body.PaymentID, body.ActualBytes)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Balance returns a user's spendable credits and live holds.
func (h *PaymentHandler) Balance(c fiber.Ctx) error {
	user, err := parseUser(c.Params("kind"), c.Params("addr"))
	if err != nil {
		return err
	}
	bal, err := h.ledger.GetBalance(c.Context(), user)
	if err != nil {
		return err
	}
	return c.JSON(bal)
}

// StripeWebhook credits card top-ups. Authentication is the Stripe
// signature, not the private bearer.
func (h *PaymentHandler) StripeWebhook(c fiber.Ctx) error {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return errs.New(errs.KindBadRequest, "missing Stripe-Signature header")
	}

	event, err := payments.ParseStripeEvent(c.Body(), signature, h.stripe.WebhookSecret)
	if err != nil {
		return err
	}
	if age := time.Since(time.Unix(event.Created, 0)); age > webhookTimestampTolerance {
		slog.Warn("stripe webhook rejected as stale", "event_id", event.ID, "age", age)
		return errs.Newf(errs.KindBadRequest, "event %s is too old", event.ID)
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return errs.Wrap(errs.KindBadRequest, "decode checkout session", err)
		}
		if err := h.payments.HandleCheckoutCompleted(c.Context(), &session); err != nil {
			return err
		}
	default:
		slog.Debug("ignoring stripe event", "type", event.Type, "event_id", event.ID)
	}
	return c.JSON(fiber.Map{"received": true})
}

func parseUser(kindName, address string) (paymentdb.UserID, error) {
	kind, err := dataitem.ParseKind(kindName)
	if err != nil {
		return paymentdb.UserID{}, err
	}
	if err := dataitem.ValidateOwner(kind, address); err != nil {
		return paymentdb.UserID{}, err
	}
	return paymentdb.UserID{Address: address, Kind: kind}, nil
}
