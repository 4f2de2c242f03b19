package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permabundle/internal/config"
	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/db"
	"permabundle/internal/db/testutil"
	"permabundle/internal/ledger"
	"permabundle/internal/middleware"
	"permabundle/internal/paymentdb"
	"permabundle/internal/payments"
	"permabundle/internal/pricing"
	"permabundle/internal/x402"
)

const paymentTestSecret = "handler-test-shared-secret"

// paymentApp wires the payment service app against a dockerised database.
func paymentApp(t *testing.T) (*fiber.App, *ledger.Ledger) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	database := db.FromPool(tdb.Pool)
	require.NoError(t, database.Migrate(context.Background(), "payment"))

	oracle := pricing.New(&config.PricingConfig{
		CreditsPerGiB:    10_000_000_000,
		MicroUSDCPerMega: 8,
		BufferPct:        15,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(database, oracle, time.Hour, time.Minute, logger)

	catalog := x402.DefaultCatalog()
	x402Cfg := &config.X402Config{
		ReceivingAddress: "0x1111111111111111111111111111111111111111",
		SettleTimeout:    30 * time.Second,
	}
	svc := payments.New(database, led, oracle,
		x402.NewVerifier(catalog, x402Cfg.ReceivingAddress),
		x402.NewFacilitator(x402Cfg), catalog, x402Cfg,
		&config.FraudConfig{TolerancePct: 1, WarningPct: 5, BanCount: 3, BanDays: 30, MajorPct: 20},
		logger)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(middleware.RequestID())
	h := NewPaymentHandler(led, svc, &config.StripeConfig{WebhookSecret: "whsec_test"})
	auth := middleware.PrivateAuth(&config.PrivateAuthConfig{SharedSecret: paymentTestSecret})
	passthrough := func(c fiber.Ctx) error { return c.Next() }
	h.RegisterRoutes(app, auth, passthrough)
	return app, led
}

func serviceToken(t *testing.T) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "upload-service",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	signed, err := token.SignedString([]byte(paymentTestSecret))
	require.NoError(t, err)
	return signed
}

func privatePost(t *testing.T, app *fiber.App, path, body string) map[string]any {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+serviceToken(t))

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	if out == nil {
		out = map[string]any{}
	}
	out["_status"] = resp.StatusCode
	return out
}

func TestPrivateSurface_RequiresAuth(t *testing.T) {
	app, _ := paymentApp(t)

	req := httptest.NewRequest("POST", "/private/reserve", strings.NewReader(`{}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestReserveConsumeRefundOverHTTP(t *testing.T) {
	app, led := paymentApp(t)
	ctx := context.Background()
	user := paymentdb.UserID{Address: testAddr, Kind: dataitem.KindEthereum}
	require.NoError(t, led.Credit(ctx, user, 20_000_000_000, paymentdb.ReasonTopup, "seed"))

	// Reserve holds the buffered price.
	out := privatePost(t, app, "/private/reserve",
		`{"address":"`+testAddr+`","signatureKind":"ethereum","itemId":"item-1","byteCount":1073741824}`)
	require.Equal(t, 200, out["_status"], "body: %v", out)
	assert.Equal(t, "11500000000", out["wincReserved"]) // credits marshal as strings
	reservationID := out["reservationId"].(string)
	require.NoError(t, uuid.Validate(reservationID))

	// Consume settles at the actual size without the buffer.
	out = privatePost(t, app, "/private/consume",
		`{"reservationId":"`+reservationID+`","actualBytes":1073741824}`)
	require.Equal(t, 200, out["_status"], "body: %v", out)
	assert.Equal(t, "10000000000", out["wincCharged"])

	// The buffer returned to the balance.
	b, err := led.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, credits.Credits(10_000_000_000), b.Winc)
	assert.Equal(t, credits.Credits(0), b.Reserved)

	// Refunding a consumed reservation fails.
	out = privatePost(t, app, "/private/refund",
		`{"reservationId":"`+reservationID+`"}`)
	assert.Equal(t, 400, out["_status"])
}

func TestReserve_InsufficientCreditOverHTTP(t *testing.T) {
	app, _ := paymentApp(t)

	out := privatePost(t, app, "/private/reserve",
		`{"address":"`+testAddr+`","signatureKind":"ethereum","byteCount":1073741824}`)
	assert.Equal(t, 402, out["_status"])
	assert.Equal(t, "insufficient_credit", out["kind"])
}

func TestAdjustAndBalanceOverHTTP(t *testing.T) {
	app, _ := paymentApp(t)

	out := privatePost(t, app, "/private/adjust",
		`{"address":"`+testAddr+`","signatureKind":"ethereum","delta":5000,"reason":"topup","refId":"ref-http"}`)
	require.Equal(t, 200, out["_status"], "body: %v", out)

	req := httptest.NewRequest("GET", "/v1/balance/ethereum/"+testAddr, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var bal struct {
		Winc     credits.Credits `json:"winc"`
		Reserved credits.Credits `json:"reservedWinc"`
	}
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &bal))
	assert.Equal(t, credits.Credits(5000), bal.Winc)
}

func TestRequirementsOverHTTP(t *testing.T) {
	app, _ := paymentApp(t)

	out := privatePost(t, app, "/private/x402/requirements",
		`{"resource":"/v1/tx","byteCount":2048}`)
	require.Equal(t, 200, out["_status"], "body: %v", out)

	accepts := out["accepts"].([]any)
	require.NotEmpty(t, accepts)
	first := accepts[0].(map[string]any)
	assert.Equal(t, "eip-3009", first["scheme"])
	assert.Equal(t, "/v1/tx", first["resource"])
}

func TestStripeWebhook_RejectsMissingSignature(t *testing.T) {
	app, _ := paymentApp(t)

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{}`))
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
