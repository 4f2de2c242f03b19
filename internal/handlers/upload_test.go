package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permabundle/internal/config"
	"permabundle/internal/middleware"
	"permabundle/internal/paymentclient"
	"permabundle/internal/pricing"
	"permabundle/internal/x402"
)

const testAddr = "0x857b06519E91e3A54538791bDbb0E22373e36b66"

// uploadApp wires the DB-less routes: pricing and the x402 pass-throughs.
// The payment service behind the client is httpmock.
func uploadApp(t *testing.T) *fiber.App {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	payments := paymentclient.New("https://payment.test", &config.PrivateAuthConfig{
		SharedSecret: "0123456789abcdef0123456789abcdef",
		TokenTTL:     2 * time.Minute,
	})
	payments.SetHTTPClient(&http.Client{Transport: httpmock.DefaultTransport})

	oracle := pricing.New(&config.PricingConfig{
		CreditsPerGiB:    1 << 30, // 1 credit per byte keeps the math readable
		MicroUSDCPerMega: 100,
		BufferPct:        15,
	})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(middleware.RequestID())
	h := NewUploadHandler(nil, nil, payments, oracle)
	passthrough := func(c fiber.Ctx) error { return c.Next() }
	h.RegisterRoutes(app, passthrough, passthrough)
	return app
}

func TestPriceBytes(t *testing.T) {
	app := uploadApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/bytes/1024", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var quote pricing.Quote
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &quote))
	assert.EqualValues(t, 1024, quote.ByteCount)
	assert.EqualValues(t, 1024, quote.Winc)
	assert.EqualValues(t, 1177, quote.WincWithBuffer) // floor semantics of the 15% buffer
}

func TestPriceBytes_BadCount(t *testing.T) {
	app := uploadApp(t)

	for _, path := range []string{"/v1/price/bytes/abc", "/v1/price/bytes/0"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 400, resp.StatusCode, path)
	}
}

func TestX402Price_Returns402WithTerms(t *testing.T) {
	app := uploadApp(t)

	httpmock.RegisterResponder("POST", "https://payment.test/private/x402/requirements",
		func(req *http.Request) (*http.Response, error) {
			var body paymentclient.RequirementsRequest
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.EqualValues(t, 2048, body.ByteCount)
			return httpmock.NewJsonResponse(200, x402.RequirementsResponse{
				X402Version: x402.Version,
				Accepts: []x402.PaymentRequirement{{
					Scheme:  x402.SchemeEIP3009,
					Network: "base-mainnet",
				}},
			})
		})

	resp, err := app.Test(httptest.NewRequest("GET",
		"/v1/x402/price/ethereum/"+testAddr+"?bytes=2048", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)

	var reqs x402.RequirementsResponse
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &reqs))
	require.Len(t, reqs.Accepts, 1)
	assert.Equal(t, x402.SchemeEIP3009, reqs.Accepts[0].Scheme)
}

func TestX402Price_Validation(t *testing.T) {
	app := uploadApp(t)

	tests := []struct {
		name string
		path string
	}{
		{"missing bytes", "/v1/x402/price/ethereum/" + testAddr},
		{"bad kind", "/v1/x402/price/morse/" + testAddr + "?bytes=10"},
		{"bad address", "/v1/x402/price/ethereum/nothex?bytes=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, 400, resp.StatusCode)
		})
	}
}

func TestX402Payment_ForwardsSettle(t *testing.T) {
	app := uploadApp(t)

	httpmock.RegisterResponder("POST", "https://payment.test/private/x402/verifyAndSettle",
		func(req *http.Request) (*http.Response, error) {
			var body paymentclient.VerifyAndSettleRequest
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "hdr", body.PaymentHeader)
			assert.EqualValues(t, 512, body.DeclaredBytes)
			assert.Equal(t, "payg", body.Mode)
			return httpmock.NewJsonResponse(200, map[string]any{
				"paymentId": "0b36a9b2-9b29-47f3-8c4b-8b013dfd4c1e",
				"txHash":    "0xT",
				"mode":      "payg",
				"payer":     testAddr,
			})
		})

	payload := `{"paymentHeader":"hdr","byteCount":512,"mode":"payg"}`
	req := httptest.NewRequest("POST", "/v1/x402/payment/ethereum/"+testAddr,
		strings.NewReader(payload))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var out paymentclient.VerifyAndSettleResponse
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "0xT", out.TxHash)
	assert.Equal(t, "payg", out.Mode)
}

func TestX402Payment_MissingHeader(t *testing.T) {
	app := uploadApp(t)

	req := httptest.NewRequest("POST", "/v1/x402/payment/ethereum/"+testAddr,
		strings.NewReader(`{"byteCount":512}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestX402Payment_SettlementFailurePropagates(t *testing.T) {
	app := uploadApp(t)

	httpmock.RegisterResponder("POST", "https://payment.test/private/x402/verifyAndSettle",
		httpmock.NewJsonResponderOrPanic(503, map[string]any{
			"error": "facilitator timeout",
			"kind":  "settlement_failed",
		}))

	req := httptest.NewRequest("POST", "/v1/x402/payment/ethereum/"+testAddr,
		strings.NewReader(`{"paymentHeader":"hdr","byteCount":512}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)

	var body map[string]any
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "settlement_failed", body["kind"])
}

