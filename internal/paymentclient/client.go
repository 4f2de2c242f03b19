// Package paymentclient is the upload service's typed client for the payment
// service's private surface. Requests carry a short-lived HMAC bearer token;
// a circuit breaker sheds load when the payment service degrades.
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"permabundle/internal/config"
	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
	"permabundle/internal/x402"
)

// Client talks to the payment service.
type Client struct {
	baseURL    string
	secret     []byte
	tokenTTL   time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a client for the payment service at baseURL.
func New(baseURL string, auth *config.PrivateAuthConfig) *Client {
	return &Client{
		baseURL:  baseURL,
		secret:   []byte(auth.SharedSecret),
		tokenTTL: auth.TokenTTL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "payment-service",
			Interval: 10 * time.Second,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 10 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
		}),
	}
}

// SetHTTPClient swaps the transport, used by tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// bearer mints a short-lived service token.
func (c *Client) bearer() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "upload-service",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
	})
	return token.SignedString(c.secret)
}

// do sends one JSON request through the breaker and decodes the response
// into out (which may be nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.Wrap(errs.KindUnavailable, "payment service circuit open", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "marshal request", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "build request", err)
	}
	token, err := c.bearer()
	if err != nil {
		return errs.Wrap(errs.KindInternal, "mint service token", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "payment service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "read payment response", err)
	}

	if resp.StatusCode >= 400 {
		var remote struct {
			Error string    `json:"error"`
			Kind  errs.Kind `json:"kind"`
		}
		message := fmt.Sprintf("payment service returned %d", resp.StatusCode)
		if json.Unmarshal(raw, &remote) == nil && remote.Error != "" {
			message = remote.Error
		}
		return errs.New(errs.FromStatus(resp.StatusCode, remote.Kind), message)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.KindUnavailable, "decode payment response", err)
	}
	return nil
}

// ReserveRequest asks for a credit hold before an upload streams in.
type ReserveRequest struct {
	Address       string                  `json:"address"`
	SignatureKind dataitem.SignatureKind  `json:"signatureKind"`
	ItemID        string                  `json:"itemId,omitempty"`
	ByteCount     int64                   `json:"byteCount"`
}

// ReserveResponse returns the hold.
type ReserveResponse struct {
	ReservationID uuid.UUID       `json:"reservationId"`
	WincReserved  credits.Credits `json:"wincReserved"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}

// Reserve holds credits for a declared upload size.
func (c *Client) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	var resp ReserveResponse
	if err := c.do(ctx, http.MethodPost, "/private/reserve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConsumeRequest settles a hold at the actual size.
type ConsumeRequest struct {
	ReservationID uuid.UUID `json:"reservationId"`
	ActualBytes   int64     `json:"actualBytes"`
}

// ConsumeResponse reports the credits kept.
type ConsumeResponse struct {
	WincCharged credits.Credits `json:"wincCharged"`
}

// Consume settles a reservation against the bytes that actually arrived.
func (c *Client) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error) {
	var resp ConsumeResponse
	if err := c.do(ctx, http.MethodPost, "/private/consume", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refund releases a hold in full after a failed upload.
func (c *Client) Refund(ctx context.Context, reservationID uuid.UUID) error {
	body := map[string]string{"reservationId": reservationID.String()}
	return c.do(ctx, http.MethodPost, "/private/refund", body, nil)
}

// VerifyAndSettleRequest forwards an x402 payment for settlement.
type VerifyAndSettleRequest struct {
	PaymentHeader string                 `json:"paymentHeader"`
	DeclaredBytes int64                  `json:"declaredBytes"`
	ItemID        string                 `json:"itemId,omitempty"`
	Mode          string                 `json:"mode,omitempty"`
	SignatureKind dataitem.SignatureKind `json:"signatureKind,omitempty"`
}

// VerifyAndSettleResponse mirrors the payment service's settle result.
type VerifyAndSettleResponse struct {
	PaymentID     uuid.UUID       `json:"paymentId"`
	TxHash        string          `json:"txHash"`
	Mode          string          `json:"mode"`
	WincPaid      credits.Credits `json:"wincPaid"`
	WincReserved  credits.Credits `json:"wincReserved"`
	WincCredited  credits.Credits `json:"wincCredited"`
	ReservationID *uuid.UUID      `json:"reservationId,omitempty"`
	Payer         string          `json:"payer"`
	Network       string          `json:"network"`
}

// VerifyAndSettle verifies and settles an X-PAYMENT header.
func (c *Client) VerifyAndSettle(ctx context.Context, req *VerifyAndSettleRequest) (*VerifyAndSettleResponse, error) {
	var resp VerifyAndSettleResponse
	if err := c.do(ctx, http.MethodPost, "/private/x402/verifyAndSettle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequirementsRequest asks for the x402 terms covering a byte count.
type RequirementsRequest struct {
	Resource  string `json:"resource"`
	ByteCount int64  `json:"byteCount"`
}

// Requirements fetches the accepted-payment list for a 402 response. The
// payment service owns the receiving address and network catalog, so the
// upload service asks rather than duplicating that configuration.
func (c *Client) Requirements(ctx context.Context, resource string, byteCount int64) (*x402.RequirementsResponse, error) {
	var resp x402.RequirementsResponse
	req := RequirementsRequest{Resource: resource, ByteCount: byteCount}
	if err := c.do(ctx, http.MethodPost, "/private/x402/requirements", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinalizeResponse mirrors the payment service's finalize verdict.
type FinalizeResponse struct {
	Status      string          `json:"status"`
	ActualBytes int64           `json:"actualByteCount"`
	RefundWinc  credits.Credits `json:"refundWinc"`
	FraudType   string          `json:"fraudType,omitempty"`
	ActionTaken string          `json:"actionTaken"`
}

// FinalizeX402 reports the actual byte count for a settled upload payment.
func (c *Client) FinalizeX402(ctx context.Context, paymentID uuid.UUID, actualBytes int64) (*FinalizeResponse, error) {
	body := map[string]any{
		"paymentId":   paymentID.String(),
		"actualBytes": actualBytes,
	}
	var resp FinalizeResponse
	if err := c.do(ctx, http.MethodPost, "/private/x402/finalize", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
