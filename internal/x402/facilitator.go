package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"permabundle/internal/config"
	"permabundle/internal/errs"
)

// Facilitator submits verified payments for on-chain settlement.
type Facilitator struct {
	primary    string
	fallback   string
	httpClient *http.Client
}

// NewFacilitator builds a settlement client from x402 configuration.
func NewFacilitator(cfg *config.X402Config) *Facilitator {
	return &Facilitator{
		primary:  cfg.FacilitatorURL,
		fallback: cfg.FallbackFacilitator,
		httpClient: &http.Client{
			Timeout: cfg.SettleTimeout,
		},
	}
}

// SetHTTPClient swaps the transport, used by tests.
func (f *Facilitator) SetHTTPClient(c *http.Client) {
	f.httpClient = c
}

// settleRequest is the facilitator wire format.
type settleRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      *PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirement `json:"paymentRequirements"`
}

// Settle submits the payment. Transient failures retry with exponential
// backoff against the primary, then once against the fallback. A facilitator
// rejection (success=false) is final and does not retry.
func (f *Facilitator) Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirement) (*SettlementResponse, error) {
	resp, err := f.settleAgainst(ctx, f.primary, payload, req)
	if err == nil || !errs.Transient(err) || f.fallback == "" {
		return resp, err
	}
	return f.settleAgainst(ctx, f.fallback, payload, req)
}

func (f *Facilitator) settleAgainst(ctx context.Context, baseURL string, payload *PaymentPayload, req *PaymentRequirement) (*SettlementResponse, error) {
	var result *SettlementResponse

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error {
		resp, err := f.post(ctx, baseURL+"/settle", payload, req)
		if err != nil {
			if errs.Transient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = resp
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *Facilitator) post(ctx context.Context, url string, payload *PaymentPayload, req *PaymentRequirement) (*SettlementResponse, error) {
	body, err := json.Marshal(settleRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "marshal settle request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "build settle request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "facilitator unreachable", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "read facilitator response", err)
	}

	switch {
	case httpResp.StatusCode >= 500:
		return nil, errs.Newf(errs.KindUnavailable, "facilitator returned %d", httpResp.StatusCode)
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.New(errs.KindRateLimited, "facilitator rate limited")
	case httpResp.StatusCode >= 400:
		return nil, errs.Newf(errs.KindSettlementFailed,
			"facilitator rejected settlement: %d %s", httpResp.StatusCode, truncate(raw, 200))
	}

	var result SettlementResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "decode facilitator response", err)
	}
	if !result.Success {
		return nil, errs.Newf(errs.KindSettlementFailed,
			"settlement failed: %s", result.ErrorReason)
	}
	if result.Transaction == "" {
		return nil, errs.New(errs.KindSettlementFailed, "facilitator returned no transaction hash")
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
