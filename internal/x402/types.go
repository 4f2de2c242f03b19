// Package x402 implements the HTTP-402 sign-and-pay protocol: payment
// requirement advertisement, X-PAYMENT header parsing, EIP-3009 signature
// verification, and facilitator settlement.
package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"permabundle/internal/errs"
)

// Version is the protocol version this service speaks.
const Version = 1

// SchemeEIP3009 is the only supported payment scheme: the signed authorization
// transfers an exact token amount.
const SchemeEIP3009 = "eip-3009"

// PaymentRequirement is one payment method offered in a 402 response.
type PaymentRequirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// RequirementsResponse is the 402 response body.
type RequirementsResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentPayload is the signed payment carried in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Payload     PayloadData `json:"payload"`
}

// PayloadData holds the signature and the authorization it covers.
type PayloadData struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization is the EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SettlementResponse is the facilitator's settlement result, also surfaced to
// clients in the X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// DecodeHeader parses a base64-encoded X-PAYMENT header. Unknown fields are
// rejected so a malformed client fails loudly instead of half-parsing.
func DecodeHeader(header string) (*PaymentPayload, error) {
	if header == "" {
		return nil, errs.New(errs.KindPaymentRequired, "missing X-PAYMENT header")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "X-PAYMENT header is not base64", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p PaymentPayload
	if err := dec.Decode(&p); err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "X-PAYMENT header is not a payment payload", err)
	}
	if p.X402Version != Version {
		return nil, errs.Newf(errs.KindBadRequest, "unsupported x402 version %d", p.X402Version)
	}
	if p.Scheme != SchemeEIP3009 {
		return nil, errs.Newf(errs.KindBadRequest, "unsupported payment scheme %q", p.Scheme)
	}
	return &p, nil
}

// EncodeHeader serializes a payment payload for the X-PAYMENT header.
func (p *PaymentPayload) EncodeHeader() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "marshal payment payload", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSettlement serializes a settlement result for X-PAYMENT-RESPONSE.
func EncodeSettlement(s *SettlementResponse) string {
	raw, _ := json.Marshal(s)
	return base64.StdEncoding.EncodeToString(raw)
}
