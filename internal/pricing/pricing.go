// Package pricing converts byte counts to credits and credits to USDC.
package pricing

import (
	"math/big"

	"permabundle/internal/config"
	"permabundle/internal/credits"
	"permabundle/internal/errs"
)

const gib = int64(1) << 30

// Oracle prices storage. Conversions always round up so the service is never
// underpaid by a truncation.
type Oracle struct {
	creditsPerGiB    int64
	microUSDCPerMega int64
	bufferPct        int
}

// New builds an Oracle from pricing configuration.
func New(cfg *config.PricingConfig) *Oracle {
	return &Oracle{
		creditsPerGiB:    cfg.CreditsPerGiB,
		microUSDCPerMega: cfg.MicroUSDCPerMega,
		bufferPct:        cfg.BufferPct,
	}
}

// CreditsForBytes returns the credit cost of storing the given byte count.
func (o *Oracle) CreditsForBytes(byteCount int64) (credits.Credits, error) {
	if byteCount <= 0 {
		return 0, errs.Newf(errs.KindBadRequest, "byte count must be positive, got %d", byteCount)
	}
	// ceil(byteCount * creditsPerGiB / GiB) in big.Int to dodge overflow on
	// multi-gigabyte items.
	n := new(big.Int).Mul(big.NewInt(byteCount), big.NewInt(o.creditsPerGiB))
	n.Add(n, big.NewInt(gib-1))
	n.Div(n, big.NewInt(gib))
	return credits.FromBigInt(n), nil
}

// CreditsToMicroUSDC converts credits to USDC smallest units through the
// mega-credit step: ceil(credits / 10^6) mega-credits, each priced at
// microUSDCPerMega.
func (o *Oracle) CreditsToMicroUSDC(c credits.Credits) *big.Int {
	mega := new(big.Int).Add(c.ToBigInt(), big.NewInt(999_999))
	mega.Div(mega, big.NewInt(1_000_000))
	return mega.Mul(mega, big.NewInt(o.microUSDCPerMega))
}

// MicroUSDCToCredits converts a received USDC amount back into credits,
// rounding down so a payment never mints more credit than it bought.
func (o *Oracle) MicroUSDCToCredits(micro *big.Int) credits.Credits {
	if micro == nil || micro.Sign() <= 0 || o.microUSDCPerMega <= 0 {
		return 0
	}
	mega := new(big.Int).Div(micro, big.NewInt(o.microUSDCPerMega))
	return credits.FromBigInt(mega.Mul(mega, big.NewInt(1_000_000)))
}

// Quote is the answer to a price query.
type Quote struct {
	ByteCount      int64           `json:"byteCount"`
	Winc           credits.Credits `json:"winc"`
	WincWithBuffer credits.Credits `json:"wincWithBuffer"`
	MicroUSDC      string          `json:"microUSDC"`
}

// QuoteBytes prices a byte count, including the reservation buffer that
// ingest holds before the exact size is known.
func (o *Oracle) QuoteBytes(byteCount int64) (*Quote, error) {
	c, err := o.CreditsForBytes(byteCount)
	if err != nil {
		return nil, err
	}
	return &Quote{
		ByteCount:      byteCount,
		Winc:           c,
		WincWithBuffer: c.WithBufferPct(o.bufferPct),
		MicroUSDC:      o.CreditsToMicroUSDC(c).String(),
	}, nil
}

// ReserveAmount is the buffered credit hold ingest takes for a declared size.
func (o *Oracle) ReserveAmount(byteCount int64) (credits.Credits, error) {
	c, err := o.CreditsForBytes(byteCount)
	if err != nil {
		return 0, err
	}
	return c.WithBufferPct(o.bufferPct), nil
}
