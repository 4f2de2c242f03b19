package pricing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permabundle/internal/config"
	"permabundle/internal/credits"
)

func testOracle() *Oracle {
	return New(&config.PricingConfig{
		CreditsPerGiB:    10_000_000_000,
		MicroUSDCPerMega: 8,
		BufferPct:        15,
	})
}

func TestCreditsForBytes(t *testing.T) {
	o := testOracle()

	c, err := o.CreditsForBytes(1 << 30)
	require.NoError(t, err)
	assert.Equal(t, credits.Credits(10_000_000_000), c)

	// Partial bytes round up, never down.
	c, err = o.CreditsForBytes(1)
	require.NoError(t, err)
	assert.Equal(t, credits.Credits(10), c)

	c, err = o.CreditsForBytes(512 << 20)
	require.NoError(t, err)
	assert.Equal(t, credits.Credits(5_000_000_000), c)

	// Multi-gigabyte sizes must not overflow the intermediate product.
	c, err = o.CreditsForBytes(10 << 30)
	require.NoError(t, err)
	assert.Equal(t, credits.Credits(100_000_000_000), c)
}

func TestCreditsForBytesRejectsNonPositive(t *testing.T) {
	o := testOracle()
	_, err := o.CreditsForBytes(0)
	assert.Error(t, err)
	_, err = o.CreditsForBytes(-5)
	assert.Error(t, err)
}

func TestCreditsToMicroUSDCTwoStep(t *testing.T) {
	o := testOracle()

	// Exactly one mega-credit.
	assert.Equal(t, "8", o.CreditsToMicroUSDC(credits.Credits(1_000_000)).String())

	// A fraction of a mega-credit still buys a whole one.
	assert.Equal(t, "8", o.CreditsToMicroUSDC(credits.Credits(1)).String())

	// 2.5 mega-credits rounds up to 3.
	assert.Equal(t, "24", o.CreditsToMicroUSDC(credits.Credits(2_500_000)).String())
}

func TestMicroUSDCToCreditsRoundsDown(t *testing.T) {
	o := testOracle()

	assert.Equal(t, credits.Credits(1_000_000), o.MicroUSDCToCredits(big.NewInt(8)))
	assert.Equal(t, credits.Credits(2_000_000), o.MicroUSDCToCredits(big.NewInt(23)))
	assert.Equal(t, credits.Credits(0), o.MicroUSDCToCredits(big.NewInt(7)))
	assert.Equal(t, credits.Credits(0), o.MicroUSDCToCredits(nil))
}

func TestQuoteBytesIncludesBuffer(t *testing.T) {
	o := testOracle()

	q, err := o.QuoteBytes(1 << 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), q.ByteCount)
	assert.Equal(t, credits.Credits(10_000_000_000), q.Winc)
	assert.Equal(t, credits.Credits(11_500_000_000), q.WincWithBuffer)
	assert.Equal(t, "80000", q.MicroUSDC)
}

func TestReserveAmount(t *testing.T) {
	o := testOracle()
	held, err := o.ReserveAmount(1 << 30)
	require.NoError(t, err)
	assert.Equal(t, credits.Credits(11_500_000_000), held)
}
