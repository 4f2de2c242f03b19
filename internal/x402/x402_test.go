package x402

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permabundle/internal/config"
	"permabundle/internal/errs"
)

const receivingAddress = "0x1111111111111111111111111111111111111111"

func testNetwork() Network {
	return DefaultCatalog()["base-sepolia"]
}

func signedPayment(t *testing.T, value int64) (*TestSigner, *PaymentPayload) {
	t.Helper()
	signer, err := NewTestSigner()
	require.NoError(t, err)
	p, err := signer.SignPayment(testNetwork(), receivingAddress, big.NewInt(value))
	require.NoError(t, err)
	return signer, p
}

func TestHeaderRoundTrip(t *testing.T) {
	_, p := signedPayment(t, 1000)

	header, err := p.EncodeHeader()
	require.NoError(t, err)

	back, err := DecodeHeader(header)
	require.NoError(t, err)
	assert.Equal(t, p.Network, back.Network)
	assert.Equal(t, p.Payload.Authorization, back.Payload.Authorization)
	assert.Equal(t, p.Payload.Signature, back.Payload.Signature)
}

func TestDecodeHeaderRejections(t *testing.T) {
	_, err := DecodeHeader("")
	assert.Equal(t, errs.KindPaymentRequired, errs.KindOf(err))

	_, err = DecodeHeader("!!not-base64!!")
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))

	// Unknown fields must be rejected.
	_, err = DecodeHeader("eyJ4NDAyVmVyc2lvbiI6MSwiYm9ndXMiOnRydWV9")
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
}

func TestVerifyValidSignature(t *testing.T) {
	signer, p := signedPayment(t, 80_000)

	v := NewVerifier(DefaultCatalog(), receivingAddress)
	value, err := v.Verify(p)
	require.NoError(t, err)
	assert.Equal(t, "80000", value.String())
	assert.Equal(t, signer.Address, p.Payload.Authorization.From)
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	_, p := signedPayment(t, 80_000)
	p.Payload.Authorization.Value = "90000"

	v := NewVerifier(DefaultCatalog(), receivingAddress)
	_, err := v.Verify(p)
	require.Error(t, err)
	assert.Equal(t, errs.KindSignatureInvalid, errs.KindOf(err))
}

func TestVerifyRejectsWrongDestination(t *testing.T) {
	signer, err := NewTestSigner()
	require.NoError(t, err)
	p, err := signer.SignPayment(testNetwork(), "0x2222222222222222222222222222222222222222", big.NewInt(1000))
	require.NoError(t, err)

	v := NewVerifier(DefaultCatalog(), receivingAddress)
	_, err = v.Verify(p)
	require.Error(t, err)
	assert.Equal(t, errs.KindSignatureInvalid, errs.KindOf(err))
}

func TestVerifyRejectsUnknownNetwork(t *testing.T) {
	_, p := signedPayment(t, 1000)
	p.Network = "moonbeam"

	v := NewVerifier(DefaultCatalog(), receivingAddress)
	_, err := v.Verify(p)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
}

func TestVerifyRejectsExpiredWindow(t *testing.T) {
	_, p := signedPayment(t, 1000)
	p.Payload.Authorization.ValidBefore = strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)

	v := NewVerifier(DefaultCatalog(), receivingAddress)
	_, err := v.Verify(p)
	require.Error(t, err)
	assert.Equal(t, errs.KindSignatureInvalid, errs.KindOf(err))
}

func TestCatalogLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
networks:
  - name: base-sepolia
    chainId: 84532
    usdcAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    domainName: "Custom USDC"
    domainVersion: "3"
  - name: local-devnet
    chainId: 31337
    usdcAddress: "0x0000000000000000000000000000000000000001"
    domainName: "Test USDC"
    domainVersion: "1"
`), 0o600))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "Custom USDC", catalog["base-sepolia"].DomainName)
	assert.Equal(t, int64(31337), catalog["local-devnet"].ChainID)
	// Defaults survive the merge.
	assert.Contains(t, catalog, "base-mainnet")

	enabled, err := catalog.Enabled([]string{"local-devnet"})
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	_, err = catalog.Enabled([]string{"missing-net"})
	assert.Error(t, err)
}

func facilitatorConfig(primary, fallback string) *config.X402Config {
	return &config.X402Config{
		FacilitatorURL:      primary,
		FallbackFacilitator: fallback,
		SettleTimeout:       5 * time.Second,
	}
}

func TestFacilitatorSettleSuccess(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://facilitator.test/settle",
		httpmock.NewJsonResponderOrPanic(200, SettlementResponse{
			Success:     true,
			Transaction: "0xabc",
			Network:     "base-sepolia",
			Payer:       "0xfrom",
		}))

	f := NewFacilitator(facilitatorConfig("https://facilitator.test", ""))
	f.httpClient = &http.Client{Transport: httpmock.DefaultTransport}

	_, p := signedPayment(t, 1000)
	resp, err := f.Settle(context.Background(), p, &PaymentRequirement{Network: "base-sepolia"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", resp.Transaction)
}

func TestFacilitatorRejectionIsFinal(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://facilitator.test/settle",
		httpmock.NewStringResponder(400, `{"success":false,"errorReason":"insufficient funds"}`))

	f := NewFacilitator(facilitatorConfig("https://facilitator.test", "https://fallback.test"))
	f.httpClient = &http.Client{Transport: httpmock.DefaultTransport}

	_, p := signedPayment(t, 1000)
	_, err := f.Settle(context.Background(), p, &PaymentRequirement{Network: "base-sepolia"})
	require.Error(t, err)
	assert.Equal(t, errs.KindSettlementFailed, errs.KindOf(err))
	// The fallback must not be consulted on a rejection.
	assert.Zero(t, httpmock.GetCallCountInfo()["POST https://fallback.test/settle"])
}

func TestFacilitatorFallsBackWhenPrimaryDown(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://facilitator.test/settle",
		httpmock.NewStringResponder(503, "down"))
	httpmock.RegisterResponder(http.MethodPost, "https://fallback.test/settle",
		httpmock.NewJsonResponderOrPanic(200, SettlementResponse{
			Success:     true,
			Transaction: "0xdef",
		}))

	f := NewFacilitator(facilitatorConfig("https://facilitator.test", "https://fallback.test"))
	f.httpClient = &http.Client{Transport: httpmock.DefaultTransport}

	_, p := signedPayment(t, 1000)
	resp, err := f.Settle(context.Background(), p, &PaymentRequirement{Network: "base-sepolia"})
	require.NoError(t, err)
	assert.Equal(t, "0xdef", resp.Transaction)
}
