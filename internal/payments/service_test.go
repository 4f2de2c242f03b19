package payments

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permabundle/internal/config"
	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/db"
	"permabundle/internal/db/testutil"
	"permabundle/internal/errs"
	"permabundle/internal/ledger"
	"permabundle/internal/paymentdb"
	"permabundle/internal/pricing"
	"permabundle/internal/x402"
)

const testReceiving = "0x1111111111111111111111111111111111111111"

func newTestService(t *testing.T) (*Service, *db.DB) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	database := db.FromPool(tdb.Pool)
	require.NoError(t, database.Migrate(context.Background(), "payment"))

	oracle := pricing.New(&config.PricingConfig{
		CreditsPerGiB:    10_000_000_000,
		MicroUSDCPerMega: 8,
		BufferPct:        15,
	})
	x402Cfg := &config.X402Config{
		FacilitatorURL:       "https://facilitator.test",
		SettleTimeout:        5 * time.Second,
		ReceivingAddress:     testReceiving,
		OverpaymentThreshold: 10,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(database, oracle, 2*time.Hour, time.Minute, logger)

	catalog := x402.DefaultCatalog()
	facilitator := x402.NewFacilitator(x402Cfg)

	svc := New(database, led, oracle, x402.NewVerifier(catalog, testReceiving),
		facilitator, catalog, x402Cfg, fraudConfig(), logger)
	return svc, database
}

func mockSettleOK(txHash string) {
	httpmock.RegisterResponder(http.MethodPost, "https://facilitator.test/settle",
		httpmock.NewJsonResponderOrPanic(200, x402.SettlementResponse{
			Success:     true,
			Transaction: txHash,
			Network:     "base-sepolia",
		}))
}

func paymentHeader(t *testing.T, signer *x402.TestSigner, value int64) string {
	t.Helper()
	p, err := signer.SignPayment(x402.DefaultCatalog()["base-sepolia"], testReceiving, big.NewInt(value))
	require.NoError(t, err)
	header, err := p.EncodeHeader()
	require.NoError(t, err)
	return header
}

func testItemID(seed string) string {
	return dataitem.EncodeID(sha256.Sum256([]byte(seed)))
}

func TestVerifyAndSettlePayg(t *testing.T) {
	svc, database := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled1")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)

	// 1 MiB declared: required winc = ceil(2^20*10^10/2^30)*1.15 buffered,
	// converted to micro-USDC. Pay exactly the required amount.
	declared := int64(1 << 20)
	requiredCredits, err := svc.oracle.ReserveAmount(declared)
	require.NoError(t, err)
	required := svc.oracle.CreditsToMicroUSDC(requiredCredits)

	res, err := svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, required.Int64()),
		DeclaredBytes: declared,
		ItemID:        testItemID("item-1"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdb.ModePayg, res.Mode)
	assert.Equal(t, "0xsettled1", res.TxHash)
	require.NotNil(t, res.ReservationID)
	assert.Equal(t, res.WincPaid, res.WincReserved)
	assert.Equal(t, credits.Credits(0), res.WincCredited)

	// The minted credits sit in the balance with the hold encumbering them;
	// nothing is debited until finalize.
	var balance int64
	row := database.QueryRow(context.Background(),
		`SELECT balance_credits FROM users WHERE address = $1`, signer.Address)
	require.NoError(t, row.Scan(&balance))
	assert.Equal(t, int64(res.WincPaid), balance)

	var held int64
	var expires time.Time
	row = database.QueryRow(context.Background(),
		`SELECT credits_reserved, expires_at FROM reservation WHERE reservation_id = $1`, res.ReservationID)
	require.NoError(t, row.Scan(&held, &expires))
	assert.Equal(t, int64(res.WincReserved), held)
	// The hold runs on the ledger's configured TTL.
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), expires, time.Minute)
}

func TestVerifyAndSettleTopup(t *testing.T) {
	svc, database := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled2")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)

	res, err := svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, 80),
		SignatureKind: dataitem.KindEthereum,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdb.ModeTopup, res.Mode)
	assert.Nil(t, res.ReservationID)
	assert.Equal(t, credits.Credits(10_000_000), res.WincCredited)

	var balance int64
	row := database.QueryRow(context.Background(),
		`SELECT balance_credits FROM users WHERE address = $1`, signer.Address)
	require.NoError(t, row.Scan(&balance))
	assert.Equal(t, int64(10_000_000), balance)

	// A top-up confirms immediately.
	var status string
	row = database.QueryRow(context.Background(),
		`SELECT status FROM x402_payment WHERE payment_id = $1`, res.PaymentID)
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, "confirmed", status)
}

func TestVerifyAndSettleHybrid(t *testing.T) {
	svc, _ := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled3")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)

	declared := int64(1 << 20)
	requiredCredits, err := svc.oracle.ReserveAmount(declared)
	require.NoError(t, err)
	required := svc.oracle.CreditsToMicroUSDC(requiredCredits)

	// Pay double the requirement: the excess clears the 10% threshold.
	res, err := svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, required.Int64()*2),
		DeclaredBytes: declared,
		ItemID:        testItemID("item-hybrid"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdb.ModeHybrid, res.Mode)
	assert.Equal(t, requiredCredits, res.WincReserved)
	assert.Positive(t, int64(res.WincCredited))
}

func TestVerifyAndSettleUnderpayment(t *testing.T) {
	svc, _ := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)

	_, err = svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, 1),
		DeclaredBytes: 1 << 30,
		ItemID:        testItemID("item-under"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindPaymentRequired, errs.KindOf(err))
	// Underpayment is caught before settlement; no facilitator call happened.
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestVerifyAndSettleNonceReplay(t *testing.T) {
	svc, _ := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled4")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)
	header := paymentHeader(t, signer, 80)

	_, err = svc.VerifyAndSettle(context.Background(), &SettleRequest{PaymentHeader: header})
	require.NoError(t, err)

	_, err = svc.VerifyAndSettle(context.Background(), &SettleRequest{PaymentHeader: header})
	require.Error(t, err)
	assert.Equal(t, errs.KindNonceReplayed, errs.KindOf(err))
}

func TestNonceBurnsEvenWhenPaymentFails(t *testing.T) {
	svc, _ := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)
	header := paymentHeader(t, signer, 1)

	_, err = svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: header,
		DeclaredBytes: 1 << 30,
		ItemID:        testItemID("item-burn"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindPaymentRequired, errs.KindOf(err))

	// The nonce burned before pricing, so the same header cannot be retried.
	_, err = svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: header,
		DeclaredBytes: 1 << 30,
		ItemID:        testItemID("item-burn"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindNonceReplayed, errs.KindOf(err))
}

func TestFinalizeConfirmedReturnsBuffer(t *testing.T) {
	svc, database := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled5")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)

	declared := int64(1 << 20)
	requiredCredits, err := svc.oracle.ReserveAmount(declared)
	require.NoError(t, err)
	required := svc.oracle.CreditsToMicroUSDC(requiredCredits)

	res, err := svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, required.Int64()),
		DeclaredBytes: declared,
		ItemID:        testItemID("item-final"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.NoError(t, err)

	// The upload arrived at exactly the declared size.
	fin, err := svc.FinalizeX402(context.Background(), res.PaymentID, declared)
	require.NoError(t, err)
	assert.Equal(t, paymentdb.PaymentConfirmed, fin.Status)
	assert.Equal(t, "confirmed", fin.ActionTaken)
	assert.Positive(t, int64(fin.RefundWinc))

	var status string
	row := database.QueryRow(context.Background(),
		`SELECT status FROM x402_payment WHERE payment_id = $1`, res.PaymentID)
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, "confirmed", status)

	// Only the buffer is left spendable: the hold was debited in full and
	// the unused slice credited straight back.
	var balance int64
	row = database.QueryRow(context.Background(),
		`SELECT balance_credits FROM users WHERE address = $1`, signer.Address)
	require.NoError(t, row.Scan(&balance))
	assert.Equal(t, int64(fin.RefundWinc), balance)

	// Finalize is terminal.
	_, err = svc.FinalizeX402(context.Background(), res.PaymentID, declared)
	assert.Error(t, err)
}

func TestFinalizeMajorFraudForfeitsAndCountsTowardBan(t *testing.T) {
	svc, database := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled6")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)

	declared := int64(1 << 20)
	requiredCredits, err := svc.oracle.ReserveAmount(declared)
	require.NoError(t, err)
	required := svc.oracle.CreditsToMicroUSDC(requiredCredits)

	res, err := svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, required.Int64()),
		DeclaredBytes: declared,
		ItemID:        testItemID("item-fraud"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.NoError(t, err)

	// Actual size is double the declaration: major fraud.
	fin, err := svc.FinalizeX402(context.Background(), res.PaymentID, declared*2)
	require.NoError(t, err)
	assert.Equal(t, paymentdb.PaymentFraudPenalty, fin.Status)
	assert.Equal(t, paymentdb.SeverityMajor, fin.FraudType)
	assert.Equal(t, "payment_forfeited", fin.ActionTaken)
	assert.Zero(t, int64(fin.RefundWinc))

	var status string
	row := database.QueryRow(context.Background(),
		`SELECT status FROM x402_payment WHERE payment_id = $1`, res.PaymentID)
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, "fraud_penalty", status)

	var attempts int
	row = database.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM fraud_attempt WHERE user_address = $1 AND severity = 'major'`, signer.Address)
	require.NoError(t, row.Scan(&attempts))
	assert.Equal(t, 1, attempts)

	// The whole hold is forfeited; nothing is left to spend.
	var balance int64
	row = database.QueryRow(context.Background(),
		`SELECT balance_credits FROM users WHERE address = $1`, signer.Address)
	require.NoError(t, row.Scan(&balance))
	assert.Zero(t, balance)
}

func TestFinalizeOverDeclaredRefunds(t *testing.T) {
	svc, database := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled7")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)

	declared := int64(1 << 20)
	requiredCredits, err := svc.oracle.ReserveAmount(declared)
	require.NoError(t, err)
	required := svc.oracle.CreditsToMicroUSDC(requiredCredits)

	res, err := svc.VerifyAndSettle(context.Background(), &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, required.Int64()),
		DeclaredBytes: declared,
		ItemID:        testItemID("item-over"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.NoError(t, err)

	// Half the declared size: well past the 10% overpayment threshold.
	fin, err := svc.FinalizeX402(context.Background(), res.PaymentID, declared/2)
	require.NoError(t, err)
	assert.Equal(t, paymentdb.PaymentRefunded, fin.Status)
	assert.Equal(t, "overpayment_refunded", fin.ActionTaken)
	assert.Positive(t, int64(fin.RefundWinc))

	var status string
	row := database.QueryRow(context.Background(),
		`SELECT status FROM x402_payment WHERE payment_id = $1`, res.PaymentID)
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, "refunded", status)

	// The unused hold came back; only the actual bytes were kept.
	var balance int64
	row = database.QueryRow(context.Background(),
		`SELECT balance_credits FROM users WHERE address = $1`, signer.Address)
	require.NoError(t, row.Scan(&balance))
	assert.Equal(t, int64(fin.RefundWinc), balance)
}

func TestFinalizeRepeatedMajorFraudBans(t *testing.T) {
	svc, database := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled8")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)
	ctx := context.Background()

	declared := int64(1 << 20)
	requiredCredits, err := svc.oracle.ReserveAmount(declared)
	require.NoError(t, err)
	required := svc.oracle.CreditsToMicroUSDC(requiredCredits)

	for _, seed := range []string{"ban-1", "ban-2", "ban-3"} {
		res, err := svc.VerifyAndSettle(ctx, &SettleRequest{
			PaymentHeader: paymentHeader(t, signer, required.Int64()),
			DeclaredBytes: declared,
			ItemID:        testItemID(seed),
			SignatureKind: dataitem.KindEthereum,
		})
		require.NoError(t, err)
		fin, err := svc.FinalizeX402(ctx, res.PaymentID, declared*2)
		require.NoError(t, err)
		assert.Equal(t, paymentdb.PaymentFraudPenalty, fin.Status)
	}

	// Three majors inside the window: banned for BanDays.
	var expires *time.Time
	row := database.QueryRow(ctx,
		`SELECT expires_at FROM ban WHERE user_address = $1`, signer.Address)
	require.NoError(t, row.Scan(&expires))
	require.NotNil(t, expires)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *expires, time.Hour)

	// The ban blocks the next payment.
	_, err = svc.VerifyAndSettle(ctx, &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, 80),
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindUserBanned, errs.KindOf(err))
}

func TestFinalizeBanZeroDaysIsPermanent(t *testing.T) {
	svc, database := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled9")
	svc.facilitator = facilitatorWithMock(svc.cfg)
	svc.fraud.BanDays = 0

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)
	ctx := context.Background()

	declared := int64(1 << 20)
	requiredCredits, err := svc.oracle.ReserveAmount(declared)
	require.NoError(t, err)
	required := svc.oracle.CreditsToMicroUSDC(requiredCredits)

	for _, seed := range []string{"perm-1", "perm-2", "perm-3"} {
		res, err := svc.VerifyAndSettle(ctx, &SettleRequest{
			PaymentHeader: paymentHeader(t, signer, required.Int64()),
			DeclaredBytes: declared,
			ItemID:        testItemID(seed),
			SignatureKind: dataitem.KindEthereum,
		})
		require.NoError(t, err)
		_, err = svc.FinalizeX402(ctx, res.PaymentID, declared*2)
		require.NoError(t, err)
	}

	var expires *time.Time
	row := database.QueryRow(ctx,
		`SELECT expires_at FROM ban WHERE user_address = $1`, signer.Address)
	require.NoError(t, row.Scan(&expires))
	assert.Nil(t, expires)

	banned, err := paymentdb.IsBanned(ctx, database, paymentdb.UserID{
		Address: signer.Address, Kind: dataitem.KindEthereum,
	})
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestFraudWindowIgnoresStaleAttempts(t *testing.T) {
	svc, database := newTestService(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockSettleOK("0xsettled10")
	svc.facilitator = facilitatorWithMock(svc.cfg)

	signer, err := x402.NewTestSigner()
	require.NoError(t, err)
	ctx := context.Background()

	// Two majors from a prior era sit outside the 30-day window.
	for i := 0; i < 2; i++ {
		require.NoError(t, database.Exec(ctx, `
			INSERT INTO fraud_attempt (fraud_id, user_address, user_kind,
				declared, actual, deviation_pct, severity, action, created_at)
			VALUES ($1, $2, 'ethereum', 1000, 2000, 100, 'major', 'payment_forfeited',
				NOW() - INTERVAL '40 days')`,
			uuid.New(), signer.Address))
	}

	declared := int64(1 << 20)
	requiredCredits, err := svc.oracle.ReserveAmount(declared)
	require.NoError(t, err)
	required := svc.oracle.CreditsToMicroUSDC(requiredCredits)

	res, err := svc.VerifyAndSettle(ctx, &SettleRequest{
		PaymentHeader: paymentHeader(t, signer, required.Int64()),
		DeclaredBytes: declared,
		ItemID:        testItemID("stale-1"),
		SignatureKind: dataitem.KindEthereum,
	})
	require.NoError(t, err)
	_, err = svc.FinalizeX402(ctx, res.PaymentID, declared*2)
	require.NoError(t, err)

	// Only one major counts inside the window, so no ban lands.
	var bans int
	row := database.QueryRow(ctx,
		`SELECT COUNT(*) FROM ban WHERE user_address = $1`, signer.Address)
	require.NoError(t, row.Scan(&bans))
	assert.Zero(t, bans)
}

// facilitatorWithMock rebuilds the facilitator on the httpmock transport.
func facilitatorWithMock(cfg *config.X402Config) *x402.Facilitator {
	f := x402.NewFacilitator(cfg)
	f.SetHTTPClient(&http.Client{Transport: httpmock.DefaultTransport})
	return f
}
