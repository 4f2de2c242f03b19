package paymentdb

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/credits"
	"permabundle/internal/db"
	"permabundle/internal/errs"
)

// PaymentMode says how a verified x402 payment was applied.
type PaymentMode string

const (
	ModePayg   PaymentMode = "payg"
	ModeTopup  PaymentMode = "topup"
	ModeHybrid PaymentMode = "hybrid"
)

// PaymentStatus is the lifecycle state of an x402 payment.
type PaymentStatus string

const (
	PaymentPendingValidation PaymentStatus = "pending_validation"
	PaymentConfirmed         PaymentStatus = "confirmed"
	PaymentFraudPenalty      PaymentStatus = "fraud_penalty"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentFailed            PaymentStatus = "failed"
)

// X402Payment is one settled on-chain transfer and its credit accounting.
type X402Payment struct {
	PaymentID     uuid.UUID
	TxHash        string
	Nonce         string
	FromAddress   string
	ToAddress     string
	Network       string
	USDCAmount    *big.Int
	CreditAmount  credits.Credits
	DeclaredBytes int64
	ActualBytes   *int64
	ItemID        string
	ReservationID *uuid.UUID
	Mode          PaymentMode
	Status        PaymentStatus
	CreatedAt     time.Time
}

// RecordNonce burns a payment nonce. A second burn of the same
// (nonce, from, network) triple fails with KindNonceReplayed; the row is
// never deleted, even if the payment it funded later unwinds.
func RecordNonce(ctx context.Context, tx pgx.Tx, nonce, fromAddress, network string, paymentID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO x402_nonce (nonce, from_address, network, payment_id)
		VALUES ($1, $2, $3, $4)`,
		nonce, fromAddress, network, paymentID)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return errs.Newf(errs.KindNonceReplayed,
				"nonce already used on %s", network)
		}
		return errs.Wrap(errs.KindUnavailable, "record nonce", err)
	}
	return nil
}

// InsertPayment records a settled payment in pending_validation.
func InsertPayment(ctx context.Context, tx pgx.Tx, p *X402Payment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO x402_payment (payment_id, tx_hash, nonce, from_address, to_address,
			network, usdc_amount, credit_amount, declared_bytes, item_id, reservation_id, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.PaymentID, p.TxHash, p.Nonce, p.FromAddress, p.ToAddress,
		p.Network, p.USDCAmount.String(), p.CreditAmount, p.DeclaredBytes,
		nullIfEmpty(p.ItemID), p.ReservationID, p.Mode)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return errs.Newf(errs.KindDuplicate, "tx hash %s already recorded", p.TxHash)
		}
		return errs.Wrap(errs.KindUnavailable, "insert payment", err)
	}
	return nil
}

// GetPaymentForUpdate locks and returns a payment row.
func GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*X402Payment, error) {
	p := &X402Payment{PaymentID: id}
	var usdc string
	var itemID *string
	err := tx.QueryRow(ctx, `
		SELECT tx_hash, nonce, from_address, to_address, network, usdc_amount::text,
			credit_amount, declared_bytes, actual_bytes, item_id, reservation_id, mode, status, created_at
		FROM x402_payment WHERE payment_id = $1
		FOR UPDATE`,
		id).Scan(&p.TxHash, &p.Nonce, &p.FromAddress, &p.ToAddress, &p.Network, &usdc,
		&p.CreditAmount, &p.DeclaredBytes, &p.ActualBytes, &itemID, &p.ReservationID,
		&p.Mode, &p.Status, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Newf(errs.KindBadRequest, "payment %s not found", id)
		}
		return nil, errs.Wrap(errs.KindUnavailable, "lock payment", err)
	}
	p.USDCAmount, _ = new(big.Int).SetString(usdc, 10)
	if itemID != nil {
		p.ItemID = *itemID
	}
	return p, nil
}

// FinalizePayment moves a payment out of pending_validation, recording the
// actual byte count observed at ingest.
func FinalizePayment(ctx context.Context, tx pgx.Tx, id uuid.UUID, actualBytes int64, to PaymentStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE x402_payment SET status = $2, actual_bytes = $3, finalized_at = NOW()
		WHERE payment_id = $1 AND status = 'pending_validation'`,
		id, to, actualBytes)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "finalize payment", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindBadRequest, "payment %s is not pending validation", id)
	}
	return nil
}
