// Package payments orchestrates x402 payment acceptance: signature
// verification, nonce burning, facilitator settlement, credit minting, and
// post-upload finalization with fraud detection.
package payments

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/config"
	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/db"
	"permabundle/internal/errs"
	"permabundle/internal/ledger"
	"permabundle/internal/paymentdb"
	"permabundle/internal/pricing"
	"permabundle/internal/x402"
)

// Service accepts and settles x402 payments.
type Service struct {
	db          *db.DB
	ledger      *ledger.Ledger
	oracle      *pricing.Oracle
	verifier    *x402.Verifier
	facilitator *x402.Facilitator
	networks    x402.Catalog
	cfg         *config.X402Config
	fraud       *config.FraudConfig
	logger      *slog.Logger
}

// New wires the payment service.
func New(database *db.DB, led *ledger.Ledger, oracle *pricing.Oracle,
	verifier *x402.Verifier, facilitator *x402.Facilitator, networks x402.Catalog,
	cfg *config.X402Config, fraud *config.FraudConfig, logger *slog.Logger) *Service {
	return &Service{
		db:          database,
		ledger:      led,
		oracle:      oracle,
		verifier:    verifier,
		facilitator: facilitator,
		networks:    networks,
		cfg:         cfg,
		fraud:       fraud,
		logger:      logger,
	}
}

// Requirements builds the 402 response body for a priced resource.
func (s *Service) Requirements(resource string, byteCount int64) (*x402.RequirementsResponse, error) {
	quote, err := s.oracle.QuoteBytes(byteCount)
	if err != nil {
		return nil, err
	}

	accepts := make([]x402.PaymentRequirement, 0, len(s.networks))
	for _, n := range s.networks {
		accepts = append(accepts, x402.PaymentRequirement{
			Scheme:            x402.SchemeEIP3009,
			Network:           n.Name,
			MaxAmountRequired: quote.MicroUSDC,
			Asset:             n.USDCAddress,
			PayTo:             s.cfg.ReceivingAddress,
			Resource:          resource,
			Description:       "permanent data storage",
			MaxTimeoutSeconds: int(s.cfg.SettleTimeout / time.Second),
			Extra: map[string]string{
				"name":    n.DomainName,
				"version": n.DomainVersion,
			},
		})
	}
	return &x402.RequirementsResponse{
		X402Version: x402.Version,
		Accepts:     accepts,
	}, nil
}

// SettleRequest is one payment to verify and settle.
type SettleRequest struct {
	PaymentHeader string
	DeclaredBytes int64
	ItemID        string // empty for pure top-ups
	Mode          string // payg, topup, or hybrid; empty infers from the excess
	SignatureKind dataitem.SignatureKind
}

// SettleResult reports what a settled payment bought.
type SettleResult struct {
	PaymentID     uuid.UUID            `json:"paymentId"`
	TxHash        string               `json:"txHash"`
	Mode          paymentdb.PaymentMode `json:"mode"`
	WincPaid      credits.Credits      `json:"wincPaid"`
	WincReserved  credits.Credits      `json:"wincReserved"`
	WincCredited  credits.Credits      `json:"wincCredited"`
	ReservationID *uuid.UUID           `json:"reservationId,omitempty"`
	Payer         string               `json:"payer"`
	Network       string               `json:"network"`
}

// VerifyAndSettle runs the full acceptance sequence: decode, burn the nonce,
// check bans, verify the signature, price the declared bytes, settle
// on-chain, then mint credits and hold the upload's reservation. The nonce
// burn comes first and commits in its own transaction, so a replayed header
// fails before any other work and is never undone even when the payment
// fails downstream.
func (s *Service) VerifyAndSettle(ctx context.Context, req *SettleRequest) (*SettleResult, error) {
	declaredMode := paymentdb.PaymentMode(req.Mode)
	switch declaredMode {
	case "", paymentdb.ModePayg, paymentdb.ModeTopup, paymentdb.ModeHybrid:
	default:
		return nil, errs.Newf(errs.KindBadRequest, "unknown payment mode %q", req.Mode)
	}
	if (declaredMode == paymentdb.ModePayg || declaredMode == paymentdb.ModeHybrid) && req.ItemID == "" {
		return nil, errs.Newf(errs.KindBadRequest, "mode %s requires an upload item", declaredMode)
	}

	payload, err := x402.DecodeHeader(req.PaymentHeader)
	if err != nil {
		return nil, err
	}
	auth := payload.Payload.Authorization
	user := paymentdb.UserID{Address: auth.From, Kind: req.SignatureKind}
	if user.Kind == "" {
		user.Kind = dataitem.KindEthereum
	}

	paymentID := uuid.New()

	// Burn the nonce in its own transaction so a replayed header fails even
	// if verification, settlement, or crediting later aborts.
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return paymentdb.RecordNonce(ctx, tx, auth.Nonce, auth.From, payload.Network, paymentID)
	})
	if err != nil {
		return nil, err
	}

	banned, err := paymentdb.IsBanned(ctx, s.db, user)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, errs.Newf(errs.KindUserBanned, "user %s is banned", user.Address)
	}

	value, err := s.verifier.Verify(payload)
	if err != nil {
		return nil, err
	}

	var required *big.Int
	var requiredCredits credits.Credits
	if req.ItemID != "" && declaredMode != paymentdb.ModeTopup {
		if req.DeclaredBytes <= 0 {
			return nil, errs.New(errs.KindBadRequest, "declared byte count required for upload payments")
		}
		requiredCredits, err = s.oracle.ReserveAmount(req.DeclaredBytes)
		if err != nil {
			return nil, err
		}
		required = s.oracle.CreditsToMicroUSDC(requiredCredits)
		if value.Cmp(required) < 0 {
			return nil, errs.Newf(errs.KindPaymentRequired,
				"payment of %s micro-USDC is below the required %s", value, required)
		}
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.cfg.SettleTimeout)
	defer cancel()
	settlement, err := s.facilitator.Settle(settleCtx, payload, &x402.PaymentRequirement{
		Scheme:            x402.SchemeEIP3009,
		Network:           payload.Network,
		MaxAmountRequired: value.String(),
		Asset:             s.networks[payload.Network].USDCAddress,
		PayTo:             s.cfg.ReceivingAddress,
	})
	if err != nil {
		s.logger.Error("settlement failed", "payment", paymentID, "payer", auth.From, "error", err)
		return nil, err
	}

	paidCredits := s.oracle.MicroUSDCToCredits(value)
	result := &SettleResult{
		PaymentID: paymentID,
		TxHash:    settlement.Transaction,
		WincPaid:  paidCredits,
		Payer:     auth.From,
		Network:   payload.Network,
	}

	mode, reserveAmount, creditAmount := s.split(declaredMode, req.ItemID, value, required, requiredCredits, paidCredits)
	result.Mode = mode
	result.WincReserved = reserveAmount
	result.WincCredited = creditAmount

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		u, err := paymentdb.GetUserForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}

		// The upload's share lands with reason payment; a hybrid excess gets
		// its own audit entry so the balance history explains itself.
		if upload := paidCredits - creditAmount; upload > 0 {
			if err := paymentdb.ApplyDelta(ctx, tx, u, upload, paymentdb.ReasonPayment, paymentID.String()); err != nil {
				return err
			}
		}
		if creditAmount > 0 {
			reason := paymentdb.ReasonHybridExcess
			if mode == paymentdb.ModeTopup {
				reason = paymentdb.ReasonPayment
			}
			if err := paymentdb.ApplyDelta(ctx, tx, u, creditAmount, reason, paymentID.String()); err != nil {
				return err
			}
		}

		p := &paymentdb.X402Payment{
			PaymentID:     paymentID,
			TxHash:        settlement.Transaction,
			Nonce:         auth.Nonce,
			FromAddress:   auth.From,
			ToAddress:     auth.To,
			Network:       payload.Network,
			USDCAmount:    value,
			CreditAmount:  paidCredits,
			DeclaredBytes: req.DeclaredBytes,
			ItemID:        req.ItemID,
			Mode:          mode,
		}

		if mode != paymentdb.ModeTopup {
			// The hold encumbers the freshly minted credits without debiting
			// them; finalize settles it against the actual byte count.
			resID := uuid.New()
			if err := paymentdb.InsertReservation(ctx, tx, &paymentdb.Reservation{
				ID:        resID,
				User:      user,
				ItemID:    req.ItemID,
				Reserved:  reserveAmount,
				ExpiresAt: time.Now().Add(s.ledger.HoldTTL()),
			}); err != nil {
				return err
			}
			p.ReservationID = &resID
			result.ReservationID = &resID
		}

		return paymentdb.InsertPayment(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	if mode == paymentdb.ModeTopup {
		// Top-ups have no upload to validate against.
		err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
			return paymentdb.FinalizePayment(ctx, tx, paymentID, 0, paymentdb.PaymentConfirmed)
		})
		if err != nil {
			s.logger.Warn("topup finalize failed", "payment", paymentID, "error", err)
		}
	}

	s.logger.Info("payment settled",
		"payment", paymentID, "payer", auth.From, "network", payload.Network,
		"mode", mode, "microUSDC", value.String(), "tx", settlement.Transaction)
	return result, nil
}

// split decides how a payment's value is applied. A declared mode wins;
// otherwise paying for an upload with no meaningful excess is payg, no item
// means topup, and an upload payment whose excess clears the overpayment
// threshold is hybrid, crediting the excess to the balance instead of
// holding it.
func (s *Service) split(declared paymentdb.PaymentMode, itemID string, value, required *big.Int, requiredCredits, paidCredits credits.Credits) (paymentdb.PaymentMode, credits.Credits, credits.Credits) {
	if itemID == "" || declared == paymentdb.ModeTopup {
		return paymentdb.ModeTopup, 0, paidCredits
	}
	switch declared {
	case paymentdb.ModePayg:
		return paymentdb.ModePayg, paidCredits, 0
	case paymentdb.ModeHybrid:
		return paymentdb.ModeHybrid, requiredCredits, paidCredits - requiredCredits
	}

	excess := new(big.Int).Sub(value, required)
	threshold := new(big.Int).Mul(required, big.NewInt(int64(s.cfg.OverpaymentThreshold)))
	threshold.Div(threshold, big.NewInt(100))

	if excess.Cmp(threshold) <= 0 {
		// Everything rides on the upload; the buffer comes back at finalize.
		return paymentdb.ModePayg, paidCredits, 0
	}
	return paymentdb.ModeHybrid, requiredCredits, paidCredits - requiredCredits
}
