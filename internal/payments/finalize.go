package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/config"
	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
	"permabundle/internal/paymentdb"
)

// fraudCountWindow is the lookback for counting repeated major attempts
// toward a ban. The ban's own duration is configured separately.
const fraudCountWindow = 30 * 24 * time.Hour

// Verdict grades a declared-vs-actual deviation. Declaring small and
// uploading big is the fraud direction; declaring big and uploading small is
// an overpayment that gets refunded past the threshold.
type Verdict struct {
	Status       paymentdb.PaymentStatus
	Severity     paymentdb.FraudSeverity // empty when no fraud record is due
	DeviationPct float64
}

// verdictFor grades a finalized upload. Deviations within the warning band
// pass silently; past the warning band the upload still confirms but leaves a
// record; past the tolerance the payment is forfeited, minor up to the major
// threshold. Over-declaring past the overpayment threshold refunds the unused
// hold.
func verdictFor(declared, actual int64, fraud *config.FraudConfig, overpaymentPct int) Verdict {
	if declared <= 0 || actual <= 0 {
		return Verdict{Status: paymentdb.PaymentFailed}
	}

	pct := float64(actual-declared) * 100 / float64(declared)
	switch {
	case pct > float64(fraud.MajorPct):
		return Verdict{Status: paymentdb.PaymentFraudPenalty, Severity: paymentdb.SeverityMajor, DeviationPct: pct}
	case pct > float64(fraud.TolerancePct):
		return Verdict{Status: paymentdb.PaymentFraudPenalty, Severity: paymentdb.SeverityMinor, DeviationPct: pct}
	case pct > float64(fraud.WarningPct):
		return Verdict{Status: paymentdb.PaymentConfirmed, Severity: paymentdb.SeverityWarning, DeviationPct: pct}
	case pct < -float64(overpaymentPct):
		return Verdict{Status: paymentdb.PaymentRefunded, DeviationPct: pct}
	default:
		return Verdict{Status: paymentdb.PaymentConfirmed, DeviationPct: pct}
	}
}

// FinalizeResult reports what happened to a finalized payment.
type FinalizeResult struct {
	Status      paymentdb.PaymentStatus `json:"status"`
	ActualBytes int64                   `json:"actualByteCount"`
	RefundWinc  credits.Credits         `json:"refundWinc"`
	FraudType   paymentdb.FraudSeverity `json:"fraudType,omitempty"`
	ActionTaken string                  `json:"actionTaken"`
}

// FinalizeX402 validates a settled upload payment against the bytes that
// actually arrived. It settles the payment's reservation, applies the fraud
// ladder, and bans repeat major offenders.
func (s *Service) FinalizeX402(ctx context.Context, paymentID uuid.UUID, actualBytes int64) (*FinalizeResult, error) {
	res := &FinalizeResult{ActualBytes: actualBytes}
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := paymentdb.GetPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != paymentdb.PaymentPendingValidation {
			return errs.Newf(errs.KindBadRequest, "payment %s already finalized", paymentID)
		}

		user := paymentdb.UserID{Address: p.FromAddress, Kind: dataitem.KindEthereum}
		if k, err := itemKind(ctx, tx, p); err == nil {
			user.Kind = k
		}

		v := verdictFor(p.DeclaredBytes, actualBytes, s.fraud, s.cfg.OverpaymentThreshold)
		res.Status = v.Status
		res.FraudType = v.Severity
		if err := paymentdb.FinalizePayment(ctx, tx, paymentID, actualBytes, v.Status); err != nil {
			return err
		}

		switch v.Status {
		case paymentdb.PaymentConfirmed, paymentdb.PaymentRefunded:
			refund, err := s.consumeHold(ctx, tx, p, user, actualBytes)
			if err != nil {
				return err
			}
			res.RefundWinc = refund
			switch {
			case v.Status == paymentdb.PaymentRefunded:
				res.ActionTaken = "overpayment_refunded"
			case v.Severity == paymentdb.SeverityWarning:
				res.ActionTaken = "logged"
			default:
				res.ActionTaken = "confirmed"
			}
		case paymentdb.PaymentFraudPenalty:
			if err := s.forfeitHold(ctx, tx, p, user); err != nil {
				return err
			}
			res.ActionTaken = "payment_forfeited"
		case paymentdb.PaymentFailed:
			if err := s.releaseReservation(ctx, tx, p); err != nil {
				return err
			}
			res.ActionTaken = "hold_released"
		}

		if v.Severity != "" {
			if err := s.recordFraud(ctx, tx, p, user, v, actualBytes, res.ActionTaken); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// consumeHold settles the payment's reservation: the full held amount is
// debited and the remainder above the actual cost returns to the balance.
// Returns the refunded remainder.
func (s *Service) consumeHold(ctx context.Context, tx pgx.Tx, p *paymentdb.X402Payment, user paymentdb.UserID, actualBytes int64) (credits.Credits, error) {
	if p.ReservationID == nil {
		return 0, nil
	}

	r, err := paymentdb.GetReservationForUpdate(ctx, tx, *p.ReservationID)
	if err != nil {
		return 0, err
	}
	if r.Status != paymentdb.ReservationHeld {
		// The sweeper or a refund got here first; nothing to settle.
		return 0, nil
	}
	if err := paymentdb.MoveReservation(ctx, tx, r.ID, paymentdb.ReservationHeld, paymentdb.ReservationConsumed); err != nil {
		return 0, err
	}

	cost, err := s.oracle.CreditsForBytes(actualBytes)
	if err != nil {
		return 0, err
	}
	if cost > r.Reserved {
		cost = r.Reserved
	}

	u, err := paymentdb.GetUserForUpdate(ctx, tx, user)
	if err != nil {
		return 0, err
	}
	if err := paymentdb.ApplyDelta(ctx, tx, u, -r.Reserved, paymentdb.ReasonReserveConsume, p.PaymentID.String()); err != nil {
		return 0, err
	}
	excess := r.Reserved - cost
	if excess > 0 {
		if err := paymentdb.ApplyDelta(ctx, tx, u, excess, paymentdb.ReasonOverpayRefund, p.PaymentID.String()); err != nil {
			return 0, err
		}
	}
	return excess, nil
}

// forfeitHold keeps an offender's entire hold; nothing comes back.
func (s *Service) forfeitHold(ctx context.Context, tx pgx.Tx, p *paymentdb.X402Payment, user paymentdb.UserID) error {
	if p.ReservationID == nil {
		return nil
	}
	r, err := paymentdb.GetReservationForUpdate(ctx, tx, *p.ReservationID)
	if err != nil {
		return err
	}
	if r.Status != paymentdb.ReservationHeld {
		return nil
	}
	if err := paymentdb.MoveReservation(ctx, tx, r.ID, paymentdb.ReservationHeld, paymentdb.ReservationConsumed); err != nil {
		return err
	}
	u, err := paymentdb.GetUserForUpdate(ctx, tx, user)
	if err != nil {
		return err
	}
	return paymentdb.ApplyDelta(ctx, tx, u, -r.Reserved, paymentdb.ReasonFraudPenalty, p.PaymentID.String())
}

// releaseReservation lets go of the hold when the upload never materialized.
// The balance was never debited for it, so the status move is the whole story.
func (s *Service) releaseReservation(ctx context.Context, tx pgx.Tx, p *paymentdb.X402Payment) error {
	if p.ReservationID == nil {
		return nil
	}
	err := paymentdb.MoveReservation(ctx, tx, *p.ReservationID, paymentdb.ReservationHeld, paymentdb.ReservationRefunded)
	if err != nil && errs.KindOf(err) != errs.KindBadRequest {
		return err
	}
	return nil
}

// recordFraud writes the attempt and bans users who cross the repeat-major
// threshold within the lookback window. BanDays of zero bans forever.
func (s *Service) recordFraud(ctx context.Context, tx pgx.Tx, p *paymentdb.X402Payment, user paymentdb.UserID, v Verdict, actualBytes int64, action string) error {
	if err := paymentdb.InsertFraudAttempt(ctx, tx, &paymentdb.FraudAttempt{
		ID:           uuid.New(),
		User:         user,
		PaymentID:    &p.PaymentID,
		Declared:     p.DeclaredBytes,
		Actual:       actualBytes,
		DeviationPct: v.DeviationPct,
		Severity:     v.Severity,
		Action:       action,
	}); err != nil {
		return err
	}

	if v.Severity != paymentdb.SeverityMajor {
		return nil
	}
	n, err := paymentdb.CountRecentMajorAttempts(ctx, tx, user, fraudCountWindow)
	if err != nil {
		return err
	}
	if n < s.fraud.BanCount {
		return nil
	}
	var until *time.Time
	if s.fraud.BanDays > 0 {
		t := time.Now().Add(time.Duration(s.fraud.BanDays) * 24 * time.Hour)
		until = &t
	}
	s.logger.Warn("banning user for repeated size fraud",
		"user", user.Address, "attempts", n, "permanent", until == nil)
	return paymentdb.InsertBan(ctx, tx, user, "repeated declared-size fraud", until, n)
}

// itemKind recovers the signature family recorded with the payment's
// reservation; payments without one default to ethereum.
func itemKind(ctx context.Context, tx pgx.Tx, p *paymentdb.X402Payment) (dataitem.SignatureKind, error) {
	if p.ReservationID == nil {
		return dataitem.KindEthereum, nil
	}
	var k dataitem.SignatureKind
	err := tx.QueryRow(ctx, `
		SELECT user_kind FROM reservation WHERE reservation_id = $1`,
		*p.ReservationID).Scan(&k)
	if err != nil {
		return dataitem.KindEthereum, err
	}
	return k, nil
}
