// Package ledger implements the credit accounting operations: reserve,
// consume, refund, adjust, and the expiry sweeper. Every operation runs in
// one transaction with the user row locked, so balances never go negative
// and every delta lands in the audit log.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/credits"
	"permabundle/internal/db"
	"permabundle/internal/errs"
	"permabundle/internal/paymentdb"
	"permabundle/internal/pricing"
)

// Ledger coordinates balance mutations.
type Ledger struct {
	db     *db.DB
	oracle *pricing.Oracle
	ttl    time.Duration
	logger *slog.Logger

	sweepPeriod time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New builds a Ledger. ttl bounds how long a hold lives before the sweeper
// returns it.
func New(database *db.DB, oracle *pricing.Oracle, ttl, sweepPeriod time.Duration, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:          database,
		oracle:      oracle,
		ttl:         ttl,
		logger:      logger,
		sweepPeriod: sweepPeriod,
		stopCh:      make(chan struct{}),
	}
}

// HoldTTL is how long a hold lives before the sweeper releases it.
func (l *Ledger) HoldTTL() time.Duration {
	return l.ttl
}

// Balance is the account view returned to callers.
type Balance struct {
	User     paymentdb.UserID `json:"-"`
	Winc     credits.Credits  `json:"winc"`
	Reserved credits.Credits  `json:"reservedWinc"`
}

// GetBalance returns the user's spendable balance and live holds.
func (l *Ledger) GetBalance(ctx context.Context, user paymentdb.UserID) (*Balance, error) {
	winc, err := paymentdb.GetBalance(ctx, l.db, user)
	if err != nil {
		return nil, err
	}
	held, err := paymentdb.HeldTotal(ctx, l.db, user)
	if err != nil {
		return nil, err
	}
	return &Balance{User: user, Winc: winc, Reserved: held}, nil
}

// Reserve prices the declared byte count with the safety buffer and records
// the hold. The balance is not debited: holds only encumber it, and the check
// is that the balance covers every live hold plus this one. Banned users
// cannot reserve; short balances fail with KindInsufficientCredit.
func (l *Ledger) Reserve(ctx context.Context, user paymentdb.UserID, itemID string, byteCount int64) (*paymentdb.Reservation, error) {
	amount, err := l.oracle.ReserveAmount(byteCount)
	if err != nil {
		return nil, err
	}

	r := &paymentdb.Reservation{
		ID:        uuid.New(),
		User:      user,
		ItemID:    itemID,
		Reserved:  amount,
		Status:    paymentdb.ReservationHeld,
		ExpiresAt: time.Now().Add(l.ttl),
	}

	err = l.db.WithTx(ctx, func(tx pgx.Tx) error {
		banned, err := paymentdb.IsBanned(ctx, tx, user)
		if err != nil {
			return err
		}
		if banned {
			return errs.Newf(errs.KindUserBanned, "user %s is banned", user.Address)
		}

		u, err := paymentdb.GetUserForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}
		held, err := paymentdb.HeldTotal(ctx, tx, user)
		if err != nil {
			return err
		}
		if u.Balance < held+amount {
			return errs.Newf(errs.KindInsufficientCredit,
				"balance %s does not cover %s held plus %s requested",
				u.Balance, held, amount)
		}
		return paymentdb.InsertReservation(ctx, tx, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Consume settles a hold against the actual byte count: the full held amount
// is debited and the buffer excess credited straight back, so the net charge
// is the exact cost and the audit log shows both legs. Cost is capped at the
// held amount, so consume never charges beyond what reserve took.
func (l *Ledger) Consume(ctx context.Context, reservationID uuid.UUID, actualBytes int64) (credits.Credits, error) {
	cost, err := l.oracle.CreditsForBytes(actualBytes)
	if err != nil {
		return 0, err
	}

	err = l.db.WithTx(ctx, func(tx pgx.Tx) error {
		r, err := paymentdb.GetReservationForUpdate(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if err := paymentdb.MoveReservation(ctx, tx, reservationID, paymentdb.ReservationHeld, paymentdb.ReservationConsumed); err != nil {
			return err
		}
		if cost > r.Reserved {
			cost = r.Reserved
		}
		u, err := paymentdb.GetUserForUpdate(ctx, tx, r.User)
		if err != nil {
			return err
		}
		if err := paymentdb.ApplyDelta(ctx, tx, u, -r.Reserved, paymentdb.ReasonReserveConsume, reservationID.String()); err != nil {
			return err
		}
		if excess := r.Reserved - cost; excess > 0 {
			if err := paymentdb.ApplyDelta(ctx, tx, u, excess, paymentdb.ReasonOverpayRefund, reservationID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cost, nil
}

// Refund releases a hold. The balance was never debited for it, so the only
// mutation is the status move that stops encumbering the balance.
func (l *Ledger) Refund(ctx context.Context, reservationID uuid.UUID) error {
	return l.db.WithTx(ctx, func(tx pgx.Tx) error {
		return paymentdb.MoveReservation(ctx, tx, reservationID, paymentdb.ReservationHeld, paymentdb.ReservationRefunded)
	})
}

// Adjust applies an arbitrary signed delta, used by the operator surface and
// by fraud penalties.
func (l *Ledger) Adjust(ctx context.Context, user paymentdb.UserID, delta credits.Credits, reason paymentdb.AuditReason, referenceID string) error {
	return l.db.WithTx(ctx, func(tx pgx.Tx) error {
		u, err := paymentdb.GetUserForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}
		return paymentdb.ApplyDelta(ctx, tx, u, delta, reason, referenceID)
	})
}

// Credit adds purchased credits to a user, creating the account if needed.
func (l *Ledger) Credit(ctx context.Context, user paymentdb.UserID, amount credits.Credits, reason paymentdb.AuditReason, referenceID string) error {
	if amount <= 0 {
		return errs.Newf(errs.KindBadRequest, "credit amount must be positive, got %s", amount)
	}
	return l.Adjust(ctx, user, amount, reason, referenceID)
}

// StartSweeper launches the background loop that returns expired holds.
func (l *Ledger) StartSweeper(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				if n, err := l.SweepExpired(ctx, 100); err != nil {
					l.logger.Error("reservation sweep failed", "error", err)
				} else if n > 0 {
					l.logger.Info("expired reservations returned", "count", n)
				}
			}
		}
	}()
}

// StopSweeper stops the background loop and waits for it.
func (l *Ledger) StopSweeper() {
	close(l.stopCh)
	l.wg.Wait()
}

// SweepExpired returns up to limit overdue holds to their owners.
func (l *Ledger) SweepExpired(ctx context.Context, limit int) (int, error) {
	var swept int
	err := l.db.WithTx(ctx, func(tx pgx.Tx) error {
		expired, err := paymentdb.ExpiredReservations(ctx, tx, limit)
		if err != nil {
			return err
		}
		for _, r := range expired {
			if err := paymentdb.MoveReservation(ctx, tx, r.ID, paymentdb.ReservationHeld, paymentdb.ReservationExpired); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	return swept, err
}
