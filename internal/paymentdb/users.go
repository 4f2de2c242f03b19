// Package paymentdb is the payment service's data access layer: user
// balances, reservations, x402 payments and nonces, fraud records, bans,
// top-ups, and the append-only audit log.
//
// Every balance mutation follows the same shape: lock the user row FOR
// UPDATE, apply the delta, write one audit row, all in the caller's
// transaction. The users.balance_credits column therefore always equals the
// sum of the user's audit deltas.
package paymentdb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
)

// UserID identifies a user by address and signature family.
type UserID struct {
	Address string
	Kind    dataitem.SignatureKind
}

// User is a ledger account row.
type User struct {
	UserID
	Balance   credits.Credits
	CreatedAt time.Time
}

// AuditReason is the enumerated cause of a balance delta.
type AuditReason string

const (
	ReasonPayment          AuditReason = "payment"
	ReasonTopup            AuditReason = "topup"
	ReasonHybridExcess     AuditReason = "hybrid_excess"
	ReasonReservationHold  AuditReason = "reservation_hold"
	ReasonReserveConsume   AuditReason = "reservation_consume"
	ReasonReserveRefund    AuditReason = "reservation_refund"
	ReasonOverpayRefund    AuditReason = "overpayment_refund"
	ReasonFraudPenalty     AuditReason = "fraud_penalty"
)

// GetUserForUpdate locks the user's row and returns it, creating the account
// at zero balance on first touch. Must run inside a transaction.
func GetUserForUpdate(ctx context.Context, tx pgx.Tx, id UserID) (*User, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO users (address, address_kind) VALUES ($1, $2)
		ON CONFLICT (address, address_kind) DO NOTHING`,
		id.Address, id.Kind)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "create user", err)
	}

	u := &User{UserID: id}
	err = tx.QueryRow(ctx, `
		SELECT balance_credits, created_at FROM users
		WHERE address = $1 AND address_kind = $2
		FOR UPDATE`,
		id.Address, id.Kind).Scan(&u.Balance, &u.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "lock user", err)
	}
	return u, nil
}

// GetBalance reads a balance without locking. Unknown users have zero.
func GetBalance(ctx context.Context, q querier, id UserID) (credits.Credits, error) {
	var balance credits.Credits
	err := q.QueryRow(ctx, `
		SELECT balance_credits FROM users
		WHERE address = $1 AND address_kind = $2`,
		id.Address, id.Kind).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, errs.Wrap(errs.KindUnavailable, "read balance", err)
	}
	return balance, nil
}

// ApplyDelta mutates a locked user's balance and writes the audit row. The
// caller must hold the row lock via GetUserForUpdate. A delta that would
// drive the balance negative fails with KindInsufficientCredit.
func ApplyDelta(ctx context.Context, tx pgx.Tx, u *User, delta credits.Credits, reason AuditReason, referenceID string) error {
	next, err := u.Balance.Add(delta)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "balance overflow", err)
	}
	if next < 0 {
		return errs.Newf(errs.KindInsufficientCredit,
			"balance %s cannot absorb delta %s", u.Balance, delta)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users SET balance_credits = $3
		WHERE address = $1 AND address_kind = $2`,
		u.Address, u.Kind, next)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "update balance", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (user_address, user_kind, delta, reason, reference_id, resulting_balance)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.Address, u.Kind, delta, reason, nullIfEmpty(referenceID), next)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "write audit row", err)
	}

	u.Balance = next
	return nil
}

// AuditEntry is one row of the balance history.
type AuditEntry struct {
	EntryID          int64           `json:"entryId"`
	Delta            credits.Credits `json:"delta"`
	Reason           AuditReason     `json:"reason"`
	ReferenceID      string          `json:"referenceId,omitempty"`
	ResultingBalance credits.Credits `json:"resultingBalance"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// AuditHistory returns the user's most recent balance deltas, newest first.
func AuditHistory(ctx context.Context, q querier, id UserID, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := q.Query(ctx, `
		SELECT entry_id, delta, reason, COALESCE(reference_id, ''), resulting_balance, created_at
		FROM audit_log
		WHERE user_address = $1 AND user_kind = $2
		ORDER BY entry_id DESC
		LIMIT $3`,
		id.Address, id.Kind, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "read audit history", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.EntryID, &e.Delta, &e.Reason, &e.ReferenceID, &e.ResultingBalance, &e.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, "scan audit row", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// querier is satisfied by both *db.DB wrappers and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
