package paymentdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/credits"
	"permabundle/internal/errs"
)

// ReservationStatus is the lifecycle state of a credit hold.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationRefunded ReservationStatus = "refunded"
	ReservationExpired  ReservationStatus = "expired"
)

// Reservation is a credit hold against an upload in flight.
type Reservation struct {
	ID        uuid.UUID
	User      UserID
	ItemID    string
	Reserved  credits.Credits
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InsertReservation records a new hold. Holds encumber the balance without
// debiting it; only consume moves money, and refund just releases the hold.
func InsertReservation(ctx context.Context, tx pgx.Tx, r *Reservation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation (reservation_id, user_address, user_kind, item_id, credits_reserved, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.User.Address, r.User.Kind, nullIfEmpty(r.ItemID), r.Reserved, r.ExpiresAt)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "insert reservation", err)
	}
	return nil
}

// HeldTotal sums the user's live holds, for balance reporting.
func HeldTotal(ctx context.Context, q querier, id UserID) (credits.Credits, error) {
	var held credits.Credits
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(credits_reserved), 0) FROM reservation
		WHERE user_address = $1 AND user_kind = $2 AND status = 'held'`,
		id.Address, id.Kind).Scan(&held)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, "sum held reservations", err)
	}
	return held, nil
}

// GetReservationForUpdate locks and returns one reservation.
func GetReservationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Reservation, error) {
	r := &Reservation{ID: id}
	var itemID *string
	err := tx.QueryRow(ctx, `
		SELECT user_address, user_kind, item_id, credits_reserved, status, created_at, expires_at
		FROM reservation WHERE reservation_id = $1
		FOR UPDATE`,
		id).Scan(&r.User.Address, &r.User.Kind, &itemID, &r.Reserved, &r.Status, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Newf(errs.KindBadRequest, "reservation %s not found", id)
		}
		return nil, errs.Wrap(errs.KindUnavailable, "lock reservation", err)
	}
	if itemID != nil {
		r.ItemID = *itemID
	}
	return r, nil
}

// MoveReservation transitions a reservation from one status to another. The
// guarded WHERE keeps a stale caller from double-settling.
func MoveReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to ReservationStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE reservation SET status = $3, settled_at = NOW()
		WHERE reservation_id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "move reservation", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindBadRequest,
			"reservation %s is not %s", id, from)
	}
	return nil
}

// ExpiredReservations leases a batch of overdue holds for the sweeper,
// skipping rows another sweeper already claimed.
func ExpiredReservations(ctx context.Context, tx pgx.Tx, limit int) ([]Reservation, error) {
	rows, err := tx.Query(ctx, `
		SELECT reservation_id, user_address, user_kind, COALESCE(item_id, ''), credits_reserved, created_at, expires_at
		FROM reservation
		WHERE status = 'held' AND expires_at <= NOW()
		ORDER BY expires_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "select expired reservations", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r := Reservation{Status: ReservationHeld}
		if err := rows.Scan(&r.ID, &r.User.Address, &r.User.Kind, &r.ItemID, &r.Reserved, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, "scan expired reservation", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
