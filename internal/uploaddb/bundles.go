package uploaddb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/errs"
)

// BundleStatus is the bundle pipeline state.
type BundleStatus string

const (
	BundlePlanned  BundleStatus = "planned"
	BundlePrepared BundleStatus = "prepared"
	BundlePosted   BundleStatus = "posted"
	BundleVerified BundleStatus = "verified"
	BundleFailed   BundleStatus = "failed"
)

// Bundle groups planned items into one storage-network transaction.
type Bundle struct {
	BundleID   uuid.UUID
	Status     BundleStatus
	ByteCount  int64
	ItemCount  int
	TxID       string
	PlannedAt  time.Time
	PostedAt   *time.Time
	VerifiedAt *time.Time
}

// InsertBundle creates a bundle in planned.
func InsertBundle(ctx context.Context, tx pgx.Tx, b *Bundle) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bundle (bundle_id, byte_count, item_count)
		VALUES ($1, $2, $3)`,
		b.BundleID, b.ByteCount, b.ItemCount)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "insert bundle", err)
	}
	return nil
}

// GetBundle loads a bundle.
func GetBundle(ctx context.Context, q querier, id uuid.UUID) (*Bundle, error) {
	b := &Bundle{BundleID: id}
	var txID *string
	err := q.QueryRow(ctx, `
		SELECT status, byte_count, item_count, tx_id, planned_at, posted_at, verified_at
		FROM bundle WHERE bundle_id = $1`,
		id).Scan(&b.Status, &b.ByteCount, &b.ItemCount, &txID, &b.PlannedAt, &b.PostedAt, &b.VerifiedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Newf(errs.KindBadRequest, "bundle %s not found", id)
		}
		return nil, errs.Wrap(errs.KindUnavailable, "load bundle", err)
	}
	if txID != nil {
		b.TxID = *txID
	}
	return b, nil
}

// MoveBundle transitions a bundle between pipeline states. Guarded so a
// retried job observes that someone else already moved it.
func MoveBundle(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to BundleStatus) error {
	var sql string
	switch to {
	case BundlePosted:
		sql = `UPDATE bundle SET status = $3, posted_at = NOW() WHERE bundle_id = $1 AND status = $2`
	case BundleVerified:
		sql = `UPDATE bundle SET status = $3, verified_at = NOW() WHERE bundle_id = $1 AND status = $2`
	default:
		sql = `UPDATE bundle SET status = $3 WHERE bundle_id = $1 AND status = $2`
	}
	tag, err := tx.Exec(ctx, sql, id, from, to)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "move bundle", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindBadRequest, "bundle %s is not %s", id, from)
	}
	return nil
}

// SetBundleTx records the storage-network transaction id assigned at post.
func SetBundleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, txID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bundle SET tx_id = $2 WHERE bundle_id = $1`,
		id, txID)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "set bundle tx", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindBadRequest, "bundle %s not found", id)
	}
	return nil
}

// PermanentBundleItems lists a verified bundle's items after promotion.
func PermanentBundleItems(ctx context.Context, q querier, bundleID uuid.UUID) ([]Item, error) {
	rows, err := q.Query(ctx, `
		SELECT item_id, owner_address, signature_kind, byte_count,
			COALESCE(content_type, ''), is_bundle, payment_id, reservation_id, uploaded_at, bundle_id
		FROM permanent_item
		WHERE bundle_id = $1
		ORDER BY item_id`,
		bundleID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "list permanent bundle items", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ItemID, &it.Owner, &it.SignatureKind, &it.ByteCount,
			&it.ContentType, &it.IsBundle, &it.PaymentID, &it.ReservationID,
			&it.UploadedAt, &it.BundleID); err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, "scan permanent bundle item", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// BundleItems lists the planned items of a bundle in insertion order.
func BundleItems(ctx context.Context, q querier, bundleID uuid.UUID) ([]Item, error) {
	rows, err := q.Query(ctx, `
		SELECT item_id, owner_address, signature_kind, byte_count,
			COALESCE(content_type, ''), is_bundle, payment_id, reservation_id, uploaded_at, bundle_id
		FROM planned_item
		WHERE bundle_id = $1
		ORDER BY planned_at, item_id`,
		bundleID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "list bundle items", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ItemID, &it.Owner, &it.SignatureKind, &it.ByteCount,
			&it.ContentType, &it.IsBundle, &it.PaymentID, &it.ReservationID,
			&it.UploadedAt, &it.BundleID); err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, "scan bundle item", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
