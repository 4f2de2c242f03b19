// Package uploaddb is the upload service's data access layer: the data item
// lifecycle tables, bundles, byte offsets, and multipart uploads.
//
// An item occupies exactly one lifecycle table at a time: new_item,
// planned_item, permanent_item, or failed_item. Moves copy the row and
// delete the source inside one transaction, guarded so a stale worker
// cannot move an item that already moved.
package uploaddb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
)

// Location names the lifecycle table an item currently sits in.
type Location string

const (
	LocationNew       Location = "new"
	LocationPlanned   Location = "planned"
	LocationPermanent Location = "permanent"
	LocationFailed    Location = "failed"
)

// Item is one data item row, shared across the lifecycle tables.
type Item struct {
	ItemID        string
	Owner         string
	SignatureKind dataitem.SignatureKind
	ByteCount     int64
	ContentType   string
	IsBundle      bool
	PaymentID     *uuid.UUID
	ReservationID *uuid.UUID
	UploadedAt    time.Time
	BundleID      *uuid.UUID // set once planned
}

// InsertNewItem records a freshly ingested item.
func InsertNewItem(ctx context.Context, tx pgx.Tx, it *Item) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO new_item (item_id, owner_address, signature_kind, byte_count,
			content_type, is_bundle, payment_id, reservation_id, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		it.ItemID, it.Owner, it.SignatureKind, it.ByteCount,
		nullIfEmpty(it.ContentType), it.IsBundle, it.PaymentID, it.ReservationID, it.UploadedAt)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "insert new item", err)
	}
	return nil
}

// Locate finds which lifecycle table holds the item, if any.
func Locate(ctx context.Context, q querier, itemID string) (Location, bool, error) {
	var loc *string
	err := q.QueryRow(ctx, `
		SELECT location FROM (
			SELECT 'new' AS location, 1 AS rank FROM new_item WHERE item_id = $1
			UNION ALL
			SELECT 'planned', 2 FROM planned_item WHERE item_id = $1
			UNION ALL
			SELECT 'permanent', 3 FROM permanent_item WHERE item_id = $1
			UNION ALL
			SELECT 'failed', 4 FROM failed_item WHERE item_id = $1
		) hits ORDER BY rank LIMIT 1`,
		itemID).Scan(&loc)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, errs.Wrap(errs.KindUnavailable, "locate item", err)
	}
	return Location(*loc), true, nil
}

// GetItem loads an item from the named lifecycle table.
func GetItem(ctx context.Context, q querier, loc Location, itemID string) (*Item, error) {
	var sql string
	switch loc {
	case LocationNew:
		sql = `SELECT item_id, owner_address, signature_kind, byte_count,
			COALESCE(content_type, ''), is_bundle, payment_id, reservation_id, uploaded_at, NULL::uuid
			FROM new_item WHERE item_id = $1`
	case LocationPlanned:
		sql = `SELECT item_id, owner_address, signature_kind, byte_count,
			COALESCE(content_type, ''), is_bundle, payment_id, reservation_id, uploaded_at, bundle_id
			FROM planned_item WHERE item_id = $1`
	case LocationPermanent:
		sql = `SELECT item_id, owner_address, signature_kind, byte_count,
			COALESCE(content_type, ''), is_bundle, payment_id, reservation_id, uploaded_at, bundle_id
			FROM permanent_item WHERE item_id = $1`
	default:
		return nil, errs.Newf(errs.KindInternal, "cannot load items from %q", loc)
	}

	it := &Item{}
	err := q.QueryRow(ctx, sql, itemID).Scan(&it.ItemID, &it.Owner, &it.SignatureKind,
		&it.ByteCount, &it.ContentType, &it.IsBundle, &it.PaymentID, &it.ReservationID,
		&it.UploadedAt, &it.BundleID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Newf(errs.KindBadRequest, "item %s not found in %s", itemID, loc)
		}
		return nil, errs.Wrap(errs.KindUnavailable, "load item", err)
	}
	return it, nil
}

// PlanCandidates leases up to limit new items for the planner, oldest first.
func PlanCandidates(ctx context.Context, tx pgx.Tx, limit int) ([]Item, error) {
	rows, err := tx.Query(ctx, `
		SELECT item_id, owner_address, signature_kind, byte_count,
			COALESCE(content_type, ''), is_bundle, payment_id, reservation_id, uploaded_at
		FROM new_item
		ORDER BY uploaded_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "select plan candidates", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ItemID, &it.Owner, &it.SignatureKind, &it.ByteCount,
			&it.ContentType, &it.IsBundle, &it.PaymentID, &it.ReservationID, &it.UploadedAt); err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, "scan plan candidate", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MoveToPlanned assigns locked new items to a bundle.
func MoveToPlanned(ctx context.Context, tx pgx.Tx, itemIDs []string, bundleID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM new_item WHERE item_id = ANY($1)
			RETURNING item_id, owner_address, signature_kind, byte_count,
				content_type, is_bundle, payment_id, reservation_id, uploaded_at
		)
		INSERT INTO planned_item (item_id, owner_address, signature_kind, byte_count,
			content_type, is_bundle, payment_id, reservation_id, uploaded_at, bundle_id)
		SELECT item_id, owner_address, signature_kind, byte_count,
			content_type, is_bundle, payment_id, reservation_id, uploaded_at, $2
		FROM moved`,
		itemIDs, bundleID)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "move items to planned", err)
	}
	if int(tag.RowsAffected()) != len(itemIDs) {
		return errs.Newf(errs.KindInternal,
			"planned %d of %d items; another planner interfered", tag.RowsAffected(), len(itemIDs))
	}
	return nil
}

// PromoteBundleItems moves every planned item of a verified bundle to
// permanent.
func PromoteBundleItems(ctx context.Context, tx pgx.Tx, bundleID uuid.UUID) (int, error) {
	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM planned_item WHERE bundle_id = $1
			RETURNING item_id, owner_address, signature_kind, byte_count,
				content_type, is_bundle, payment_id, reservation_id, uploaded_at, bundle_id
		)
		INSERT INTO permanent_item (item_id, owner_address, signature_kind, byte_count,
			content_type, is_bundle, payment_id, reservation_id, uploaded_at, bundle_id)
		SELECT item_id, owner_address, signature_kind, byte_count,
			content_type, is_bundle, payment_id, reservation_id, uploaded_at, bundle_id
		FROM moved`,
		bundleID)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, "promote bundle items", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailBundleItems moves every planned item of a permanently failed bundle to
// failed with the given reason.
func FailBundleItems(ctx context.Context, tx pgx.Tx, bundleID uuid.UUID, reason string) (int, error) {
	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM planned_item WHERE bundle_id = $1
			RETURNING item_id, owner_address, signature_kind, byte_count,
				payment_id, reservation_id, uploaded_at
		)
		INSERT INTO failed_item (item_id, owner_address, signature_kind, byte_count,
			payment_id, reservation_id, uploaded_at, failure_reason)
		SELECT item_id, owner_address, signature_kind, byte_count,
			payment_id, reservation_id, uploaded_at, $2
		FROM moved`,
		bundleID, reason)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, "fail bundle items", err)
	}
	return int(tag.RowsAffected()), nil
}

// DemoteBundleItems returns a failed bundle's items to new so the next plan
// cycle picks them up again.
func DemoteBundleItems(ctx context.Context, tx pgx.Tx, bundleID uuid.UUID) (int, error) {
	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM planned_item WHERE bundle_id = $1
			RETURNING item_id, owner_address, signature_kind, byte_count,
				content_type, is_bundle, payment_id, reservation_id, uploaded_at
		)
		INSERT INTO new_item (item_id, owner_address, signature_kind, byte_count,
			content_type, is_bundle, payment_id, reservation_id, uploaded_at)
		SELECT item_id, owner_address, signature_kind, byte_count,
			content_type, is_bundle, payment_id, reservation_id, uploaded_at
		FROM moved`,
		bundleID)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, "demote bundle items", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailItem moves an item from new to failed with a reason.
func FailItem(ctx context.Context, tx pgx.Tx, itemID, reason string) error {
	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM new_item WHERE item_id = $1
			RETURNING item_id, owner_address, signature_kind, byte_count,
				payment_id, reservation_id, uploaded_at
		)
		INSERT INTO failed_item (item_id, owner_address, signature_kind, byte_count,
			payment_id, reservation_id, uploaded_at, failure_reason)
		SELECT item_id, owner_address, signature_kind, byte_count,
			payment_id, reservation_id, uploaded_at, $2
		FROM moved`,
		itemID, reason)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "fail item", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindBadRequest, "item %s is not in new", itemID)
	}
	return nil
}

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
