package uploaddb

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
)

// UpsertOffsets batch-writes item offsets for a bundle. Placeholder rows
// from an earlier attempt are overwritten by the real offsets.
func UpsertOffsets(ctx context.Context, tx pgx.Tx, bundleID uuid.UUID, offsets []dataitem.Offset, placeholder bool) error {
	batch := &pgx.Batch{}
	for _, off := range offsets {
		batch.Queue(`
			INSERT INTO item_offset (item_id, bundle_id, byte_offset, byte_length, placeholder)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (item_id, bundle_id) DO UPDATE
			SET byte_offset = EXCLUDED.byte_offset,
			    byte_length = EXCLUDED.byte_length,
			    placeholder = EXCLUDED.placeholder`,
			off.ItemID, bundleID, off.Start, off.Length, placeholder)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range offsets {
		if _, err := results.Exec(); err != nil {
			return errs.Wrap(errs.KindUnavailable, "upsert offsets", err)
		}
	}
	return nil
}

// GetOffset returns an item's location within its bundle.
func GetOffset(ctx context.Context, q querier, itemID string) (*dataitem.Offset, uuid.UUID, bool, error) {
	off := &dataitem.Offset{ItemID: itemID}
	var bundleID uuid.UUID
	var placeholder bool
	err := q.QueryRow(ctx, `
		SELECT bundle_id, byte_offset, byte_length, placeholder
		FROM item_offset WHERE item_id = $1
		ORDER BY placeholder
		LIMIT 1`,
		itemID).Scan(&bundleID, &off.Start, &off.Length, &placeholder)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, uuid.Nil, false, nil
		}
		return nil, uuid.Nil, false, errs.Wrap(errs.KindUnavailable, "load offset", err)
	}
	return off, bundleID, placeholder, nil
}
