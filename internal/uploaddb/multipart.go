package uploaddb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
)

// MultipartUpload is one chunked upload session.
type MultipartUpload struct {
	UploadID      uuid.UUID
	Owner         string
	SignatureKind dataitem.SignatureKind
	ChunkSize     int64
	CreatedAt     time.Time
	FinalizedAt   *time.Time
	ItemID        string // set at finalize
}

// Part is one uploaded chunk.
type Part struct {
	PartNumber int
	ETag       string
	ByteCount  int64
}

// InsertMultipart opens a session.
func InsertMultipart(ctx context.Context, tx pgx.Tx, m *MultipartUpload) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO multipart_upload (upload_id, owner_address, signature_kind, chunk_size)
		VALUES ($1, $2, $3, $4)`,
		m.UploadID, m.Owner, m.SignatureKind, m.ChunkSize)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "insert multipart upload", err)
	}
	return nil
}

// GetMultipart loads a session.
func GetMultipart(ctx context.Context, q querier, id uuid.UUID) (*MultipartUpload, error) {
	m := &MultipartUpload{UploadID: id}
	var itemID *string
	err := q.QueryRow(ctx, `
		SELECT owner_address, signature_kind, chunk_size, created_at, finalized_at, item_id
		FROM multipart_upload WHERE upload_id = $1`,
		id).Scan(&m.Owner, &m.SignatureKind, &m.ChunkSize, &m.CreatedAt, &m.FinalizedAt, &itemID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Newf(errs.KindBadRequest, "multipart upload %s not found", id)
		}
		return nil, errs.Wrap(errs.KindUnavailable, "load multipart upload", err)
	}
	if itemID != nil {
		m.ItemID = *itemID
	}
	return m, nil
}

// UpsertPart records one chunk. Re-uploading a part number replaces it.
func UpsertPart(ctx context.Context, tx pgx.Tx, uploadID uuid.UUID, p *Part) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO multipart_part (upload_id, part_number, etag, byte_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (upload_id, part_number) DO UPDATE
		SET etag = EXCLUDED.etag, byte_count = EXCLUDED.byte_count, uploaded_at = NOW()`,
		uploadID, p.PartNumber, p.ETag, p.ByteCount)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "upsert multipart part", err)
	}
	return nil
}

// ListParts returns a session's chunks in part order.
func ListParts(ctx context.Context, q querier, uploadID uuid.UUID) ([]Part, error) {
	rows, err := q.Query(ctx, `
		SELECT part_number, etag, byte_count
		FROM multipart_part WHERE upload_id = $1
		ORDER BY part_number`,
		uploadID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "list multipart parts", err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.PartNumber, &p.ETag, &p.ByteCount); err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, "scan multipart part", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// FinalizeMultipart closes the session with the assembled item id. Guarded
// so a session finalizes exactly once.
func FinalizeMultipart(ctx context.Context, tx pgx.Tx, uploadID uuid.UUID, itemID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE multipart_upload SET finalized_at = NOW(), item_id = $2
		WHERE upload_id = $1 AND finalized_at IS NULL`,
		uploadID, itemID)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "finalize multipart upload", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindDuplicate, "multipart upload %s already finalized", uploadID)
	}
	return nil
}
