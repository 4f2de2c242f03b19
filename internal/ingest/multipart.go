package ingest

import (
	"context"
	"encoding/hex"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
	"permabundle/internal/objectstore"
	"permabundle/internal/pipeline"
	"permabundle/internal/uploaddb"
)

// DefaultChunkSize applies when a multipart init names no chunk size.
const DefaultChunkSize = 5 << 20

// InitMultipart opens a chunked upload session for clients that cannot hold
// a whole payload in one request.
func (s *Service) InitMultipart(ctx context.Context, owner string, kind dataitem.SignatureKind, chunkSize int64) (*uploaddb.MultipartUpload, error) {
	if err := dataitem.ValidateOwner(kind, owner); err != nil {
		return nil, err
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize > s.cfg.Limits.MaxItemBytes {
		return nil, errs.Newf(errs.KindBadRequest, "chunk size %d out of range", chunkSize)
	}

	m := &uploaddb.MultipartUpload{
		UploadID:      uuid.New(),
		Owner:         owner,
		SignatureKind: kind,
		ChunkSize:     chunkSize,
	}
	err := s.database.WithTx(ctx, func(tx pgx.Tx) error {
		return uploaddb.InsertMultipart(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Now().UTC()
	return m, nil
}

// UploadPart stores one chunk. Re-uploading a part number replaces the
// earlier bytes, which is how clients resume after a dropped connection.
func (s *Service) UploadPart(ctx context.Context, uploadID uuid.UUID, partNumber int, body io.Reader, length int64) (*uploaddb.Part, error) {
	if partNumber < 1 {
		return nil, errs.Newf(errs.KindBadRequest, "part number %d must be positive", partNumber)
	}
	m, err := uploaddb.GetMultipart(ctx, s.database, uploadID)
	if err != nil {
		return nil, err
	}
	if m.FinalizedAt != nil {
		return nil, errs.Newf(errs.KindDuplicate, "multipart upload %s already finalized", uploadID)
	}
	if length <= 0 || length > m.ChunkSize {
		return nil, errs.Newf(errs.KindBadRequest, "part length %d out of range for chunk size %d", length, m.ChunkSize)
	}

	hasher := dataitem.NewHasher()
	key := objectstore.MultipartKey(uploadID.String(), partNumber)
	if err := s.objects.Put(ctx, s.cfg.ObjectStore.RawBucket, key,
		io.TeeReader(io.LimitReader(body, length), hasher), length); err != nil {
		return nil, err
	}
	if hasher.ByteCount() != length {
		s.deleteStaged(ctx, key)
		return nil, errs.Newf(errs.KindContentMismatch,
			"declared %d bytes for part %d, received %d", length, partNumber, hasher.ByteCount())
	}

	p := &uploaddb.Part{
		PartNumber: partNumber,
		ETag:       partETag(hasher),
		ByteCount:  length,
	}
	err = s.database.WithTx(ctx, func(tx pgx.Tx) error {
		return uploaddb.UpsertPart(ctx, tx, uploadID, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func partETag(h *dataitem.Hasher) string {
	raw, err := dataitem.DecodeID(h.ID())
	if err != nil {
		return h.ID()
	}
	return hex.EncodeToString(raw[:])
}

// FinalizeMultipart concatenates a session's parts in part order, charges
// for the assembled size, and ingests the result exactly like a single-shot
// upload.
func (s *Service) FinalizeMultipart(ctx context.Context, uploadID uuid.UUID, paymentHeader string) (*Receipt, error) {
	m, err := uploaddb.GetMultipart(ctx, s.database, uploadID)
	if err != nil {
		return nil, err
	}
	if m.FinalizedAt != nil {
		return nil, errs.Newf(errs.KindDuplicate, "multipart upload %s already finalized", uploadID)
	}

	parts, err := uploaddb.ListParts(ctx, s.database, uploadID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errs.Newf(errs.KindBadRequest, "multipart upload %s has no parts", uploadID)
	}
	if parts[0].PartNumber != 1 {
		return nil, errs.New(errs.KindBadRequest, "part 1 is missing")
	}
	var total int64
	for i, p := range parts {
		// Part numbers must be contiguous or the assembly would have holes.
		if i < len(parts)-1 && parts[i+1].PartNumber != p.PartNumber+1 {
			return nil, errs.Newf(errs.KindBadRequest,
				"part %d is missing", p.PartNumber+1)
		}
		total += p.ByteCount
	}
	if total > s.cfg.Limits.MaxItemBytes {
		return nil, errs.Newf(errs.KindTooLarge, "assembled %d bytes exceeds the %d byte limit",
			total, s.cfg.Limits.MaxItemBytes)
	}

	req := &StreamRequest{
		ContentLength: total,
		Owner:         m.Owner,
		SignatureKind: m.SignatureKind,
		PaymentHeader: paymentHeader,
	}

	staged, err := s.assemble(ctx, uploadID, parts, total)
	if err != nil {
		return nil, err
	}
	defer staged.discard(ctx, s)

	// Same in-flight lock as the single-shot path, so a concurrent POST of
	// the identical payload cannot double-bill while this finalize runs.
	lockKey := "inflight:" + staged.id
	lockOwner := uuid.NewString()
	if err := s.cache.AcquireLock(ctx, lockKey, lockOwner, s.cfg.InFlightTTL(staged.byteCount)); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.cache.ReleaseLock(ctx, lockKey, lockOwner); err != nil {
			s.logger.Warn("in-flight lock release failed", "item_id", staged.id, "error", err)
		}
	}()

	// Dedup before charging, so finalizing an already-stored payload costs
	// nothing. The session still closes so the parts can be reclaimed.
	if loc, found, err := uploaddb.Locate(ctx, s.database, staged.id); err != nil {
		return nil, err
	} else if found {
		s.logger.Info("multipart assembled a duplicate", "item_id", staged.id, "location", loc)
		if err := s.closeSession(ctx, uploadID, staged.id, nil, nil, false); err != nil {
			return nil, err
		}
		s.cleanupParts(ctx, uploadID, parts)
		return nil, errs.Newf(errs.KindDuplicate, "item %s already stored", staged.id)
	}

	pay, err := s.charge(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := staged.promote(ctx, s); err != nil {
		s.release(ctx, pay)
		return nil, err
	}

	if err := s.closeSession(ctx, uploadID, staged.id, pay.paymentID, pay.reservationID, true); err != nil {
		s.release(ctx, pay)
		return nil, err
	}
	s.cleanupParts(ctx, uploadID, parts)

	s.logger.Info("multipart upload finalized",
		"upload_id", uploadID, "item_id", staged.id, "byte_count", total, "parts", len(parts))
	return s.receipt(req, staged, pay), nil
}

// assemble streams the parts, in order, through the hasher into a staging
// key. An io.Pipe keeps memory use at one copy buffer regardless of size.
func (s *Service) assemble(ctx context.Context, uploadID uuid.UUID, parts []uploaddb.Part, total int64) (*stagedPayload, error) {
	hasher := dataitem.NewHasher()
	pr, pw := io.Pipe()

	go func() {
		for _, p := range parts {
			rc, err := s.objects.Get(ctx, s.cfg.ObjectStore.RawBucket,
				objectstore.MultipartKey(uploadID.String(), p.PartNumber))
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(io.MultiWriter(pw, hasher), rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	key := objectstore.StagingKey(uuid.NewString())
	if err := s.objects.Put(ctx, s.cfg.ObjectStore.RawBucket, key, pr, total); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	if hasher.ByteCount() != total {
		s.deleteStaged(ctx, key)
		return nil, errs.Newf(errs.KindContentMismatch,
			"parts total %d bytes, assembled %d", total, hasher.ByteCount())
	}
	return &stagedPayload{id: hasher.ID(), byteCount: total, stagingKey: key}, nil
}

// closeSession finalizes the session row and, when the item is new, inserts
// it and enqueues pipeline work in the same transaction.
func (s *Service) closeSession(ctx context.Context, uploadID uuid.UUID, itemID string,
	paymentID, reservationID *uuid.UUID, insertItem bool) error {
	m, err := uploaddb.GetMultipart(ctx, s.database, uploadID)
	if err != nil {
		return err
	}
	return s.database.WithTx(ctx, func(tx pgx.Tx) error {
		if err := uploaddb.FinalizeMultipart(ctx, tx, uploadID, itemID); err != nil {
			return err
		}
		if !insertItem {
			return nil
		}
		it := &uploaddb.Item{
			ItemID:        itemID,
			Owner:         m.Owner,
			SignatureKind: m.SignatureKind,
			ByteCount:     sumParts(ctx, tx, uploadID),
			PaymentID:     paymentID,
			ReservationID: reservationID,
			UploadedAt:    time.Now().UTC(),
		}
		if err := uploaddb.InsertNewItem(ctx, tx, it); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(ctx, tx, pipeline.LabelNewDataItem,
			pipeline.ItemJob{ItemID: itemID}, 0)
		return err
	})
}

func sumParts(ctx context.Context, tx pgx.Tx, uploadID uuid.UUID) int64 {
	var total int64
	_ = tx.QueryRow(ctx, `SELECT COALESCE(SUM(byte_count), 0) FROM multipart_part WHERE upload_id = $1`,
		uploadID).Scan(&total)
	return total
}

// cleanupParts deletes the per-part objects once the assembled payload is
// safely at its raw key. Best effort; orphans age out via bucket policy.
func (s *Service) cleanupParts(ctx context.Context, uploadID uuid.UUID, parts []uploaddb.Part) {
	for _, p := range parts {
		key := objectstore.MultipartKey(uploadID.String(), p.PartNumber)
		if err := s.objects.Delete(ctx, s.cfg.ObjectStore.RawBucket, key); err != nil {
			s.logger.Warn("multipart part cleanup failed", "key", key, "error", err)
		}
	}
}
