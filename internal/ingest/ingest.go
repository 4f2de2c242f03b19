// Package ingest receives data item payloads, charges for them, and hands
// them to the fulfillment pipeline.
package ingest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/cachestore"
	"permabundle/internal/config"
	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/db"
	"permabundle/internal/errs"
	"permabundle/internal/jobqueue"
	"permabundle/internal/objectstore"
	"permabundle/internal/paymentclient"
	"permabundle/internal/pipeline"
	"permabundle/internal/uploaddb"
)

// BundleContentType marks an uploaded payload as a bundle of nested items.
// Items arriving with it are queued for unbundling after ingest.
const BundleContentType = "application/x-bundle"

// payloadCacheTTL bounds how long a small payload stays in the cache for the
// prepare worker's fast path. The object store holds the durable copy.
const payloadCacheTTL = 24 * time.Hour

// fingerprintBytes is how much of the body feeds the tentative item id taken
// before charging. Payloads within this size hash completely up front, so
// the tentative id is already the canonical one.
const fingerprintBytes = 64 << 10

// Service ingests uploads.
type Service struct {
	cfg      *config.Config
	database *db.DB
	cache    cachestore.Store
	objects  objectstore.Store
	payments *paymentclient.Client
	queue    *jobqueue.Queue
	logger   *slog.Logger
}

// New builds the ingest service.
func New(cfg *config.Config, database *db.DB, cache cachestore.Store,
	objects objectstore.Store, payments *paymentclient.Client,
	queue *jobqueue.Queue, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		database: database,
		cache:    cache,
		objects:  objects,
		payments: payments,
		queue:    queue,
		logger:   logger.With("component", "ingest"),
	}
}

// StreamRequest is one incoming upload.
type StreamRequest struct {
	Body          io.Reader
	ContentLength int64
	ContentType   string
	Owner         string
	SignatureKind dataitem.SignatureKind
	// PaymentHeader carries an x402 X-PAYMENT header. Empty means the upload
	// draws on the owner's credit balance instead.
	PaymentHeader string
}

// Receipt describes an accepted upload.
type Receipt struct {
	ID            string          `json:"id"`
	Owner         string          `json:"owner"`
	SignatureKind string          `json:"signatureKind"`
	ByteCount     int64           `json:"byteCount"`
	ContentType   string          `json:"contentType,omitempty"`
	PaymentID     *uuid.UUID      `json:"paymentId,omitempty"`
	PaymentMode   string          `json:"paymentMode,omitempty"`
	ReservationID *uuid.UUID      `json:"reservationId,omitempty"`
	WincReserved  credits.Credits `json:"wincReserved,omitempty"`
	UploadedAt    time.Time       `json:"uploadedAt"`
}

// HandleStream runs the full ingest sequence: validate, fingerprint the body
// prefix into a tentative id, guard against duplicates and concurrent
// streams, charge, stream the rest of the payload into staging, persist, and
// enqueue pipeline work. The guards run before payment so a duplicate never
// costs the caller anything.
func (s *Service) HandleStream(ctx context.Context, req *StreamRequest) (*Receipt, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	hasher := dataitem.NewHasher()
	body := io.LimitReader(req.Body, req.ContentLength)

	n := req.ContentLength
	if n > fingerprintBytes {
		n = fingerprintBytes
	}
	prefix := make([]byte, n)
	if _, err := io.ReadFull(body, prefix); err != nil {
		return nil, errs.Wrap(errs.KindContentMismatch, "read payload fingerprint", err)
	}
	hasher.Write(prefix)
	tentativeID := hasher.ID()

	if err := s.guardDuplicate(ctx, tentativeID); err != nil {
		return nil, err
	}

	lockKey := "inflight:" + tentativeID
	lockOwner := uuid.NewString()
	if err := s.cache.AcquireLock(ctx, lockKey, lockOwner, s.cfg.InFlightTTL(req.ContentLength)); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.cache.ReleaseLock(ctx, lockKey, lockOwner); err != nil {
			s.logger.Warn("in-flight lock release failed", "item_id", tentativeID, "error", err)
		}
	}()

	pay, err := s.charge(ctx, req)
	if err != nil {
		return nil, err
	}

	staged, err := s.stage(ctx, req, prefix, hasher, body)
	if err != nil {
		s.release(ctx, pay)
		return nil, err
	}
	defer staged.discard(ctx, s)

	if staged.id != tentativeID {
		// The canonical id only exists now that the whole body streamed; the
		// prefix guard can miss, so run it again on the real id.
		if err := s.guardDuplicate(ctx, staged.id); err != nil {
			s.release(ctx, pay)
			return nil, err
		}
	}

	if err := staged.promote(ctx, s); err != nil {
		s.release(ctx, pay)
		return nil, err
	}

	it := &uploaddb.Item{
		ItemID:        staged.id,
		Owner:         req.Owner,
		SignatureKind: req.SignatureKind,
		ByteCount:     staged.byteCount,
		ContentType:   req.ContentType,
		IsBundle:      req.ContentType == BundleContentType,
		PaymentID:     pay.paymentID,
		ReservationID: pay.reservationID,
		UploadedAt:    time.Now().UTC(),
	}
	err = s.database.WithTx(ctx, func(tx pgx.Tx) error {
		if err := uploaddb.InsertNewItem(ctx, tx, it); err != nil {
			return err
		}
		// newDataItem fans out to optical, offsets, unbundling, and planning.
		_, err := s.queue.EnqueueTx(ctx, tx, pipeline.LabelNewDataItem,
			pipeline.ItemJob{ItemID: it.ItemID}, 0)
		return err
	})
	if err != nil {
		s.release(ctx, pay)
		return nil, err
	}

	s.logger.Info("item ingested",
		"item_id", it.ItemID,
		"owner", it.Owner,
		"byte_count", it.ByteCount,
		"is_bundle", it.IsBundle,
		"payment_mode", pay.mode)
	return s.receipt(req, staged, pay), nil
}

// guardDuplicate aborts when the item already exists anywhere in the
// lifecycle. A miss here is tolerable; the per-table UNIQUE constraints
// backstop it.
func (s *Service) guardDuplicate(ctx context.Context, id string) error {
	loc, found, err := uploaddb.Locate(ctx, s.database, id)
	if err != nil {
		return err
	}
	if found {
		s.logger.Info("duplicate upload", "item_id", id, "location", loc)
		return errs.Newf(errs.KindDuplicate, "item %s already stored", id)
	}
	return nil
}

func (s *Service) validate(req *StreamRequest) error {
	if req.ContentLength <= 0 {
		return errs.New(errs.KindBadRequest, "content length is required")
	}
	if req.ContentLength > s.cfg.Limits.MaxItemBytes {
		return errs.Newf(errs.KindTooLarge, "declared %d bytes exceeds the %d byte limit",
			req.ContentLength, s.cfg.Limits.MaxItemBytes)
	}
	return s.validatePayer(req)
}

func (s *Service) validatePayer(req *StreamRequest) error {
	if req.PaymentHeader != "" {
		// The x402 authorization names the payer; owner fields are optional
		// and validated only when present.
		if req.Owner == "" {
			return nil
		}
	}
	if _, err := dataitem.ParseKind(string(req.SignatureKind)); err != nil {
		return err
	}
	return dataitem.ValidateOwner(req.SignatureKind, req.Owner)
}

// payment is the charge taken before the payload streams.
type payment struct {
	mode          string
	paymentID     *uuid.UUID
	reservationID *uuid.UUID
	reserved      credits.Credits
	payer         string
	payerKind     dataitem.SignatureKind
}

func (s *Service) charge(ctx context.Context, req *StreamRequest) (*payment, error) {
	if req.PaymentHeader != "" {
		resp, err := s.payments.VerifyAndSettle(ctx, &paymentclient.VerifyAndSettleRequest{
			PaymentHeader: req.PaymentHeader,
			DeclaredBytes: req.ContentLength,
			ItemID:        uuid.NewString(), // provisional; finalize keys on the payment id
			SignatureKind: req.SignatureKind,
		})
		if err != nil {
			return nil, err
		}
		payerKind := req.SignatureKind
		if payerKind == "" {
			payerKind = dataitem.KindEthereum
		}
		if req.Owner == "" {
			req.Owner = resp.Payer
			req.SignatureKind = payerKind
		}
		return &payment{
			mode:          resp.Mode,
			paymentID:     &resp.PaymentID,
			reservationID: resp.ReservationID,
			reserved:      resp.WincReserved,
			payer:         resp.Payer,
			payerKind:     payerKind,
		}, nil
	}

	resp, err := s.payments.Reserve(ctx, &paymentclient.ReserveRequest{
		Address:       req.Owner,
		SignatureKind: req.SignatureKind,
		ByteCount:     req.ContentLength,
	})
	if err != nil {
		return nil, err
	}
	return &payment{
		mode:          "credit",
		reservationID: &resp.ReservationID,
		reserved:      resp.WincReserved,
		payer:         req.Owner,
		payerKind:     req.SignatureKind,
	}, nil
}

// release undoes the charge after a failed ingest. Credit holds refund
// immediately; settled x402 payments get a zero-byte finalize, which fails
// the payment and lets go of its hold.
func (s *Service) release(ctx context.Context, pay *payment) {
	if pay.paymentID != nil {
		if _, err := s.queue.Enqueue(ctx, pipeline.LabelX402Finalize, pipeline.FinalizeJob{
			PaymentID: *pay.paymentID,
		}, 0); err != nil {
			s.logger.Error("x402 finalize enqueue failed; expiry sweep will reclaim the hold",
				"payment_id", pay.paymentID, "error", err)
		}
		return
	}
	if pay.reservationID == nil {
		return
	}
	if err := s.payments.Refund(ctx, *pay.reservationID); err != nil {
		s.logger.Error("reservation refund failed; expiry sweep will reclaim it",
			"reservation_id", pay.reservationID, "error", err)
	}
}

// stagedPayload is a hashed payload parked in the cache (small) or under a
// staging key in the object store (large) until the duplicate check passes.
type stagedPayload struct {
	id         string
	byteCount  int64
	buffered   []byte // nil when staged in the object store
	stagingKey string
	promoted   bool
}

// stage consumes the rest of the request body after the fingerprint prefix,
// folding it into the same hasher so the staged id covers the whole payload.
// Payloads at or under CacheMaxItemBytes buffer in memory; larger ones
// stream straight to a staging key so ingest memory stays bounded.
func (s *Service) stage(ctx context.Context, req *StreamRequest, prefix []byte, hasher *dataitem.Hasher, rest io.Reader) (*stagedPayload, error) {
	if req.ContentLength <= s.cfg.Limits.CacheMaxItemBytes {
		tail, err := io.ReadAll(io.TeeReader(rest, hasher))
		if err != nil {
			return nil, errs.Wrap(errs.KindBadRequest, "read upload body", err)
		}
		buf := append(prefix, tail...)
		if int64(len(buf)) != req.ContentLength {
			return nil, errs.Newf(errs.KindContentMismatch,
				"declared %d bytes, received %d", req.ContentLength, len(buf))
		}
		return &stagedPayload{id: hasher.ID(), byteCount: hasher.ByteCount(), buffered: buf}, nil
	}

	key := objectstore.StagingKey(uuid.NewString())
	if err := s.objects.Put(ctx, s.cfg.ObjectStore.RawBucket, key,
		io.MultiReader(bytes.NewReader(prefix), io.TeeReader(rest, hasher)),
		req.ContentLength); err != nil {
		return nil, err
	}
	if hasher.ByteCount() != req.ContentLength {
		s.deleteStaged(ctx, key)
		return nil, errs.Newf(errs.KindContentMismatch,
			"declared %d bytes, received %d", req.ContentLength, hasher.ByteCount())
	}
	return &stagedPayload{id: hasher.ID(), byteCount: hasher.ByteCount(), stagingKey: key}, nil
}

// promote moves the staged payload to its content-addressed raw key and,
// for small payloads, primes the cache for the prepare worker.
func (p *stagedPayload) promote(ctx context.Context, s *Service) error {
	bucket := s.cfg.ObjectStore.RawBucket
	rawKey := objectstore.RawKey(p.id)

	if p.buffered != nil {
		if err := s.objects.Put(ctx, bucket, rawKey, bytes.NewReader(p.buffered), p.byteCount); err != nil {
			return err
		}
		if err := s.cache.SetBytes(ctx, "payload:"+p.id, p.buffered, payloadCacheTTL); err != nil {
			s.logger.Warn("payload cache prime failed", "item_id", p.id, "error", err)
		}
		p.promoted = true
		return nil
	}

	if err := s.objects.Copy(ctx, bucket, p.stagingKey, rawKey); err != nil {
		return err
	}
	p.promoted = true
	return nil
}

// discard removes staging leftovers. After promote it only clears the
// staging key; the raw copy stays.
func (p *stagedPayload) discard(ctx context.Context, s *Service) {
	if p.stagingKey != "" {
		s.deleteStaged(ctx, p.stagingKey)
		p.stagingKey = ""
	}
}

func (s *Service) deleteStaged(ctx context.Context, key string) {
	if err := s.objects.Delete(ctx, s.cfg.ObjectStore.RawBucket, key); err != nil {
		s.logger.Warn("staging cleanup failed", "key", key, "error", err)
	}
}

func (s *Service) receipt(req *StreamRequest, staged *stagedPayload, pay *payment) *Receipt {
	return &Receipt{
		ID:            staged.id,
		Owner:         req.Owner,
		SignatureKind: string(req.SignatureKind),
		ByteCount:     staged.byteCount,
		ContentType:   req.ContentType,
		PaymentID:     pay.paymentID,
		PaymentMode:   pay.mode,
		ReservationID: pay.reservationID,
		WincReserved:  pay.reserved,
		UploadedAt:    time.Now().UTC(),
	}
}
