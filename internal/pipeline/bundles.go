package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
	"permabundle/internal/gateway"
	"permabundle/internal/jobqueue"
	"permabundle/internal/objectstore"
	"permabundle/internal/paymentclient"
	"permabundle/internal/uploaddb"
)

// maxPostAttempts bounds the post worker's own retry ladder; exhaustion
// fails the bundle and refunds its reservations.
const maxPostAttempts = 10

// maxVerifyDelay caps the verify re-enqueue backoff.
const maxVerifyDelay = 30 * time.Minute

// handlePrepare assembles the framed bundle payload, uploads it to the
// backup bucket, and records the real item offsets. Idempotent by bundle id:
// a re-run overwrites the backup object and re-upserts the offsets.
func (p *Pipeline) handlePrepare(ctx context.Context, job BundleJob) error {
	b, err := uploaddb.GetBundle(ctx, p.database, job.BundleID)
	if err != nil {
		return err
	}
	switch b.Status {
	case uploaddb.BundlePlanned:
	case uploaddb.BundlePrepared:
		// Crashed after the move but before the post enqueue.
		_, err := p.queue.Enqueue(ctx, LabelPost, AttemptJob{BundleID: b.BundleID}, 0)
		return err
	default:
		return nil
	}

	items, err := uploaddb.BundleItems(ctx, p.database, b.BundleID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errs.Newf(errs.KindInternal, "bundle %s has no planned items", b.BundleID)
	}

	entries := make([]dataitem.BundleEntry, len(items))
	for i, it := range items {
		itemID := it.ItemID
		entries[i] = dataitem.BundleEntry{
			ItemID:    itemID,
			ByteCount: it.ByteCount,
			Open: func() (io.ReadCloser, error) {
				return p.openPayload(ctx, itemID)
			},
		}
	}

	// Stream the framed payload to the backup bucket while hashing it; the
	// digest becomes the storage-network transaction id.
	hasher := dataitem.NewHasher()
	pr, pw := io.Pipe()
	var offsets []dataitem.Offset
	done := make(chan error, 1)
	go func() {
		var werr error
		offsets, werr = dataitem.WriteBundle(io.MultiWriter(pw, hasher), entries)
		pw.CloseWithError(werr)
		done <- werr
	}()

	size := dataitem.AssembledSize(entries)
	if putErr := p.objects.Put(ctx, p.cfg.ObjectStore.BackupBucket,
		objectstore.BundleKey(b.BundleID.String()), pr, size); putErr != nil {
		// Unblock the writer goroutine before waiting on it.
		pr.CloseWithError(putErr)
		<-done
		return putErr
	}
	if werr := <-done; werr != nil {
		return errs.Wrap(errs.KindUnavailable, "assemble bundle payload", werr)
	}

	txID := hasher.ID()
	err = p.database.WithTx(ctx, func(tx pgx.Tx) error {
		if err := uploaddb.UpsertOffsets(ctx, tx, b.BundleID, offsets, false); err != nil {
			return err
		}
		if err := uploaddb.SetBundleTx(ctx, tx, b.BundleID, txID); err != nil {
			return err
		}
		if err := uploaddb.MoveBundle(ctx, tx, b.BundleID, uploaddb.BundlePlanned, uploaddb.BundlePrepared); err != nil {
			return err
		}
		_, err := p.queue.EnqueueTx(ctx, tx, LabelPost, AttemptJob{BundleID: b.BundleID}, 0)
		return err
	})
	if err != nil {
		return err
	}
	p.logger.Info("bundle prepared", "bundle_id", b.BundleID, "tx_id", txID,
		"items", len(items), "payload_bytes", size)
	return nil
}

// handlePost streams the assembled payload from the backup bucket to the
// storage network. Retries run through the job payload's attempt counter so
// the 1s→5min/10-attempt ladder survives worker restarts.
func (p *Pipeline) handlePost(ctx context.Context, job AttemptJob) error {
	b, err := uploaddb.GetBundle(ctx, p.database, job.BundleID)
	if err != nil {
		return err
	}
	switch b.Status {
	case uploaddb.BundlePrepared:
	case uploaddb.BundlePosted:
		// Crashed after the move but before the verify enqueue.
		_, err := p.queue.Enqueue(ctx, LabelVerify, AttemptJob{BundleID: b.BundleID}, p.cfg.Gateway.ConfirmDelay)
		return err
	default:
		return nil
	}

	rc, err := p.objects.Get(ctx, p.cfg.ObjectStore.BackupBucket, objectstore.BundleKey(b.BundleID.String()))
	if err != nil {
		return p.retryOrFailPost(ctx, b, job, err)
	}
	header := &gateway.TxHeader{
		ID:        b.TxID,
		ByteCount: dataitem.HeaderSize(b.ItemCount) + b.ByteCount,
		Owner:     p.signerAddress(),
		Signature: p.signTx(b.TxID),
	}
	postErr := p.gateway.PostTx(ctx, header, rc)
	rc.Close()
	if postErr != nil {
		return p.retryOrFailPost(ctx, b, job, postErr)
	}

	err = p.database.WithTx(ctx, func(tx pgx.Tx) error {
		if err := uploaddb.MoveBundle(ctx, tx, b.BundleID, uploaddb.BundlePrepared, uploaddb.BundlePosted); err != nil {
			return err
		}
		_, err := p.queue.EnqueueTx(ctx, tx, LabelVerify, AttemptJob{BundleID: b.BundleID}, p.cfg.Gateway.ConfirmDelay)
		return err
	})
	if err != nil {
		return err
	}
	p.logger.Info("bundle posted", "bundle_id", b.BundleID, "tx_id", b.TxID)
	return nil
}

func (p *Pipeline) retryOrFailPost(ctx context.Context, b *uploaddb.Bundle, job AttemptJob, cause error) error {
	if errs.Transient(cause) && job.Attempt+1 < maxPostAttempts {
		p.logger.Warn("bundle post failed, retrying",
			"bundle_id", b.BundleID, "attempt", job.Attempt+1, "error", cause)
		_, err := p.queue.Enqueue(ctx, LabelPost, AttemptJob{
			BundleID: b.BundleID,
			Attempt:  job.Attempt + 1,
		}, jobqueue.RetryDelay(job.Attempt+1))
		return err
	}
	p.logger.Error("bundle post failed permanently", "bundle_id", b.BundleID, "error", cause)
	return p.failBundle(ctx, b.BundleID, uploaddb.BundlePrepared, "post_failed")
}

// handleVerify polls the storage network for confirmation depth and either
// promotes the bundle, re-enqueues itself with backoff, or fails the bundle
// past the deadline.
func (p *Pipeline) handleVerify(ctx context.Context, job AttemptJob) error {
	b, err := uploaddb.GetBundle(ctx, p.database, job.BundleID)
	if err != nil {
		return err
	}
	if b.Status != uploaddb.BundlePosted {
		return nil
	}

	status, err := p.gateway.Status(ctx, b.TxID)
	if err != nil {
		return err
	}
	if status.Confirmed {
		return p.confirmBundle(ctx, b)
	}

	if b.PostedAt != nil && time.Since(*b.PostedAt) > p.cfg.Gateway.VerifyDeadline {
		p.logger.Error("bundle never confirmed before deadline",
			"bundle_id", b.BundleID, "tx_id", b.TxID, "posted_at", b.PostedAt)
		return p.failBundle(ctx, b.BundleID, uploaddb.BundlePosted, "not_confirmed")
	}

	_, err = p.queue.Enqueue(ctx, LabelVerify, AttemptJob{
		BundleID: b.BundleID,
		Attempt:  job.Attempt + 1,
	}, verifyDelay(p.cfg.Gateway.ConfirmDelay, job.Attempt+1))
	return err
}

func verifyDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < maxVerifyDelay; i++ {
		d *= 2
	}
	if d > maxVerifyDelay {
		return maxVerifyDelay
	}
	return d
}

// confirmBundle promotes a confirmed bundle's items to permanent, then
// settles every item's payment: credit holds are consumed at the actual
// size and x402 payments get their finalize job.
func (p *Pipeline) confirmBundle(ctx context.Context, b *uploaddb.Bundle) error {
	items, err := uploaddb.BundleItems(ctx, p.database, b.BundleID)
	if err != nil {
		return err
	}

	err = p.database.WithTx(ctx, func(tx pgx.Tx) error {
		if err := uploaddb.MoveBundle(ctx, tx, b.BundleID, uploaddb.BundlePosted, uploaddb.BundleVerified); err != nil {
			return err
		}
		if _, err := uploaddb.PromoteBundleItems(ctx, tx, b.BundleID); err != nil {
			return err
		}
		_, err := p.queue.EnqueueTx(ctx, tx, LabelCleanupFs, BundleJob{BundleID: b.BundleID}, 0)
		return err
	})
	if err != nil {
		return err
	}

	for _, it := range items {
		if it.PaymentID != nil {
			// Finalize owns the x402 reservation: it consumes or refunds the
			// hold according to the deviation verdict.
			if _, err := p.queue.Enqueue(ctx, LabelX402Finalize, FinalizeJob{
				PaymentID:   *it.PaymentID,
				ItemID:      it.ItemID,
				ActualBytes: it.ByteCount,
			}, 0); err != nil {
				p.logger.Error("x402 finalize enqueue failed", "item_id", it.ItemID, "error", err)
			}
			continue
		}
		if it.ReservationID != nil {
			_, err := p.payments.Consume(ctx, &paymentclient.ConsumeRequest{
				ReservationID: *it.ReservationID,
				ActualBytes:   it.ByteCount,
			})
			if err != nil {
				p.logger.Error("reservation consume failed; expiry sweep will refund the hold",
					"item_id", it.ItemID, "reservation_id", it.ReservationID, "error", err)
			}
		}
	}

	p.logger.Info("bundle verified", "bundle_id", b.BundleID, "tx_id", b.TxID, "items", len(items))
	return nil
}

// failBundle moves the bundle and its items to failed and refunds every
// credit hold in it.
func (p *Pipeline) failBundle(ctx context.Context, bundleID uuid.UUID, from uploaddb.BundleStatus, reason string) error {
	items, err := uploaddb.BundleItems(ctx, p.database, bundleID)
	if err != nil {
		return err
	}

	err = p.database.WithTx(ctx, func(tx pgx.Tx) error {
		if err := uploaddb.MoveBundle(ctx, tx, bundleID, from, uploaddb.BundleFailed); err != nil {
			return err
		}
		_, err := uploaddb.FailBundleItems(ctx, tx, bundleID, reason)
		return err
	})
	if err != nil {
		return err
	}

	for _, it := range items {
		if it.PaymentID != nil {
			// Zero actual bytes fails the payment and releases its hold.
			if _, err := p.queue.Enqueue(ctx, LabelX402Finalize, FinalizeJob{
				PaymentID: *it.PaymentID,
				ItemID:    it.ItemID,
			}, 0); err != nil {
				p.logger.Error("x402 finalize enqueue failed", "item_id", it.ItemID, "error", err)
			}
			continue
		}
		if it.ReservationID == nil {
			continue
		}
		if err := p.payments.Refund(ctx, *it.ReservationID); err != nil {
			p.logger.Error("refund after bundle failure did not go through; expiry sweep will reclaim it",
				"item_id", it.ItemID, "reservation_id", it.ReservationID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) signerAddress() string {
	if p.signer == nil {
		return ""
	}
	return crypto.PubkeyToAddress(p.signer.PublicKey).Hex()
}

// signTx signs the decoded transaction digest with the service bundle key.
func (p *Pipeline) signTx(txID string) string {
	if p.signer == nil {
		return ""
	}
	digest, err := dataitem.DecodeID(txID)
	if err != nil {
		p.logger.Error("bundle tx id is malformed", "tx_id", txID, "error", err)
		return ""
	}
	sig, err := crypto.Sign(digest[:], p.signer)
	if err != nil {
		p.logger.Error("bundle signature failed", "tx_id", txID, "error", err)
		return ""
	}
	return hexutil.Encode(sig)
}

// handleCleanupFs clears per-item cache entries and, in delete retention
// mode, the raw bucket objects of a verified bundle. The backup payload
// stays per retention policy.
func (p *Pipeline) handleCleanupFs(ctx context.Context, job BundleJob) error {
	items, err := uploaddb.PermanentBundleItems(ctx, p.database, job.BundleID)
	if err != nil {
		return err
	}
	deleteRaw := p.cfg.Limits.RawRetentionMode == "delete"
	for _, it := range items {
		if err := p.cache.Delete(ctx, "payload:"+it.ItemID); err != nil {
			p.logger.Warn("payload cache evict failed", "item_id", it.ItemID, "error", err)
		}
		if deleteRaw {
			p.deleteRaw(ctx, objectstore.RawKey(it.ItemID))
		}
	}
	return nil
}
