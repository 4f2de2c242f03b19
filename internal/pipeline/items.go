package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
	"permabundle/internal/objectstore"
	"permabundle/internal/uploaddb"
)

// handleNewDataItem validates a freshly ingested item and fans out the side
// jobs. Safe to rerun: an item that already left new is someone else's.
func (p *Pipeline) handleNewDataItem(ctx context.Context, job ItemJob) error {
	loc, found, err := uploaddb.Locate(ctx, p.database, job.ItemID)
	if err != nil {
		return err
	}
	if !found || loc != uploaddb.LocationNew {
		p.logger.Debug("item already handled", "item_id", job.ItemID, "location", loc)
		return nil
	}
	it, err := uploaddb.GetItem(ctx, p.database, uploaddb.LocationNew, job.ItemID)
	if err != nil {
		return err
	}

	ok, err := p.reverifyHash(ctx, it)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if p.optical.Enabled() {
		if _, err := p.queue.Enqueue(ctx, LabelOpticalPost, ItemJob{ItemID: it.ItemID}, 0); err != nil {
			return err
		}
	}
	if _, err := p.queue.Enqueue(ctx, LabelPutOffsets, ItemJob{ItemID: it.ItemID}, 0); err != nil {
		return err
	}
	if it.IsBundle {
		if _, err := p.queue.Enqueue(ctx, LabelUnbundleBDI, ItemJob{ItemID: it.ItemID}, 0); err != nil {
			return err
		}
	}
	// Reactive plan trigger. The short delay lets a burst of uploads share
	// one planning pass.
	if _, err := p.queue.Enqueue(ctx, LabelPlan, PlanJob{}, 10*time.Second); err != nil {
		return err
	}
	return nil
}

// reverifyHash re-hashes the stored payload against the item id. A mismatch
// means the object store copy is not what ingest hashed; the item fails,
// its hold refunds, and the fan-out is skipped.
func (p *Pipeline) reverifyHash(ctx context.Context, it *uploaddb.Item) (bool, error) {
	rc, err := p.openPayload(ctx, it.ItemID)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	id, n, err := dataitem.ComputeID(rc)
	if err != nil {
		return false, errs.Wrap(errs.KindUnavailable, "re-read item payload", err)
	}
	if id == it.ItemID && n == it.ByteCount {
		return true, nil
	}

	p.logger.Error("stored payload does not match item id",
		"item_id", it.ItemID, "computed", id, "bytes", n)
	err = p.database.WithTx(ctx, func(tx pgx.Tx) error {
		return uploaddb.FailItem(ctx, tx, it.ItemID, "hash_mismatch")
	})
	if err != nil {
		return false, err
	}
	if it.ReservationID != nil {
		if rerr := p.payments.Refund(ctx, *it.ReservationID); rerr != nil {
			p.logger.Error("refund after hash mismatch failed",
				"reservation_id", it.ReservationID, "error", rerr)
		}
	}
	return false, nil
}

// handlePutOffsets writes a placeholder offset so reads can find the item in
// the raw bucket before its bundle exists. Prepare supersedes it with the
// real bundle-relative offsets.
func (p *Pipeline) handlePutOffsets(ctx context.Context, job ItemJob) error {
	loc, found, err := uploaddb.Locate(ctx, p.database, job.ItemID)
	if err != nil {
		return err
	}
	if !found || loc == uploaddb.LocationFailed {
		return nil
	}
	it, err := uploaddb.GetItem(ctx, p.database, loc, job.ItemID)
	if err != nil {
		return err
	}

	if off, _, _, err := uploaddb.GetOffset(ctx, p.database, job.ItemID); err != nil {
		return err
	} else if off != nil {
		return nil
	}
	return p.database.WithTx(ctx, func(tx pgx.Tx) error {
		return uploaddb.UpsertOffsets(ctx, tx, uuid.Nil, []dataitem.Offset{
			{ItemID: it.ItemID, Start: 0, Length: it.ByteCount},
		}, true)
	})
}

// handleOpticalPost advertises the item envelope to the bridges.
func (p *Pipeline) handleOpticalPost(ctx context.Context, job ItemJob) error {
	loc, found, err := uploaddb.Locate(ctx, p.database, job.ItemID)
	if err != nil {
		return err
	}
	if !found || loc == uploaddb.LocationFailed {
		return nil
	}
	it, err := uploaddb.GetItem(ctx, p.database, loc, job.ItemID)
	if err != nil {
		return err
	}

	env := &dataitem.Envelope{
		ID:            it.ItemID,
		Owner:         it.Owner,
		SignatureKind: it.SignatureKind,
		ByteCount:     it.ByteCount,
		ContentType:   it.ContentType,
		UploadedAt:    it.UploadedAt,
	}
	if it.BundleID != nil {
		env.BundleID = it.BundleID.String()
	}
	return p.optical.Post(ctx, env)
}

// handleOversizedItem posts an item too large for any shared bundle as a
// single-item bundle of its own.
func (p *Pipeline) handleOversizedItem(ctx context.Context, job ItemJob) error {
	loc, found, err := uploaddb.Locate(ctx, p.database, job.ItemID)
	if err != nil {
		return err
	}
	if !found || loc != uploaddb.LocationNew {
		// Planned or already shipped by a previous run of this job.
		return nil
	}
	it, err := uploaddb.GetItem(ctx, p.database, uploaddb.LocationNew, job.ItemID)
	if err != nil {
		return err
	}

	bundleID := uuid.New()
	err = p.database.WithTx(ctx, func(tx pgx.Tx) error {
		if err := uploaddb.InsertBundle(ctx, tx, &uploaddb.Bundle{
			BundleID:  bundleID,
			ByteCount: it.ByteCount,
			ItemCount: 1,
		}); err != nil {
			return err
		}
		if err := uploaddb.MoveToPlanned(ctx, tx, []string{it.ItemID}, bundleID); err != nil {
			return err
		}
		_, err := p.queue.EnqueueTx(ctx, tx, LabelPrepare, BundleJob{BundleID: bundleID}, 0)
		return err
	})
	if err != nil {
		return err
	}
	p.logger.Info("oversized item assigned its own bundle",
		"item_id", it.ItemID, "bundle_id", bundleID, "byte_count", it.ByteCount)
	return nil
}

// handleUnbundleBDI splits a bundle container item into its nested items and
// re-enters each into the pipeline.
func (p *Pipeline) handleUnbundleBDI(ctx context.Context, job ItemJob) error {
	loc, found, err := uploaddb.Locate(ctx, p.database, job.ItemID)
	if err != nil {
		return err
	}
	if !found || loc == uploaddb.LocationFailed {
		return nil
	}
	parent, err := uploaddb.GetItem(ctx, p.database, loc, job.ItemID)
	if err != nil {
		return err
	}

	rc, err := p.openPayload(ctx, parent.ItemID)
	if err != nil {
		return err
	}
	defer rc.Close()

	offsets, err := dataitem.ReadBundleHeader(rc)
	if err != nil {
		return errs.Wrap(errs.KindBadRequest, "parse nested bundle header", err)
	}

	// The reader now sits at the first payload byte; sections follow in
	// offset order.
	var nested int
	for _, off := range offsets {
		section := io.LimitReader(rc, off.Length)
		ok, err := p.extractNested(ctx, parent, off, section)
		if err != nil {
			return err
		}
		if ok {
			nested++
		}
	}
	p.logger.Info("unbundled container", "item_id", parent.ItemID,
		"nested", len(offsets), "new", nested)
	return nil
}

// extractNested stores one nested payload under its own raw key and inserts
// it as a new item. Returns false when the nested item already exists; the
// section is still drained so the parent reader stays aligned.
func (p *Pipeline) extractNested(ctx context.Context, parent *uploaddb.Item,
	off dataitem.Offset, section io.Reader) (bool, error) {

	if _, found, err := uploaddb.Locate(ctx, p.database, off.ItemID); err != nil {
		return false, err
	} else if found {
		if _, err := io.Copy(io.Discard, section); err != nil {
			return false, errs.Wrap(errs.KindUnavailable, "skip nested payload", err)
		}
		return false, nil
	}

	hasher := dataitem.NewHasher()
	key := objectstore.RawKey(off.ItemID)
	if err := p.objects.Put(ctx, p.cfg.ObjectStore.RawBucket, key,
		io.TeeReader(section, hasher), off.Length); err != nil {
		return false, err
	}
	if hasher.ID() != off.ItemID || hasher.ByteCount() != off.Length {
		p.deleteRaw(ctx, key)
		return false, errs.Newf(errs.KindBadRequest,
			"nested payload does not match header digest %s", off.ItemID)
	}

	it := &uploaddb.Item{
		ItemID:        off.ItemID,
		Owner:         parent.Owner,
		SignatureKind: parent.SignatureKind,
		ByteCount:     off.Length,
		UploadedAt:    time.Now().UTC(),
	}
	err := p.database.WithTx(ctx, func(tx pgx.Tx) error {
		if err := uploaddb.InsertNewItem(ctx, tx, it); err != nil {
			return err
		}
		_, err := p.queue.EnqueueTx(ctx, tx, LabelNewDataItem, ItemJob{ItemID: it.ItemID}, 0)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) deleteRaw(ctx context.Context, key string) {
	if err := p.objects.Delete(ctx, p.cfg.ObjectStore.RawBucket, key); err != nil {
		p.logger.Warn("raw object cleanup failed", "key", key, "error", err)
	}
}
