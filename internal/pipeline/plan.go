package pipeline

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/dataitem"
	"permabundle/internal/uploaddb"
)

// handlePlan leases a batch of new items and packs them into bundles. The
// FOR UPDATE SKIP LOCKED candidate fetch serializes concurrent planners
// without blocking them.
func (p *Pipeline) handlePlan(ctx context.Context) error {
	var planned, oversized int
	err := p.database.WithTx(ctx, func(tx pgx.Tx) error {
		candidates, err := uploaddb.PlanCandidates(ctx, tx, p.cfg.Limits.PlanCandidates)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		groups, single := packBundles(candidates, p.cfg.Limits.MaxBundleBytes, p.cfg.Limits.MaxItemsPerBundle)

		for _, it := range single {
			if _, err := p.queue.EnqueueTx(ctx, tx, LabelOversizedItem, ItemJob{ItemID: it.ItemID}, 0); err != nil {
				return err
			}
		}
		oversized = len(single)

		for _, group := range groups {
			bundleID := uuid.New()
			ids := make([]string, len(group))
			var total int64
			for i, it := range group {
				ids[i] = it.ItemID
				total += it.ByteCount
			}
			if err := uploaddb.InsertBundle(ctx, tx, &uploaddb.Bundle{
				BundleID:  bundleID,
				ByteCount: total,
				ItemCount: len(group),
			}); err != nil {
				return err
			}
			if err := uploaddb.MoveToPlanned(ctx, tx, ids, bundleID); err != nil {
				return err
			}
			if _, err := p.queue.EnqueueTx(ctx, tx, LabelPrepare, BundleJob{BundleID: bundleID}, 0); err != nil {
				return err
			}
			planned += len(group)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if planned > 0 || oversized > 0 {
		p.logger.Info("planning pass complete", "items_planned", planned, "oversized", oversized)
	}
	return nil
}

// packBundles groups items first-fit decreasing, bounded by the payload size
// (framing header included) and the per-bundle item count. Items larger than
// maxBytes on their own come back separately. The stable sort preserves the
// caller's oldest-first order among equal sizes, so older items still ship
// sooner.
func packBundles(items []uploaddb.Item, maxBytes int64, maxItems int) (groups [][]uploaddb.Item, oversized []uploaddb.Item) {
	sorted := make([]uploaddb.Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ByteCount > sorted[j].ByteCount
	})

	type open struct {
		items []uploaddb.Item
		bytes int64
	}
	var bins []*open

	for _, it := range sorted {
		if it.ByteCount > maxBytes {
			oversized = append(oversized, it)
			continue
		}
		placed := false
		for _, bin := range bins {
			if len(bin.items) >= maxItems {
				continue
			}
			if dataitem.HeaderSize(len(bin.items)+1)+bin.bytes+it.ByteCount > maxBytes {
				continue
			}
			bin.items = append(bin.items, it)
			bin.bytes += it.ByteCount
			placed = true
			break
		}
		if !placed {
			bins = append(bins, &open{items: []uploaddb.Item{it}, bytes: it.ByteCount})
		}
	}

	for _, bin := range bins {
		groups = append(groups, bin.items)
	}
	return groups, oversized
}
