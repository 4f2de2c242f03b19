package pipeline

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"permabundle/internal/cachestore"
	"permabundle/internal/config"
	"permabundle/internal/db"
	"permabundle/internal/errs"
	"permabundle/internal/gateway"
	"permabundle/internal/jobqueue"
	"permabundle/internal/objectstore"
	"permabundle/internal/optical"
	"permabundle/internal/paymentclient"
)

// Pipeline owns every job handler and the periodic planner.
type Pipeline struct {
	cfg       *config.Config
	database  *db.DB
	cache     cachestore.Store
	objects   objectstore.Store
	payments  *paymentclient.Client
	queue     *jobqueue.Queue
	gateway   *gateway.Client
	optical   *optical.Poster
	signer    *ecdsa.PrivateKey
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the pipeline. The bundle signing key may be empty outside
// production; prepared bundles then post unsigned.
func New(cfg *config.Config, database *db.DB, cache cachestore.Store,
	objects objectstore.Store, payments *paymentclient.Client,
	queue *jobqueue.Queue, gw *gateway.Client, op *optical.Poster,
	logger *slog.Logger) (*Pipeline, error) {

	p := &Pipeline{
		cfg:      cfg,
		database: database,
		cache:    cache,
		objects:  objects,
		payments: payments,
		queue:    queue,
		gateway:  gw,
		optical:  op,
		logger:   logger.With("component", "pipeline"),
		stopCh:   make(chan struct{}),
	}
	if cfg.Signing.BundleKeyHex != "" {
		key, err := crypto.HexToECDSA(cfg.Signing.BundleKeyHex)
		if err != nil {
			return nil, errs.Wrap(errs.KindBadRequest, "parse bundle signing key", err)
		}
		p.signer = key
	}
	return p, nil
}

// Register binds every handler to its label on the runner, sized from the
// worker concurrency map.
func (p *Pipeline) Register(runner *jobqueue.Runner) {
	conc := p.cfg.Workers.Concurrency
	register := func(label string, h jobqueue.Handler) {
		runner.Register(label, conc[label], h)
	}
	register(LabelNewDataItem, itemHandler(p.handleNewDataItem))
	register(LabelPlan, func(ctx context.Context, _ json.RawMessage) error {
		return p.handlePlan(ctx)
	})
	register(LabelPrepare, bundleHandler(p.handlePrepare))
	register(LabelPost, attemptHandler(p.handlePost))
	register(LabelVerify, attemptHandler(p.handleVerify))
	register(LabelOpticalPost, itemHandler(p.handleOpticalPost))
	register(LabelPutOffsets, itemHandler(p.handlePutOffsets))
	register(LabelCleanupFs, bundleHandler(p.handleCleanupFs))
	register(LabelOversizedItem, itemHandler(p.handleOversizedItem))
	register(LabelUnbundleBDI, itemHandler(p.handleUnbundleBDI))
	register(LabelX402Finalize, p.handleX402Finalize)
}

func itemHandler(h func(context.Context, ItemJob) error) jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var job ItemJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return errs.Wrap(errs.KindBadRequest, "decode item job", err)
		}
		return h(ctx, job)
	}
}

func bundleHandler(h func(context.Context, BundleJob) error) jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var job BundleJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return errs.Wrap(errs.KindBadRequest, "decode bundle job", err)
		}
		return h(ctx, job)
	}
}

func attemptHandler(h func(context.Context, AttemptJob) error) jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var job AttemptJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return errs.Wrap(errs.KindBadRequest, "decode bundle job", err)
		}
		return h(ctx, job)
	}
}

func (p *Pipeline) handleX402Finalize(ctx context.Context, payload json.RawMessage) error {
	var job FinalizeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode finalize job", err)
	}
	_, err := p.payments.FinalizeX402(ctx, job.PaymentID, job.ActualBytes)
	if errs.Is(err, errs.KindDuplicate) || errs.Is(err, errs.KindBadRequest) {
		// Already finalized by an earlier attempt.
		p.logger.Info("x402 payment already finalized", "payment_id", job.PaymentID)
		return nil
	}
	return err
}

// StartPlanner runs the periodic planning tick. Reactive triggers from
// newDataItem cover the common case; the tick sweeps up anything they miss.
func (p *Pipeline) StartPlanner() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Workers.PlanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := p.queue.Enqueue(ctx, LabelPlan, PlanJob{}, 0); err != nil {
					p.logger.Error("periodic plan enqueue failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// StopPlanner stops the periodic tick.
func (p *Pipeline) StopPlanner() {
	close(p.stopCh)
	p.wg.Wait()
}

// openPayload returns a reader for an item's raw bytes, preferring the cache
// over the object store.
func (p *Pipeline) openPayload(ctx context.Context, itemID string) (io.ReadCloser, error) {
	if buf, err := p.cache.GetBytes(ctx, "payload:"+itemID); err == nil {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	return p.objects.Get(ctx, p.cfg.ObjectStore.RawBucket, objectstore.RawKey(itemID))
}
