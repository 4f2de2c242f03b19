package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes one job payload. Returning an error with a transient
// kind requeues the job with backoff; any other error kills it.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Runner polls the queue and runs per-label worker pools.
type Runner struct {
	queue   *Queue
	logger  *slog.Logger
	poll    time.Duration
	labels  map[string]labelPool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

type labelPool struct {
	handler     Handler
	concurrency int
}

// NewRunner creates a runner over the queue. Poll interval bounds how long
// an idle worker sleeps between dequeue attempts.
func NewRunner(queue *Queue, logger *slog.Logger, poll time.Duration) *Runner {
	if poll <= 0 {
		poll = time.Second
	}
	return &Runner{
		queue:  queue,
		logger: logger,
		poll:   poll,
		labels: make(map[string]labelPool),
		stopCh: make(chan struct{}),
	}
}

// Register binds a handler and pool size to a label. Must be called before
// Start.
func (r *Runner) Register(label string, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels[label] = labelPool{handler: h, concurrency: concurrency}
}

// Start launches all worker pools.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for label, pool := range r.labels {
		for i := 0; i < pool.concurrency; i++ {
			owner := fmt.Sprintf("%s-%d-%s", label, i, uuid.NewString()[:8])
			r.wg.Add(1)
			go func(label, owner string, h Handler) {
				defer r.wg.Done()
				r.workLoop(ctx, label, owner, h)
			}(label, owner, pool.handler)
		}
		r.logger.Info("worker pool started", "label", label, "concurrency", pool.concurrency)
	}
}

// Stop signals all workers and waits for in-flight jobs to finish, up to the
// grace timeout.
func (r *Runner) Stop(grace time.Duration) {
	close(r.stopCh)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("worker runner stopped")
	case <-time.After(grace):
		r.logger.Warn("worker runner stop timed out, abandoning in-flight jobs")
	}
}

func (r *Runner) workLoop(ctx context.Context, label, owner string, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		job, err := r.queue.Dequeue(ctx, label, owner)
		if err != nil {
			r.logger.Error("dequeue failed", "label", label, "error", err)
			r.sleep(r.poll)
			continue
		}
		if job == nil {
			r.sleep(r.poll)
			continue
		}
		r.runJob(ctx, job, owner, h)
	}
}

func (r *Runner) runJob(ctx context.Context, job *Job, owner string, h Handler) {
	// Keep the lease alive while the handler runs.
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go func() {
		ticker := time.NewTicker(r.queue.leaseLength / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.queue.Heartbeat(hbCtx, job.ID, owner); err != nil {
					r.logger.Warn("heartbeat failed", "job", job.ID, "error", err)
					return
				}
			}
		}
	}()

	if err := h(ctx, job.Payload); err != nil {
		r.logger.Error("job failed", "label", job.Label, "job", job.ID,
			"attempt", job.Attempts, "error", err)
		if ferr := r.queue.Fail(ctx, job, owner, err); ferr != nil {
			r.logger.Error("failed to record job failure", "job", job.ID, "error", ferr)
		}
		return
	}
	if err := r.queue.Complete(ctx, job.ID, owner); err != nil {
		r.logger.Error("failed to mark job done", "job", job.ID, "error", err)
	}
}

func (r *Runner) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}
