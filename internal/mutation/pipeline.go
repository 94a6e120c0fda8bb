// Package mutation applies moderation actions optimistically to the local
// store and reconciles them with the remote push outcome.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/platform/logger"
	"github.com/vendorhub/review-engine/internal/platform/metrics"
	"github.com/vendorhub/review-engine/internal/store"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("review-engine/mutation")

// NoticeFunc receives caller-visible notices. May be nil.
type NoticeFunc func(context.Context, *domain.Notice)

// Result is the settled outcome of one submitted mutation.
type Result struct {
	// Outcome is set when the push resolved remotely.
	Outcome domain.PushOutcome
	// Review is the row as stored after reconciliation, when available.
	Review *domain.Review
	// Err is set when the mutation never reached the remote (bad input,
	// row missing locally, engine closed).
	Err error
}

// Handle tracks a submitted mutation until it settles. The optimistic write
// is already visible in the store when Submit returns; the handle resolves
// once the remote push is reconciled.
type Handle struct {
	Mutation *domain.Mutation

	done   chan struct{}
	result Result
}

func newHandle(m *domain.Mutation) *Handle {
	return &Handle{Mutation: m, done: make(chan struct{})}
}

// Done is closed when the mutation has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the settled outcome; blocks until Done.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

func (h *Handle) resolve(r Result) {
	h.result = r
	close(h.done)
}

// Options bound the push retry behavior.
type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// BackoffMaxElapsed caps how long a push retries transient failures
	// before the row is marked Rejected for an explicit caller retry; a
	// PendingPush row must never linger silently.
	BackoffMaxElapsed time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BackoffInitial <= 0 {
		out.BackoffInitial = 500 * time.Millisecond
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 15 * time.Second
	}
	if out.BackoffMaxElapsed <= 0 {
		out.BackoffMaxElapsed = 2 * time.Minute
	}
	return out
}

type queueItem struct {
	mutation *domain.Mutation
	handle   *Handle
	// applied marks mutations whose optimistic store write already happened
	// synchronously inside Submit.
	applied bool
}

type rowQueue struct {
	items  []*queueItem
	active bool
}

// Pipeline serializes moderation mutations per (vendorID, reviewID) row:
// one push in flight per row, later submissions queued FIFO behind it.
// Pushes run detached from the submitter's context and are never cancelled
// mid-flight, so no row is left PendingPush by a caller hanging up.
type Pipeline struct {
	store   domain.ReviewStore
	gateway domain.RemoteGateway
	logger  *logger.Logger
	metrics *metrics.MetricsManager
	notice  NoticeFunc
	opts    Options

	mu     sync.Mutex
	queues map[string]*rowQueue
	closed bool
	wg     sync.WaitGroup
}

// NewPipeline builds a pipeline over the given store and gateway.
func NewPipeline(st domain.ReviewStore, gateway domain.RemoteGateway, log *logger.Logger, mm *metrics.MetricsManager, notice NoticeFunc, opts Options) *Pipeline {
	return &Pipeline{
		store:   st,
		gateway: gateway,
		logger:  log.Named("MutationPipeline"),
		metrics: mm,
		notice:  notice,
		opts:    opts.withDefaults(),
		queues:  make(map[string]*rowQueue),
	}
}

// Submit validates the mutation and queues it behind any in-flight push for
// the same row. When the row is idle the optimistic store write happens
// before Submit returns, so the caller observes the edit immediately;
// queued mutations apply once they reach the head of their row queue.
func (p *Pipeline) Submit(ctx context.Context, m *domain.Mutation) (*Handle, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	h := newHandle(m)
	item := &queueItem{mutation: m, handle: h}
	key := store.RowKey(m.VendorID, m.ReviewID)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ErrStoreClosed
	}
	q, ok := p.queues[key]
	if !ok {
		q = &rowQueue{}
		p.queues[key] = q
	}
	if q.active || len(q.items) > 0 {
		q.items = append(q.items, item)
		p.metrics.PendingMutations.Inc()
		p.mu.Unlock()
		return h, nil
	}
	// Reserve the row so later submissions queue behind this one.
	q.active = true
	p.mu.Unlock()

	if err := p.applyOptimistic(ctx, item); err != nil {
		p.metrics.PushesTotal.WithLabelValues("error").Inc()
		h.resolve(Result{Err: err})
	} else {
		p.mu.Lock()
		// Head of the queue: anything appended while the optimistic write
		// ran was submitted after this mutation.
		q.items = append([]*queueItem{item}, q.items...)
		p.metrics.PendingMutations.Inc()
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.drain(key)
	return h, nil
}

// SubmitBatch stamps every mutation with one shared batch ID and submits
// them through the normal per-row pipeline, preserving per-row serialization.
func (p *Pipeline) SubmitBatch(ctx context.Context, mutations []*domain.Mutation) ([]*Handle, error) {
	batchID := domain.NewBatchID()
	handles := make([]*Handle, 0, len(mutations))
	for _, m := range mutations {
		m.BatchID = batchID
		h, err := p.Submit(ctx, m)
		if err != nil {
			return handles, fmt.Errorf("batch %s: mutation %s: %w", batchID, m.ID, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Close stops accepting mutations and waits for in-flight pushes to settle.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) drain(key string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		q := p.queues[key]
		if len(q.items) == 0 {
			q.active = false
			delete(p.queues, key)
			p.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		p.mu.Unlock()

		p.process(item)
		p.metrics.PendingMutations.Dec()
	}
}

func (p *Pipeline) process(item *queueItem) {
	m := item.mutation
	// Detached context: an in-flight push always runs to completion.
	ctx, span := tracer.Start(context.Background(), fmt.Sprintf("Mutation.%s", m.Op))
	defer span.End()

	log := p.logger.With(
		zap.String("vendor_id", m.VendorID),
		zap.String("review_id", m.ReviewID),
		zap.String("mutation_id", m.ID),
		zap.String("op", string(m.Op)))

	if !item.applied {
		if err := p.applyOptimistic(ctx, item); err != nil {
			p.metrics.PushesTotal.WithLabelValues("error").Inc()
			item.handle.resolve(Result{Err: err})
			return
		}
	}

	result, err := p.pushWithRetry(ctx, m)
	if err != nil {
		// Transient retries exhausted or session lost. Mark Rejected so the
		// row surfaces for an explicit caller retry instead of lingering.
		reason := "push failed: " + err.Error()
		rejected, markErr := p.store.MarkSyncResult(ctx, m.VendorID, m.ReviewID, domain.SyncRejected(reason))
		if markErr != nil {
			log.Error("Failed to mark unpushed mutation rejected", zap.Error(markErr))
		}
		p.metrics.PushesTotal.WithLabelValues("error").Inc()
		p.emitNotice(ctx, &domain.Notice{
			Kind:       domain.NoticeRejected,
			VendorID:   m.VendorID,
			ReviewID:   m.ReviewID,
			Reason:     reason,
			Mutation:   m,
			OccurredAt: time.Now().UTC(),
		})
		item.handle.resolve(Result{Outcome: domain.PushRejected, Review: rejected, Err: err})
		return
	}

	switch result.Outcome {
	case domain.PushAccepted:
		settled, err := p.store.MarkSyncResult(ctx, m.VendorID, m.ReviewID, domain.SyncAccepted(result.NewRemoteVersion))
		if err != nil {
			log.Error("Failed to settle accepted mutation", zap.Error(err))
			item.handle.resolve(Result{Outcome: domain.PushAccepted, Err: err})
			return
		}
		p.metrics.PushesTotal.WithLabelValues("accepted").Inc()
		log.Info("Mutation accepted by remote", zap.Int64("remote_version", result.NewRemoteVersion))
		item.handle.resolve(Result{Outcome: domain.PushAccepted, Review: settled})

	case domain.PushConflict:
		// Remote wins unconditionally: adopt the latest row wholesale and
		// discard the optimistic edit, snapshot included.
		if _, err := p.store.Upsert(ctx, result.Latest); err != nil {
			log.Error("Failed to adopt conflicting remote row", zap.Error(err))
			item.handle.resolve(Result{Outcome: domain.PushConflict, Err: err})
			return
		}
		// The adopted row may carry a different moderation state.
		p.refreshAggregate(ctx, m.VendorID)
		p.metrics.PushesTotal.WithLabelValues("conflict").Inc()
		log.Warn("Mutation lost version conflict, remote row adopted",
			zap.Int64("remote_version", result.Latest.RemoteVersion))
		p.emitNotice(ctx, &domain.Notice{
			Kind:       domain.NoticeConflict,
			VendorID:   m.VendorID,
			ReviewID:   m.ReviewID,
			Reason:     "newer remote version exists",
			Mutation:   m,
			OccurredAt: time.Now().UTC(),
		})
		item.handle.resolve(Result{Outcome: domain.PushConflict, Review: result.Latest})

	case domain.PushRejected:
		rejected, err := p.store.MarkSyncResult(ctx, m.VendorID, m.ReviewID, domain.SyncRejected(result.Reason))
		if err != nil {
			log.Error("Failed to settle rejected mutation", zap.Error(err))
			item.handle.resolve(Result{Outcome: domain.PushRejected, Err: err})
			return
		}
		p.metrics.PushesTotal.WithLabelValues("rejected").Inc()
		log.Warn("Mutation rejected by remote", zap.String("reason", result.Reason))
		p.emitNotice(ctx, &domain.Notice{
			Kind:       domain.NoticeRejected,
			VendorID:   m.VendorID,
			ReviewID:   m.ReviewID,
			Reason:     result.Reason,
			Mutation:   m,
			OccurredAt: time.Now().UTC(),
		})
		item.handle.resolve(Result{Outcome: domain.PushRejected, Review: rejected})
	}
}

// applyOptimistic writes the mutation to the local store, marking the row
// PendingPush, and keeps the vendor aggregate in step when the op changes
// aggregate membership.
func (p *Pipeline) applyOptimistic(ctx context.Context, item *queueItem) error {
	m := item.mutation
	if _, err := p.store.ApplyLocalMutation(ctx, m.VendorID, m.ReviewID, m.Apply); err != nil {
		p.logger.Warn("Optimistic mutation failed",
			zap.String("vendor_id", m.VendorID),
			zap.String("review_id", m.ReviewID),
			zap.String("mutation_id", m.ID),
			zap.Error(err))
		return err
	}
	item.applied = true
	p.logger.Info("Applied optimistic mutation",
		zap.String("vendor_id", m.VendorID),
		zap.String("review_id", m.ReviewID),
		zap.String("mutation_id", m.ID),
		zap.String("op", string(m.Op)))

	if m.Op.AffectsAggregate() {
		p.refreshAggregate(ctx, m.VendorID)
	}
	return nil
}

// refreshAggregate recomputes the vendor aggregate after a write that can
// change rating membership. Failure is logged only; the next sync cycle
// recomputes regardless.
func (p *Pipeline) refreshAggregate(ctx context.Context, vendorID string) {
	start := time.Now()
	if _, err := p.store.RecomputeAggregate(ctx, vendorID); err != nil {
		p.logger.Warn("Aggregate recompute failed", zap.String("vendor_id", vendorID), zap.Error(err))
		return
	}
	p.metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
}

// pushWithRetry retries transient push failures with exponential backoff.
func (p *Pipeline) pushWithRetry(ctx context.Context, m *domain.Mutation) (*domain.PushResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BackoffInitial
	b.MaxInterval = p.opts.BackoffMax
	b.MaxElapsedTime = p.opts.BackoffMaxElapsed

	var result *domain.PushResult
	operation := func() error {
		var err error
		result, err = p.gateway.PushMutation(ctx, m)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		p.logger.Debug("Transient push failure, backing off",
			zap.String("mutation_id", m.ID), zap.Error(err))
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) emitNotice(ctx context.Context, n *domain.Notice) {
	if p.notice != nil {
		p.notice(ctx, n)
	}
}
