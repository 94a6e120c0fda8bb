// Package engine is the entry point of the review cache: it wires the local
// store, the sync engine, the mutation pipeline and the reactive query side
// behind one asynchronous API for the surrounding application.
package engine

import (
	"context"
	"time"

	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/mutation"
	"github.com/vendorhub/review-engine/internal/platform/logger"
	"github.com/vendorhub/review-engine/internal/platform/metrics"
	"github.com/vendorhub/review-engine/internal/query"
	syncengine "github.com/vendorhub/review-engine/internal/sync"
	"go.uber.org/zap"
)

// NoticePublisher forwards notices to an external bus. Optional.
type NoticePublisher interface {
	PublishNotice(ctx context.Context, notice *domain.Notice) error
}

// Options configures a new Engine. Store, Gateway and Logger are required;
// Metrics defaults to a fresh manager, Publisher may be nil.
type Options struct {
	Store     domain.ReviewStore
	Gateway   domain.RemoteGateway
	Logger    *logger.Logger
	Metrics   *metrics.MetricsManager
	Publisher NoticePublisher

	Sync     syncengine.Options
	Mutation mutation.Options

	// NoticeBuffer bounds the in-process notice channel; when full, the
	// oldest notice is dropped in favor of the newest.
	NoticeBuffer int
}

// Engine is the local-first review cache and moderation engine. All entry
// points are asynchronous: moderation actions return pending handles, reads
// come back as snapshots or reactive sequences, and sync runs in background
// cycles. The caller never blocks on network latency.
type Engine struct {
	store    domain.ReviewStore
	syncer   *syncengine.Syncer
	pipeline *mutation.Pipeline
	watcher  *query.Watcher
	logger   *logger.Logger
	metrics  *metrics.MetricsManager

	publisher NoticePublisher
	notices   chan *domain.Notice
}

// New wires an engine. The gateway is wrapped in circuit breakers; inject an
// already-wrapped gateway only if you want different breaker behavior.
func New(opts Options) *Engine {
	log := opts.Logger.Named("Engine")
	mm := opts.Metrics
	if mm == nil {
		mm = metrics.NewMetricsManager("review_engine")
	}
	buffer := opts.NoticeBuffer
	if buffer <= 0 {
		buffer = 64
	}

	e := &Engine{
		store:     opts.Store,
		logger:    log,
		metrics:   mm,
		publisher: opts.Publisher,
		notices:   make(chan *domain.Notice, buffer),
	}

	gateway := syncengine.NewBreakerGateway(opts.Gateway, log)
	e.syncer = syncengine.NewSyncer(opts.Store, gateway, opts.Logger, mm, e.emitNotice, opts.Sync)
	e.pipeline = mutation.NewPipeline(opts.Store, gateway, opts.Logger, mm, e.emitNotice, opts.Mutation)
	e.watcher = query.NewWatcher(opts.Store, opts.Logger, mm)
	return e
}

// emitNotice fans a notice out to the in-process channel and the optional
// external publisher. Never blocks the producing worker.
func (e *Engine) emitNotice(ctx context.Context, n *domain.Notice) {
	e.metrics.NoticesTotal.WithLabelValues(string(n.Kind)).Inc()

	select {
	case e.notices <- n:
	default:
		// Channel full: drop the oldest so the newest is never lost.
		select {
		case <-e.notices:
		default:
		}
		select {
		case e.notices <- n:
		default:
		}
	}

	if e.publisher != nil {
		if err := e.publisher.PublishNotice(ctx, n); err != nil {
			e.logger.Warn("Failed to publish notice",
				zap.String("kind", string(n.Kind)),
				zap.String("vendor_id", n.VendorID),
				zap.Error(err))
		}
	}
}

// Notices returns the stream of conflict/rejection/sync notices.
func (e *Engine) Notices() <-chan *domain.Notice { return e.notices }

// Watch returns a live, filtered review sequence for the vendor.
func (e *Engine) Watch(ctx context.Context, vendorID string, filter domain.Filter, searchText string) (<-chan []*domain.Review, func(), error) {
	return e.watcher.Watch(ctx, vendorID, filter, searchText)
}

// SubmitReply attaches a vendor reply to a review.
func (e *Engine) SubmitReply(ctx context.Context, vendorID, reviewID, text, authorName string) (*mutation.Handle, error) {
	m, err := domain.NewMutation(vendorID, reviewID, domain.OpReply)
	if err != nil {
		return nil, err
	}
	m.ReplyText = text
	m.AuthorName = authorName
	return e.pipeline.Submit(ctx, m)
}

// EditReply rewrites an existing reply, marking it edited.
func (e *Engine) EditReply(ctx context.Context, vendorID, reviewID, text, authorName string) (*mutation.Handle, error) {
	m, err := domain.NewMutation(vendorID, reviewID, domain.OpEditReply)
	if err != nil {
		return nil, err
	}
	m.ReplyText = text
	m.AuthorName = authorName
	return e.pipeline.Submit(ctx, m)
}

// DeleteReply removes an existing reply.
func (e *Engine) DeleteReply(ctx context.Context, vendorID, reviewID string) (*mutation.Handle, error) {
	m, err := domain.NewMutation(vendorID, reviewID, domain.OpDeleteReply)
	if err != nil {
		return nil, err
	}
	return e.pipeline.Submit(ctx, m)
}

// Flag marks a review as flagged with a reason; it stays visible and keeps
// counting toward the aggregate.
func (e *Engine) Flag(ctx context.Context, vendorID, reviewID, reason string) (*mutation.Handle, error) {
	m, err := domain.NewMutation(vendorID, reviewID, domain.OpFlag)
	if err != nil {
		return nil, err
	}
	m.FlagReason = reason
	return e.pipeline.Submit(ctx, m)
}

// SoftDelete hides a review from default queries and aggregates. The row is
// kept; soft-delete is terminal, not a removal.
func (e *Engine) SoftDelete(ctx context.Context, vendorID, reviewID string) (*mutation.Handle, error) {
	m, err := domain.NewMutation(vendorID, reviewID, domain.OpSoftDelete)
	if err != nil {
		return nil, err
	}
	return e.pipeline.Submit(ctx, m)
}

// SubmitBatch pushes a prepared set of mutations through the pipeline under
// one shared batch ID, preserving per-row serialization.
func (e *Engine) SubmitBatch(ctx context.Context, mutations []*domain.Mutation) ([]*mutation.Handle, error) {
	return e.pipeline.SubmitBatch(ctx, mutations)
}

// TriggerSync starts a background sync cycle for the vendor. Returns false
// when a cycle is already running (the trigger coalesces into a no-op).
func (e *Engine) TriggerSync(ctx context.Context, vendorID string) bool {
	return e.syncer.Trigger(ctx, vendorID)
}

// SyncNow runs one sync cycle synchronously. Intended for startup warm-up
// and tests; interactive callers should use TriggerSync.
func (e *Engine) SyncNow(ctx context.Context, vendorID string) error {
	return e.syncer.Sync(ctx, vendorID)
}

// SyncPhase reports the vendor's sync state machine phase.
func (e *Engine) SyncPhase(vendorID string) syncengine.Phase {
	return e.syncer.Phase(vendorID)
}

// GetReview reads one review from the local cache.
func (e *Engine) GetReview(ctx context.Context, vendorID, reviewID string) (*domain.Review, error) {
	return e.store.GetReview(ctx, vendorID, reviewID)
}

// Aggregate returns the vendor's current rating aggregate snapshot.
func (e *Engine) Aggregate(ctx context.Context, vendorID string) (*domain.VendorAggregate, error) {
	return e.store.Aggregate(ctx, vendorID)
}

// Rejected lists rows whose last mutation the remote refused, for
// caller-driven retry or revert.
func (e *Engine) Rejected(ctx context.Context, vendorID string) ([]*domain.Review, error) {
	return e.store.FindBySyncState(ctx, vendorID, domain.SyncStateRejected)
}

// RevertRejected restores a rejected row to its pre-mutation content.
func (e *Engine) RevertRejected(ctx context.Context, vendorID, reviewID string) (*domain.Review, error) {
	reverted, err := e.store.RevertRejected(ctx, vendorID, reviewID)
	if err != nil {
		return nil, err
	}
	// Reverting can undo a soft-delete, putting the row back into the
	// vendor aggregate.
	if _, err := e.store.RecomputeAggregate(ctx, vendorID); err != nil {
		e.logger.Warn("Aggregate recompute after revert failed",
			zap.String("vendor_id", vendorID), zap.Error(err))
	}
	return reverted, nil
}

// Close drains in-flight pushes and sync cycles, then releases the store.
// In-flight pushes run to completion so no row is left PendingPush.
func (e *Engine) Close(ctx context.Context) error {
	e.logger.Info("Engine shutting down, draining workers...")
	e.pipeline.Close()
	e.syncer.Wait()
	err := e.store.Close(ctx)
	close(e.notices)
	e.logger.Info("Engine shut down")
	return err
}

// RunPeriodicSync triggers sync cycles for the given vendors every interval
// until the context is cancelled. Blocks; run it in its own goroutine.
func (e *Engine) RunPeriodicSync(ctx context.Context, vendorIDs []string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for _, v := range vendorIDs {
		e.TriggerSync(ctx, v)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, v := range vendorIDs {
				e.TriggerSync(ctx, v)
			}
		}
	}
}
