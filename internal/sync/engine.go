package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/platform/logger"
	"github.com/vendorhub/review-engine/internal/platform/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("review-engine/sync")

// Phase is the observable state of a vendor's sync state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseReconciling Phase = "reconciling"
	PhaseBackoff     Phase = "backoff"
)

// NoticeFunc receives caller-visible notices. May be nil.
type NoticeFunc func(context.Context, *domain.Notice)

// Options bound the retry behavior of a sync cycle.
type Options struct {
	PageSize       int32
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// BackoffMaxElapsed caps total retry time of one cycle; the old cursor
	// survives an exhausted cycle, so the next trigger resumes the range.
	BackoffMaxElapsed time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PageSize < 1 {
		out.PageSize = 100
	}
	if out.BackoffInitial <= 0 {
		out.BackoffInitial = 500 * time.Millisecond
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 30 * time.Second
	}
	if out.BackoffMaxElapsed <= 0 {
		out.BackoffMaxElapsed = 5 * time.Minute
	}
	return out
}

type vendorState struct {
	running bool
	phase   Phase
}

// Syncer runs the per-vendor pull/reconcile/recompute cycle. Cycles for
// different vendors are independent; per vendor, at most one cycle runs at a
// time and further triggers while one is active are no-ops.
type Syncer struct {
	store   domain.ReviewStore
	gateway domain.RemoteGateway
	logger  *logger.Logger
	metrics *metrics.MetricsManager
	notice  NoticeFunc
	opts    Options

	mu      gosync.Mutex
	vendors map[string]*vendorState
	wg      gosync.WaitGroup
}

// NewSyncer builds a syncer over the given store and gateway.
func NewSyncer(store domain.ReviewStore, gateway domain.RemoteGateway, log *logger.Logger, mm *metrics.MetricsManager, notice NoticeFunc, opts Options) *Syncer {
	return &Syncer{
		store:   store,
		gateway: gateway,
		logger:  log.Named("Syncer"),
		metrics: mm,
		notice:  notice,
		opts:    opts.withDefaults(),
		vendors: make(map[string]*vendorState),
	}
}

// Phase reports the vendor's current sync phase.
func (s *Syncer) Phase(vendorID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.vendors[vendorID]; ok {
		return st.phase
	}
	return PhaseIdle
}

// Trigger starts a background sync cycle for the vendor. Returns false when
// a cycle is already in flight (the trigger coalesces into a no-op: the
// running cycle will observe the latest remote state anyway).
func (s *Syncer) Trigger(ctx context.Context, vendorID string) bool {
	s.mu.Lock()
	st, ok := s.vendors[vendorID]
	if !ok {
		st = &vendorState{phase: PhaseIdle}
		s.vendors[vendorID] = st
	}
	if st.running {
		s.mu.Unlock()
		s.metrics.SyncCyclesTotal.WithLabelValues("coalesced").Inc()
		s.logger.Debug("Sync trigger coalesced, cycle already running", zap.String("vendor_id", vendorID))
		return false
	}
	st.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			st.running = false
			st.phase = PhaseIdle
			s.mu.Unlock()
		}()
		if err := s.Sync(ctx, vendorID); err != nil {
			s.logger.Warn("Sync cycle ended with error", zap.String("vendor_id", vendorID), zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until all in-flight cycles finish. Used on shutdown.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) setPhase(vendorID string, p Phase) {
	s.mu.Lock()
	if st, ok := s.vendors[vendorID]; ok {
		st.phase = p
	} else {
		s.vendors[vendorID] = &vendorState{phase: p}
	}
	s.mu.Unlock()
}

// Sync runs one full cycle synchronously: fetch all pages since the
// persisted cursor, upsert every row, then advance the cursor and recompute
// the aggregate. The cursor only moves after the whole cycle applied, so an
// interrupted cycle re-fetches an overlapping range and upsert's version
// check keeps the replay idempotent.
func (s *Syncer) Sync(ctx context.Context, vendorID string) error {
	ctx, span := tracer.Start(ctx, "Sync.Cycle", trace.WithAttributes())
	defer span.End()

	started := time.Now()
	log := s.logger.With(zap.String("vendor_id", vendorID))

	cursor, err := s.store.Cursor(ctx, vendorID)
	if err != nil {
		s.metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("load cursor: %w", err)
	}

	log.Debug("Sync cycle starting", zap.String("cursor", cursor))
	pages := 0

	for {
		// Cancellation is honored between pages only; an individual fetch
		// either completes or fails as a unit.
		if err := ctx.Err(); err != nil {
			s.setPhase(vendorID, PhaseIdle)
			s.metrics.SyncCyclesTotal.WithLabelValues("cancelled").Inc()
			log.Info("Sync cycle cancelled between pages", zap.Int("pages_applied", pages))
			return err
		}

		s.setPhase(vendorID, PhaseFetching)
		page, err := s.fetchWithRetry(ctx, vendorID, cursor)
		if err != nil {
			s.setPhase(vendorID, PhaseIdle)
			if errors.Is(err, domain.ErrUnauthorized) {
				s.metrics.SyncCyclesTotal.WithLabelValues("unauthorized").Inc()
				log.Error("Sync cycle aborted: vendor session unauthorized")
				s.emitNotice(ctx, &domain.Notice{
					Kind:       domain.NoticeSyncFailed,
					VendorID:   vendorID,
					Reason:     "unauthorized",
					OccurredAt: time.Now().UTC(),
				})
				return err
			}
			s.metrics.SyncCyclesTotal.WithLabelValues("backoff_exhausted").Inc()
			log.Warn("Sync cycle gave up after retries, cursor untouched", zap.Error(err))
			return err
		}
		s.metrics.SyncPagesTotal.Inc()
		pages++

		s.setPhase(vendorID, PhaseReconciling)
		for _, review := range page.Reviews {
			changed, err := s.store.Upsert(ctx, review)
			if err != nil {
				s.setPhase(vendorID, PhaseIdle)
				s.metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("upsert %s/%s: %w", review.VendorID, review.ReviewID, err)
			}
			s.metrics.UpsertsTotal.WithLabelValues(fmt.Sprintf("%t", changed)).Inc()
		}

		cursor = page.NextCursor
		if int32(len(page.Reviews)) < s.opts.PageSize {
			break
		}
	}

	if err := s.store.SetCursor(ctx, vendorID, cursor); err != nil {
		s.metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("persist cursor: %w", err)
	}

	recomputeStart := time.Now()
	if _, err := s.store.RecomputeAggregate(ctx, vendorID); err != nil {
		s.metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("recompute aggregate: %w", err)
	}
	s.metrics.RecomputeDuration.Observe(time.Since(recomputeStart).Seconds())

	s.setPhase(vendorID, PhaseIdle)
	s.metrics.SyncCyclesTotal.WithLabelValues("completed").Inc()
	s.metrics.SyncCycleDuration.Observe(time.Since(started).Seconds())

	log.Info("Sync cycle completed",
		zap.Int("pages", pages),
		zap.String("cursor", cursor),
		zap.Duration("duration", time.Since(started)))

	s.emitNotice(ctx, &domain.Notice{
		Kind:       domain.NoticeSyncCompleted,
		VendorID:   vendorID,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// fetchWithRetry retries transient fetch failures with exponential backoff.
// Unauthorized is permanent and aborts immediately.
func (s *Syncer) fetchWithRetry(ctx context.Context, vendorID, cursor string) (*domain.ChangePage, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.MaxElapsedTime = s.opts.BackoffMaxElapsed

	var page *domain.ChangePage
	operation := func() error {
		var err error
		page, err = s.gateway.FetchChangedSince(ctx, vendorID, cursor)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		s.setPhase(vendorID, PhaseBackoff)
		s.logger.Debug("Transient fetch failure, backing off",
			zap.String("vendor_id", vendorID), zap.Error(err))
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Syncer) emitNotice(ctx context.Context, n *domain.Notice) {
	if s.notice != nil {
		s.notice(ctx, n)
	}
}
