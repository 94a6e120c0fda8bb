// Package query is the reactive read side: it turns (vendor, filter, search
// text) into an ordered result set that re-emits whenever the underlying
// store changes.
package query

import (
	"context"
	"sync"

	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/platform/logger"
	"github.com/vendorhub/review-engine/internal/platform/metrics"
	"go.uber.org/zap"
)

// Watcher produces live review sequences from the store's change feed.
type Watcher struct {
	store   domain.ReviewStore
	logger  *logger.Logger
	metrics *metrics.MetricsManager
}

// NewWatcher builds a watcher over the given store.
func NewWatcher(st domain.ReviewStore, log *logger.Logger, mm *metrics.MetricsManager) *Watcher {
	return &Watcher{
		store:   st,
		logger:  log.Named("QueryWatcher"),
		metrics: mm,
	}
}

// Evaluate applies filter precedence to a vendor snapshot: non-empty search
// text supersedes the structural filter entirely; soft-deleted rows are
// excluded either way unless the filter requests them.
func Evaluate(rows []*domain.Review, filter domain.Filter, searchText string) []*domain.Review {
	out := make([]*domain.Review, 0, len(rows))
	for _, r := range rows {
		if !filter.IncludeDeleted && r.State == domain.ModerationSoftDeleted {
			continue
		}
		if searchText != "" {
			if r.MatchesSearch(searchText) {
				out = append(out, r)
			}
			continue
		}
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Watch returns a live sequence of filtered snapshots for the vendor,
// newest review first. The current snapshot is delivered first; afterwards a
// new snapshot is emitted whenever any of the vendor's rows or its aggregate
// changes. Delivery is latest-wins: a slow consumer may skip intermediate
// snapshots but always observes the newest one. The stop func (or ctx
// cancellation) ends the sequence and closes the channel.
func (w *Watcher) Watch(ctx context.Context, vendorID string, filter domain.Filter, searchText string) (<-chan []*domain.Review, func(), error) {
	rows, err := w.store.QueryVendor(ctx, vendorID, filter.IncludeDeleted)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []*domain.Review, 1)
	out <- Evaluate(rows, filter, searchText)

	events, unsubscribe := w.store.Changes(vendorID)
	stopped := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			unsubscribe()
			close(stopped)
		})
	}

	w.metrics.WatchSubscribers.Inc()
	go func() {
		defer w.metrics.WatchSubscribers.Dec()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case <-stopped:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				rows, err := w.store.QueryVendor(ctx, vendorID, filter.IncludeDeleted)
				if err != nil {
					w.logger.Warn("Watch re-query failed",
						zap.String("vendor_id", vendorID), zap.Error(err))
					continue
				}
				w.emit(out, Evaluate(rows, filter, searchText))
			}
		}
	}()

	return out, stop, nil
}

// emit delivers latest-wins without ever blocking on the consumer. The
// watcher goroutine is the only sender on out.
func (w *Watcher) emit(out chan []*domain.Review, snapshot []*domain.Review) {
	select {
	case out <- snapshot:
		return
	default:
	}
	// Consumer is behind: replace the stale buffered snapshot.
	select {
	case <-out:
	default:
	}
	select {
	case out <- snapshot:
	default:
	}
}
