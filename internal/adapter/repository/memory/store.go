// Package memory provides an in-memory ReviewStore used by tests and by
// ephemeral (cache-less) engine runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/store"
)

type row struct {
	review *domain.Review
	// snapshot is the pre-mutation copy retained while a push is pending or
	// rejected, so a rejection can be inspected and reverted.
	snapshot *domain.Review
}

// Store is a map-backed domain.ReviewStore. Per-row writes are serialized by
// a key lock; table reads take a snapshot under a read lock.
type Store struct {
	mu         sync.RWMutex
	rows       map[string]*row
	aggregates map[string]*domain.VendorAggregate
	cursors    map[string]string
	closed     bool

	locks    *store.KeyLock
	notifier *store.Notifier
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		rows:       make(map[string]*row),
		aggregates: make(map[string]*domain.VendorAggregate),
		cursors:    make(map[string]string),
		locks:      store.NewKeyLock(),
		notifier:   store.NewNotifier(),
	}
}

var _ domain.ReviewStore = (*Store)(nil)

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	return nil
}

// Upsert implements last-writer-wins by RemoteVersion.
func (s *Store) Upsert(ctx context.Context, review *domain.Review) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := review.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	key := store.RowKey(review.VendorID, review.ReviewID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	s.mu.Lock()
	existing, ok := s.rows[key]
	if ok {
		if review.RemoteVersion < existing.review.RemoteVersion {
			s.mu.Unlock()
			return false, nil
		}
		if existing.review.Equal(review) {
			s.mu.Unlock()
			return false, nil
		}
	}
	// Remote rows overwrite any optimistic state wholesale, snapshot included.
	s.rows[key] = &row{review: review.Clone()}
	s.mu.Unlock()

	s.notifier.Publish(domain.ChangeEvent{
		VendorID: review.VendorID,
		ReviewID: review.ReviewID,
		Kind:     domain.ChangeUpsert,
	})
	return true, nil
}

// GetReview returns a copy of one row.
func (s *Store) GetReview(ctx context.Context, vendorID, reviewID string) (*domain.Review, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[store.RowKey(vendorID, reviewID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.review.Clone(), nil
}

// ApplyLocalMutation applies fn to a copy of the row and marks it PendingPush.
func (s *Store) ApplyLocalMutation(ctx context.Context, vendorID, reviewID string, fn func(*domain.Review) error) (*domain.Review, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	key := store.RowKey(vendorID, reviewID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	s.mu.Lock()
	existing, ok := s.rows[key]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	mutated := existing.review.Clone()
	if err := fn(mutated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	mutated.SyncState = domain.SyncStatePendingPush
	mutated.RejectReason = ""
	if err := mutated.Validate(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	snapshot := existing.snapshot
	if snapshot == nil {
		snapshot = existing.review.Clone()
	}
	s.rows[key] = &row{review: mutated, snapshot: snapshot}
	s.mu.Unlock()

	s.notifier.Publish(domain.ChangeEvent{
		VendorID: vendorID,
		ReviewID: reviewID,
		Kind:     domain.ChangeLocalMutation,
	})
	return mutated.Clone(), nil
}

// MarkSyncResult resolves a PendingPush row.
func (s *Store) MarkSyncResult(ctx context.Context, vendorID, reviewID string, outcome domain.SyncOutcome) (*domain.Review, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	key := store.RowKey(vendorID, reviewID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	s.mu.Lock()
	existing, ok := s.rows[key]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	if existing.review.SyncState != domain.SyncStatePendingPush {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: review is %s, not pending push",
			domain.ErrInvalidInput, existing.review.SyncState)
	}

	updated := existing.review.Clone()
	if outcome.Accepted {
		updated.SyncState = domain.SyncStateSynced
		if outcome.NewRemoteVersion > updated.RemoteVersion {
			updated.RemoteVersion = outcome.NewRemoteVersion
		}
		updated.RejectReason = ""
		s.rows[key] = &row{review: updated}
	} else {
		updated.SyncState = domain.SyncStateRejected
		updated.RejectReason = outcome.Reason
		s.rows[key] = &row{review: updated, snapshot: existing.snapshot}
	}
	s.mu.Unlock()

	s.notifier.Publish(domain.ChangeEvent{
		VendorID: vendorID,
		ReviewID: reviewID,
		Kind:     domain.ChangeSyncResult,
	})
	return updated.Clone(), nil
}

// RevertRejected restores the retained pre-mutation snapshot.
func (s *Store) RevertRejected(ctx context.Context, vendorID, reviewID string) (*domain.Review, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	key := store.RowKey(vendorID, reviewID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	s.mu.Lock()
	existing, ok := s.rows[key]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	if existing.review.SyncState != domain.SyncStateRejected || existing.snapshot == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: review has no rejected mutation to revert",
			domain.ErrInvalidInput)
	}
	restored := existing.snapshot.Clone()
	s.rows[key] = &row{review: restored}
	s.mu.Unlock()

	s.notifier.Publish(domain.ChangeEvent{
		VendorID: vendorID,
		ReviewID: reviewID,
		Kind:     domain.ChangeSyncResult,
	})
	return restored.Clone(), nil
}

// QueryVendor returns a snapshot ordered by CreatedAt descending.
func (s *Store) QueryVendor(ctx context.Context, vendorID string, includeDeleted bool) ([]*domain.Review, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*domain.Review
	for _, r := range s.rows {
		if r.review.VendorID != vendorID {
			continue
		}
		if !includeDeleted && r.review.State == domain.ModerationSoftDeleted {
			continue
		}
		out = append(out, r.review.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

// FindBySyncState returns the vendor's rows in one sync state.
func (s *Store) FindBySyncState(ctx context.Context, vendorID string, state domain.SyncState) ([]*domain.Review, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*domain.Review
	for _, r := range s.rows {
		if r.review.VendorID == vendorID && r.review.SyncState == state {
			out = append(out, r.review.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

// RecomputeAggregate rebuilds the aggregate from countable rows.
func (s *Store) RecomputeAggregate(ctx context.Context, vendorID string) (*domain.VendorAggregate, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var rows []*domain.Review
	for _, r := range s.rows {
		if r.review.VendorID == vendorID {
			rows = append(rows, r.review)
		}
	}
	agg := domain.ComputeAggregate(vendorID, rows, time.Now().UTC())
	s.aggregates[vendorID] = agg
	s.mu.Unlock()

	s.notifier.Publish(domain.ChangeEvent{VendorID: vendorID, Kind: domain.ChangeAggregate})
	cp := *agg
	return &cp, nil
}

// Aggregate returns the current aggregate snapshot.
func (s *Store) Aggregate(ctx context.Context, vendorID string) (*domain.VendorAggregate, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[vendorID]
	if !ok {
		return &domain.VendorAggregate{VendorID: vendorID}, nil
	}
	cp := *agg
	return &cp, nil
}

// Cursor returns the persisted sync cursor, empty when never synced.
func (s *Store) Cursor(ctx context.Context, vendorID string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[vendorID], nil
}

// SetCursor persists the sync cursor.
func (s *Store) SetCursor(ctx context.Context, vendorID, cursor string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[vendorID] = cursor
	return nil
}

// Changes subscribes to change notifications for one vendor.
func (s *Store) Changes(vendorID string) (<-chan domain.ChangeEvent, func()) {
	return s.notifier.Subscribe(vendorID)
}

// Close releases the store and all subscriptions.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrStoreClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.notifier.Close()
	return nil
}

func sortNewestFirst(reviews []*domain.Review) {
	sort.Slice(reviews, func(i, j int) bool {
		if !reviews[i].CreatedAt.Equal(reviews[j].CreatedAt) {
			return reviews[i].CreatedAt.After(reviews[j].CreatedAt)
		}
		return reviews[i].ReviewID > reviews[j].ReviewID
	})
}
