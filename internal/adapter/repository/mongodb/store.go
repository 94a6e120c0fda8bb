// Package mongodb implements the MongoDB-backed review store: the local
// cache of reviews plus per-vendor aggregates and sync cursors.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/platform/logger"
	"github.com/vendorhub/review-engine/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	reviewCollectionName    = "reviews"
	aggregateCollectionName = "vendor_aggregates"
	cursorCollectionName    = "sync_cursors"
)

// Store implements domain.ReviewStore on MongoDB. Per-row writes are
// serialized by an in-process key lock; the engine owns the local cache, so
// no other process writes these collections.
type Store struct {
	reviews    *mongo.Collection
	aggregates *mongo.Collection
	cursors    *mongo.Collection
	logger     *logger.Logger

	locks    *store.KeyLock
	notifier *store.Notifier
}

// NewStore creates the MongoDB review store and ensures its indexes.
func NewStore(db *mongo.Database, log *logger.Logger) (*Store, error) {
	reviews := db.Collection(reviewCollectionName)

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "vendor_id", Value: 1}, {Key: "review_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "vendor_id", Value: 1}, {Key: "created_at", Value: -1}}}, // vendor feed, newest first
		{Keys: bson.D{{Key: "vendor_id", Value: 1}, {Key: "sync_state", Value: 1}}},  // pending/rejected scans
		{Keys: bson.D{{Key: "vendor_id", Value: 1}, {Key: "state", Value: 1}}},       // aggregate recompute
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := reviews.Indexes().CreateMany(ctx, indexes); err != nil {
		log.Error("Failed to create indexes for reviews collection", zap.Error(err))
		// Indexes might already exist or be created manually; not fatal.
	} else {
		log.Info("Successfully ensured indexes for reviews collection")
	}

	return &Store{
		reviews:    reviews,
		aggregates: db.Collection(aggregateCollectionName),
		cursors:    db.Collection(cursorCollectionName),
		logger:     log.Named("ReviewStore"),
		locks:      store.NewKeyLock(),
		notifier:   store.NewNotifier(),
	}, nil
}

var _ domain.ReviewStore = (*Store)(nil)

func rowFilter(vendorID, reviewID string) bson.M {
	return bson.M{"vendor_id": vendorID, "review_id": reviewID}
}

// Upsert implements last-writer-wins by RemoteVersion.
func (s *Store) Upsert(ctx context.Context, review *domain.Review) (bool, error) {
	if err := review.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	key := store.RowKey(review.VendorID, review.ReviewID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var existing reviewDocument
	err := s.reviews.FindOne(ctx, rowFilter(review.VendorID, review.ReviewID)).Decode(&existing)
	switch {
	case err == nil:
		if review.RemoteVersion < existing.RemoteVersion {
			return false, nil
		}
		if existing.toDomainReview().Equal(review) {
			return false, nil
		}
	case errors.Is(err, mongo.ErrNoDocuments):
		// Insert path.
	default:
		s.logger.Error("Failed to read review for upsert", zap.Error(err),
			zap.String("vendor_id", review.VendorID), zap.String("review_id", review.ReviewID))
		return false, fmt.Errorf("db findone failed: %w", err)
	}

	doc := fromDomainReview(review)
	doc.UpdatedAt = time.Now().UTC()

	_, err = s.reviews.ReplaceOne(ctx, rowFilter(review.VendorID, review.ReviewID),
		doc, options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Error("Failed to upsert review", zap.Error(err),
			zap.String("vendor_id", review.VendorID), zap.String("review_id", review.ReviewID))
		return false, fmt.Errorf("db replace failed: %w", err)
	}

	s.notifier.Publish(domain.ChangeEvent{
		VendorID: review.VendorID,
		ReviewID: review.ReviewID,
		Kind:     domain.ChangeUpsert,
	})
	return true, nil
}

// GetReview retrieves one review row.
func (s *Store) GetReview(ctx context.Context, vendorID, reviewID string) (*domain.Review, error) {
	var doc reviewDocument
	err := s.reviews.FindOne(ctx, rowFilter(vendorID, reviewID)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		s.logger.Error("Failed to get review", zap.Error(err),
			zap.String("vendor_id", vendorID), zap.String("review_id", reviewID))
		return nil, fmt.Errorf("db findone failed: %w", err)
	}
	return doc.toDomainReview(), nil
}

// ApplyLocalMutation applies fn to a copy of the row and marks it PendingPush.
func (s *Store) ApplyLocalMutation(ctx context.Context, vendorID, reviewID string, fn func(*domain.Review) error) (*domain.Review, error) {
	key := store.RowKey(vendorID, reviewID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var existing reviewDocument
	err := s.reviews.FindOne(ctx, rowFilter(vendorID, reviewID)).Decode(&existing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("db findone failed: %w", err)
	}

	mutated := existing.toDomainReview()
	if err := fn(mutated); err != nil {
		return nil, err
	}
	mutated.SyncState = domain.SyncStatePendingPush
	mutated.RejectReason = ""
	if err := mutated.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	doc := fromDomainReview(mutated)
	doc.UpdatedAt = time.Now().UTC()
	// Retain the oldest pre-mutation snapshot until the push resolves.
	if existing.Snapshot != nil {
		doc.Snapshot = existing.Snapshot
	} else {
		pre := existing
		pre.Snapshot = nil
		doc.Snapshot = &pre
	}

	if _, err := s.reviews.ReplaceOne(ctx, rowFilter(vendorID, reviewID), doc); err != nil {
		s.logger.Error("Failed to write local mutation", zap.Error(err),
			zap.String("vendor_id", vendorID), zap.String("review_id", reviewID))
		return nil, fmt.Errorf("db replace failed: %w", err)
	}

	s.notifier.Publish(domain.ChangeEvent{
		VendorID: vendorID,
		ReviewID: reviewID,
		Kind:     domain.ChangeLocalMutation,
	})
	return mutated, nil
}

// MarkSyncResult resolves a PendingPush row.
func (s *Store) MarkSyncResult(ctx context.Context, vendorID, reviewID string, outcome domain.SyncOutcome) (*domain.Review, error) {
	key := store.RowKey(vendorID, reviewID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var existing reviewDocument
	err := s.reviews.FindOne(ctx, rowFilter(vendorID, reviewID)).Decode(&existing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("db findone failed: %w", err)
	}
	if domain.SyncState(existing.SyncState) != domain.SyncStatePendingPush {
		return nil, fmt.Errorf("%w: review is %s, not pending push",
			domain.ErrInvalidInput, existing.SyncState)
	}

	doc := existing
	if outcome.Accepted {
		doc.SyncState = string(domain.SyncStateSynced)
		if outcome.NewRemoteVersion > doc.RemoteVersion {
			doc.RemoteVersion = outcome.NewRemoteVersion
		}
		doc.RejectReason = ""
		doc.Snapshot = nil
	} else {
		doc.SyncState = string(domain.SyncStateRejected)
		doc.RejectReason = outcome.Reason
	}
	doc.UpdatedAt = time.Now().UTC()

	if _, err := s.reviews.ReplaceOne(ctx, rowFilter(vendorID, reviewID), &doc); err != nil {
		s.logger.Error("Failed to mark sync result", zap.Error(err),
			zap.String("vendor_id", vendorID), zap.String("review_id", reviewID))
		return nil, fmt.Errorf("db replace failed: %w", err)
	}

	s.notifier.Publish(domain.ChangeEvent{
		VendorID: vendorID,
		ReviewID: reviewID,
		Kind:     domain.ChangeSyncResult,
	})
	return doc.toDomainReview(), nil
}

// RevertRejected restores the retained pre-mutation snapshot.
func (s *Store) RevertRejected(ctx context.Context, vendorID, reviewID string) (*domain.Review, error) {
	key := store.RowKey(vendorID, reviewID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var existing reviewDocument
	err := s.reviews.FindOne(ctx, rowFilter(vendorID, reviewID)).Decode(&existing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("db findone failed: %w", err)
	}
	if domain.SyncState(existing.SyncState) != domain.SyncStateRejected || existing.Snapshot == nil {
		return nil, fmt.Errorf("%w: review has no rejected mutation to revert", domain.ErrInvalidInput)
	}

	doc := *existing.Snapshot
	doc.Snapshot = nil
	doc.UpdatedAt = time.Now().UTC()

	if _, err := s.reviews.ReplaceOne(ctx, rowFilter(vendorID, reviewID), &doc); err != nil {
		return nil, fmt.Errorf("db replace failed: %w", err)
	}

	s.notifier.Publish(domain.ChangeEvent{
		VendorID: vendorID,
		ReviewID: reviewID,
		Kind:     domain.ChangeSyncResult,
	})
	return doc.toDomainReview(), nil
}

// QueryVendor returns a snapshot of the vendor's rows, newest first.
func (s *Store) QueryVendor(ctx context.Context, vendorID string, includeDeleted bool) ([]*domain.Review, error) {
	query := bson.M{"vendor_id": vendorID}
	if !includeDeleted {
		query["state"] = bson.M{"$ne": string(domain.ModerationSoftDeleted)}
	}
	return s.find(ctx, query)
}

// FindBySyncState returns the vendor's rows in one sync state, newest first.
func (s *Store) FindBySyncState(ctx context.Context, vendorID string, state domain.SyncState) ([]*domain.Review, error) {
	return s.find(ctx, bson.M{"vendor_id": vendorID, "sync_state": string(state)})
}

func (s *Store) find(ctx context.Context, query bson.M) ([]*domain.Review, error) {
	findOptions := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "review_id", Value: -1}})

	cursor, err := s.reviews.Find(ctx, query, findOptions)
	if err != nil {
		s.logger.Error("Failed to find reviews", zap.Error(err), zap.Any("query", query))
		return nil, fmt.Errorf("db find failed: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []*reviewDocument
	if err = cursor.All(ctx, &docs); err != nil {
		s.logger.Error("Failed to decode reviews", zap.Error(err))
		return nil, fmt.Errorf("db cursor all failed: %w", err)
	}

	reviews := make([]*domain.Review, len(docs))
	for i, doc := range docs {
		reviews[i] = doc.toDomainReview()
	}
	return reviews, nil
}

// RecomputeAggregate rebuilds the vendor aggregate from countable rows and
// swaps it in with a single-document replace, so readers see either the old
// or the new aggregate, never a partial one.
func (s *Store) RecomputeAggregate(ctx context.Context, vendorID string) (*domain.VendorAggregate, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "vendor_id", Value: vendorID},
			{Key: "state", Value: bson.D{{Key: "$in", Value: bson.A{
				string(domain.ModerationVisible),
				string(domain.ModerationFlagged),
			}}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$rating"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := s.reviews.Aggregate(ctx, pipeline)
	if err != nil {
		s.logger.Error("Failed to aggregate vendor ratings", zap.Error(err), zap.String("vendor_id", vendorID))
		return nil, fmt.Errorf("db aggregate failed: %w", err)
	}
	defer cursor.Close(ctx)

	var buckets []struct {
		Rating int32 `bson:"_id"`
		Count  int64 `bson:"count"`
	}
	if err = cursor.All(ctx, &buckets); err != nil {
		s.logger.Error("Failed to decode rating buckets", zap.Error(err))
		return nil, fmt.Errorf("db cursor all for aggregate failed: %w", err)
	}

	doc := aggregateDocument{VendorID: vendorID, ComputedAt: time.Now().UTC()}
	for _, b := range buckets {
		if b.Rating < 1 || b.Rating > 5 {
			continue
		}
		doc.Count += b.Count
		doc.SumRating += int64(b.Rating) * b.Count
		doc.CountByStar[b.Rating-1] = b.Count
	}

	_, err = s.aggregates.ReplaceOne(ctx, bson.M{"_id": vendorID}, &doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Error("Failed to write vendor aggregate", zap.Error(err), zap.String("vendor_id", vendorID))
		return nil, fmt.Errorf("db replace failed: %w", err)
	}

	s.notifier.Publish(domain.ChangeEvent{VendorID: vendorID, Kind: domain.ChangeAggregate})
	return doc.toDomainAggregate(), nil
}

// Aggregate returns the current aggregate snapshot.
func (s *Store) Aggregate(ctx context.Context, vendorID string) (*domain.VendorAggregate, error) {
	var doc aggregateDocument
	err := s.aggregates.FindOne(ctx, bson.M{"_id": vendorID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &domain.VendorAggregate{VendorID: vendorID}, nil
		}
		return nil, fmt.Errorf("db findone failed: %w", err)
	}
	return doc.toDomainAggregate(), nil
}

// Cursor returns the persisted sync cursor, empty when never synced.
func (s *Store) Cursor(ctx context.Context, vendorID string) (string, error) {
	var doc cursorDocument
	err := s.cursors.FindOne(ctx, bson.M{"_id": vendorID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", fmt.Errorf("db findone failed: %w", err)
	}
	return doc.Cursor, nil
}

// SetCursor persists the sync cursor.
func (s *Store) SetCursor(ctx context.Context, vendorID, cursor string) error {
	doc := cursorDocument{VendorID: vendorID, Cursor: cursor, SyncedAt: time.Now().UTC()}
	_, err := s.cursors.ReplaceOne(ctx, bson.M{"_id": vendorID}, &doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Error("Failed to persist sync cursor", zap.Error(err), zap.String("vendor_id", vendorID))
		return fmt.Errorf("db replace failed: %w", err)
	}
	return nil
}

// Changes subscribes to change notifications for one vendor.
func (s *Store) Changes(vendorID string) (<-chan domain.ChangeEvent, func()) {
	return s.notifier.Subscribe(vendorID)
}

// Close drops all change subscriptions. The mongo client is owned by the
// caller and stays open.
func (s *Store) Close(ctx context.Context) error {
	s.notifier.Close()
	return nil
}
