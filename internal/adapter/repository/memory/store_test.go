package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendorhub/review-engine/internal/domain"
)

func newReview(vendorID, reviewID string, rating int32, version int64) *domain.Review {
	return &domain.Review{
		VendorID:      vendorID,
		ReviewID:      reviewID,
		CustomerID:    "cust-1",
		Rating:        rating,
		Text:          "solid product",
		CreatedAt:     time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC),
		State:         domain.ModerationVisible,
		RemoteVersion: version,
		SyncState:     domain.SyncStateSynced,
	}
}

func TestUpsertVersionSemantics(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	changed, err := s.Upsert(ctx, newReview("v1", "r1", 4, 3))
	require.NoError(t, err)
	assert.True(t, changed)

	t.Run("identical upsert reports no change", func(t *testing.T) {
		changed, err := s.Upsert(ctx, newReview("v1", "r1", 4, 3))
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("lower version is a no-op", func(t *testing.T) {
		stale := newReview("v1", "r1", 4, 2)
		stale.Text = "older content"
		changed, err := s.Upsert(ctx, stale)
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := s.GetReview(ctx, "v1", "r1")
		require.NoError(t, err)
		assert.Equal(t, "solid product", got.Text)
		assert.Equal(t, int64(3), got.RemoteVersion)
	})

	t.Run("higher version replaces wholesale", func(t *testing.T) {
		next := newReview("v1", "r1", 4, 5)
		next.Text = "updated by customer"
		changed, err := s.Upsert(ctx, next)
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := s.GetReview(ctx, "v1", "r1")
		require.NoError(t, err)
		assert.Equal(t, "updated by customer", got.Text)
		assert.Equal(t, int64(5), got.RemoteVersion)
	})

	t.Run("equal version with different content replaces", func(t *testing.T) {
		same := newReview("v1", "r1", 4, 5)
		same.Text = "tie-break content"
		changed, err := s.Upsert(ctx, same)
		require.NoError(t, err)
		assert.True(t, changed)
	})
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	bad := newReview("v1", "r1", 9, 1)
	_, err := s.Upsert(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUpsertDoesNotAliasCaller(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	in := newReview("v1", "r1", 4, 1)
	_, err := s.Upsert(ctx, in)
	require.NoError(t, err)

	in.Text = "mutated after upsert"
	got, err := s.GetReview(ctx, "v1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "solid product", got.Text)
}

func TestGetReviewNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	_, err := s.GetReview(ctx, "v1", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyLocalMutationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	_, err := s.Upsert(ctx, newReview("v1", "r1", 4, 3))
	require.NoError(t, err)

	mutated, err := s.ApplyLocalMutation(ctx, "v1", "r1", func(r *domain.Review) error {
		r.Reply = &domain.Reply{Text: "Thanks!", AuthorName: "Owner", RepliedAt: time.Now().UTC()}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatePendingPush, mutated.SyncState)
	require.NotNil(t, mutated.Reply)
	assert.Equal(t, "Thanks!", mutated.Reply.Text)

	t.Run("accepted push adopts the confirmed version", func(t *testing.T) {
		updated, err := s.MarkSyncResult(ctx, "v1", "r1", domain.SyncAccepted(7))
		require.NoError(t, err)
		assert.Equal(t, domain.SyncStateSynced, updated.SyncState)
		assert.Equal(t, int64(7), updated.RemoteVersion)
		require.NotNil(t, updated.Reply)
		assert.Equal(t, "Thanks!", updated.Reply.Text)
	})

	t.Run("resolving a settled row fails", func(t *testing.T) {
		_, err := s.MarkSyncResult(ctx, "v1", "r1", domain.SyncAccepted(8))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestApplyLocalMutationNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	_, err := s.ApplyLocalMutation(ctx, "v1", "absent", func(r *domain.Review) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRejectedKeepsOptimisticContentAndRevert(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	_, err := s.Upsert(ctx, newReview("v1", "r1", 2, 3))
	require.NoError(t, err)

	_, err = s.ApplyLocalMutation(ctx, "v1", "r1", func(r *domain.Review) error {
		r.State = domain.ModerationFlagged
		r.FlagReason = "abusive"
		return nil
	})
	require.NoError(t, err)

	rejected, err := s.MarkSyncResult(ctx, "v1", "r1", domain.SyncRejected("policy violation"))
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateRejected, rejected.SyncState)
	assert.Equal(t, "policy violation", rejected.RejectReason)
	assert.Equal(t, domain.ModerationFlagged, rejected.State, "optimistic content survives rejection")

	found, err := s.FindBySyncState(ctx, "v1", domain.SyncStateRejected)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "r1", found[0].ReviewID)

	restored, err := s.RevertRejected(ctx, "v1", "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateSynced, restored.SyncState)
	assert.Equal(t, domain.ModerationVisible, restored.State)
	assert.Empty(t, restored.FlagReason)
	assert.Empty(t, restored.RejectReason)
	assert.Equal(t, int64(3), restored.RemoteVersion)

	_, err = s.RevertRejected(ctx, "v1", "r1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "nothing left to revert")
}

func TestSnapshotSurvivesChainedMutations(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	_, err := s.Upsert(ctx, newReview("v1", "r1", 4, 1))
	require.NoError(t, err)

	// Two mutations before any push resolves; the snapshot must stay the
	// original remote row, not an intermediate optimistic one.
	_, err = s.ApplyLocalMutation(ctx, "v1", "r1", func(r *domain.Review) error {
		r.Reply = &domain.Reply{Text: "first"}
		return nil
	})
	require.NoError(t, err)
	_, err = s.ApplyLocalMutation(ctx, "v1", "r1", func(r *domain.Review) error {
		r.Reply.Text = "second"
		return nil
	})
	require.NoError(t, err)

	_, err = s.MarkSyncResult(ctx, "v1", "r1", domain.SyncRejected("nope"))
	require.NoError(t, err)

	restored, err := s.RevertRejected(ctx, "v1", "r1")
	require.NoError(t, err)
	assert.Nil(t, restored.Reply, "revert restores the pre-mutation original")
}

func TestRemoteUpsertOverridesPendingRow(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	_, err := s.Upsert(ctx, newReview("v1", "r1", 4, 3))
	require.NoError(t, err)
	_, err = s.ApplyLocalMutation(ctx, "v1", "r1", func(r *domain.Review) error {
		r.Reply = &domain.Reply{Text: "optimistic"}
		return nil
	})
	require.NoError(t, err)

	latest := newReview("v1", "r1", 4, 9)
	latest.Text = "authoritative"
	changed, err := s.Upsert(ctx, latest)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetReview(ctx, "v1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "authoritative", got.Text)
	assert.Nil(t, got.Reply)
	assert.Equal(t, domain.SyncStateSynced, got.SyncState)

	_, err = s.MarkSyncResult(ctx, "v1", "r1", domain.SyncAccepted(10))
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "remote replacement settled the row")
}

func TestQueryVendor(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	older := newReview("v1", "r-old", 3, 1)
	older.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := newReview("v1", "r-new", 5, 1)
	newer.CreatedAt = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	deleted := newReview("v1", "r-del", 2, 1)
	deleted.State = domain.ModerationSoftDeleted
	foreign := newReview("v2", "r-x", 4, 1)

	for _, r := range []*domain.Review{older, newer, deleted, foreign} {
		_, err := s.Upsert(ctx, r)
		require.NoError(t, err)
	}

	rows, err := s.QueryVendor(ctx, "v1", false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "r-new", rows[0].ReviewID, "newest first")
	assert.Equal(t, "r-old", rows[1].ReviewID)

	all, err := s.QueryVendor(ctx, "v1", true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAggregateLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	t.Run("unknown vendor yields an empty aggregate", func(t *testing.T) {
		agg, err := s.Aggregate(ctx, "v1")
		require.NoError(t, err)
		assert.Zero(t, agg.Count)
		assert.Equal(t, "v1", agg.VendorID)
	})

	for i, rating := range []int32{5, 5, 3} {
		r := newReview("v1", "r"+string(rune('a'+i)), rating, 1)
		_, err := s.Upsert(ctx, r)
		require.NoError(t, err)
	}
	flagged := newReview("v1", "r-flag", 1, 1)
	flagged.State = domain.ModerationFlagged
	flagged.FlagReason = "spam"
	_, err := s.Upsert(ctx, flagged)
	require.NoError(t, err)
	deleted := newReview("v1", "r-del", 5, 1)
	deleted.State = domain.ModerationSoftDeleted
	_, err = s.Upsert(ctx, deleted)
	require.NoError(t, err)

	agg, err := s.RecomputeAggregate(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), agg.Count, "deleted rows do not count")
	assert.Equal(t, int64(14), agg.SumRating)
	assert.Equal(t, [5]int64{1, 0, 1, 0, 2}, agg.CountByStar)

	stored, err := s.Aggregate(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, agg.Count, stored.Count)
	assert.Equal(t, agg.SumRating, stored.SumRating)
}

func TestCursorPersistence(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	cur, err := s.Cursor(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, cur, "never-synced vendor starts at the beginning")

	require.NoError(t, s.SetCursor(ctx, "v1", "page-42"))
	cur, err = s.Cursor(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "page-42", cur)
}

func TestChangesNotification(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close(ctx)

	ch, cancel := s.Changes("v1")
	defer cancel()

	_, err := s.Upsert(ctx, newReview("v1", "r1", 4, 1))
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "v1", ev.VendorID)
		assert.Equal(t, "r1", ev.ReviewID)
		assert.Equal(t, domain.ChangeUpsert, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a change event")
	}

	// Other vendors do not leak into this subscription.
	_, err = s.Upsert(ctx, newReview("v2", "r9", 4, 1))
	require.NoError(t, err)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for vendor %s", ev.VendorID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Close(ctx))

	_, err := s.Upsert(ctx, newReview("v1", "r1", 4, 1))
	assert.ErrorIs(t, err, domain.ErrStoreClosed)
	_, err = s.GetReview(ctx, "v1", "r1")
	assert.ErrorIs(t, err, domain.ErrStoreClosed)
	assert.ErrorIs(t, s.Close(ctx), domain.ErrStoreClosed)
}
