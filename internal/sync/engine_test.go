package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendorhub/review-engine/internal/adapter/repository/memory"
	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/platform/logger"
	"github.com/vendorhub/review-engine/internal/platform/metrics"
)

// fakeGateway serves scripted pages and records every call. failFetches makes
// the first N fetches fail with the configured error.
type fakeGateway struct {
	mu          gosync.Mutex
	pages       []*domain.ChangePage
	fetchCalls  int
	failFetches int
	fetchErr    error
	blockFetch  chan struct{} // when set, fetches wait here first
}

func (g *fakeGateway) FetchChangedSince(ctx context.Context, vendorID, cursor string) (*domain.ChangePage, error) {
	if g.blockFetch != nil {
		select {
		case <-g.blockFetch:
		case <-ctx.Done():
			return nil, domain.ErrUnavailable
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	if g.failFetches > 0 {
		g.failFetches--
		return nil, g.fetchErr
	}

	idx := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "page-%d", &idx); err != nil {
			return nil, domain.ErrUnavailable
		}
	}
	if idx >= len(g.pages) {
		return &domain.ChangePage{NextCursor: cursor}, nil
	}
	page := g.pages[idx]
	return &domain.ChangePage{Reviews: page.Reviews, NextCursor: fmt.Sprintf("page-%d", idx+1)}, nil
}

func (g *fakeGateway) PushMutation(ctx context.Context, m *domain.Mutation) (*domain.PushResult, error) {
	return nil, domain.ErrUnavailable
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchCalls
}

func remoteReview(reviewID string, rating int32, version int64) *domain.Review {
	return &domain.Review{
		VendorID:      "v1",
		ReviewID:      reviewID,
		CustomerID:    "cust",
		Rating:        rating,
		Text:          "review " + reviewID,
		CreatedAt:     time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		State:         domain.ModerationVisible,
		RemoteVersion: version,
		SyncState:     domain.SyncStateSynced,
	}
}

func newTestSyncer(t *testing.T, st domain.ReviewStore, gw domain.RemoteGateway, opts Options) *Syncer {
	t.Helper()
	return NewSyncer(st, gw, logger.NewNop(), metrics.NewMetricsManager("test"), nil, opts)
}

func TestSyncAppliesAllPagesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	defer st.Close(ctx)

	gw := &fakeGateway{pages: []*domain.ChangePage{
		{Reviews: []*domain.Review{remoteReview("r1", 5, 1), remoteReview("r2", 4, 1)}},
		{Reviews: []*domain.Review{remoteReview("r3", 3, 1), remoteReview("r4", 2, 1)}},
		{Reviews: []*domain.Review{remoteReview("r5", 1, 1)}},
	}}

	s := newTestSyncer(t, st, gw, Options{PageSize: 2})
	require.NoError(t, s.Sync(ctx, "v1"))

	rows, err := st.QueryVendor(ctx, "v1", false)
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	cursor, err := st.Cursor(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "page-3", cursor, "cursor lands past the short final page")

	agg, err := st.Aggregate(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), agg.Count)
	assert.Equal(t, int64(15), agg.SumRating)

	assert.Equal(t, PhaseIdle, s.Phase("v1"))
}

func TestSyncResumesFromPersistedCursor(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	defer st.Close(ctx)

	gw := &fakeGateway{pages: []*domain.ChangePage{
		{Reviews: []*domain.Review{remoteReview("r1", 5, 1), remoteReview("r2", 4, 1)}},
		{Reviews: []*domain.Review{remoteReview("r3", 3, 1)}},
	}}
	require.NoError(t, st.SetCursor(ctx, "v1", "page-1"))

	s := newTestSyncer(t, st, gw, Options{PageSize: 2})
	require.NoError(t, s.Sync(ctx, "v1"))

	rows, err := st.QueryVendor(ctx, "v1", false)
	require.NoError(t, err)
	require.Len(t, rows, 1, "only the second page is fetched")
	assert.Equal(t, "r3", rows[0].ReviewID)
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	defer st.Close(ctx)

	gw := &fakeGateway{
		pages:       []*domain.ChangePage{{Reviews: []*domain.Review{remoteReview("r1", 4, 1)}}},
		failFetches: 2,
		fetchErr:    domain.ErrUnavailable,
	}

	s := newTestSyncer(t, st, gw, Options{
		PageSize:          10,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		BackoffMaxElapsed: time.Second,
	})
	require.NoError(t, s.Sync(ctx, "v1"))

	assert.GreaterOrEqual(t, gw.calls(), 3, "two failures plus the success")
	rows, err := st.QueryVendor(ctx, "v1", false)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSyncExhaustedBackoffLeavesCursorUntouched(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	defer st.Close(ctx)

	require.NoError(t, st.SetCursor(ctx, "v1", "page-0"))
	gw := &fakeGateway{
		failFetches: 1000,
		fetchErr:    domain.ErrUnavailable,
	}

	s := newTestSyncer(t, st, gw, Options{
		PageSize:          10,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        2 * time.Millisecond,
		BackoffMaxElapsed: 20 * time.Millisecond,
	})
	err := s.Sync(ctx, "v1")
	require.ErrorIs(t, err, domain.ErrUnavailable)

	cursor, cerr := st.Cursor(ctx, "v1")
	require.NoError(t, cerr)
	assert.Equal(t, "page-0", cursor)
}

func TestSyncUnauthorizedAbortsImmediately(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	defer st.Close(ctx)

	gw := &fakeGateway{failFetches: 1000, fetchErr: domain.ErrUnauthorized}

	var noticeMu gosync.Mutex
	var notices []*domain.Notice
	s := NewSyncer(st, gw, logger.NewNop(), metrics.NewMetricsManager("test"),
		func(ctx context.Context, n *domain.Notice) {
			noticeMu.Lock()
			notices = append(notices, n)
			noticeMu.Unlock()
		},
		Options{PageSize: 10, BackoffInitial: time.Millisecond, BackoffMaxElapsed: time.Second})

	err := s.Sync(ctx, "v1")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 1, gw.calls(), "no retries on an auth failure")

	cursor, cerr := st.Cursor(ctx, "v1")
	require.NoError(t, cerr)
	assert.Empty(t, cursor)

	noticeMu.Lock()
	defer noticeMu.Unlock()
	require.Len(t, notices, 1)
	assert.Equal(t, domain.NoticeSyncFailed, notices[0].Kind)
	assert.Equal(t, "unauthorized", notices[0].Reason)
}

func TestSyncReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	defer st.Close(ctx)

	gw := &fakeGateway{pages: []*domain.ChangePage{
		{Reviews: []*domain.Review{remoteReview("r1", 5, 3), remoteReview("r2", 4, 3)}},
	}}

	s := newTestSyncer(t, st, gw, Options{PageSize: 10})
	require.NoError(t, s.Sync(ctx, "v1"))

	// Simulate an interrupted first cycle: reset the cursor so the same
	// range replays. The final state must be identical.
	require.NoError(t, st.SetCursor(ctx, "v1", ""))
	require.NoError(t, s.Sync(ctx, "v1"))

	rows, err := st.QueryVendor(ctx, "v1", false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, int64(3), r.RemoteVersion)
	}

	agg, err := st.Aggregate(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Count)
	assert.Equal(t, int64(9), agg.SumRating)
}

func TestSyncCancelledBetweenPages(t *testing.T) {
	st := memory.NewStore()
	defer st.Close(context.Background())

	gw := &fakeGateway{pages: []*domain.ChangePage{
		{Reviews: []*domain.Review{remoteReview("r1", 5, 1), remoteReview("r2", 4, 1)}},
		{Reviews: []*domain.Review{remoteReview("r3", 3, 1)}},
	}}

	s := newTestSyncer(t, st, gw, Options{PageSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Sync(ctx, "v1")
	require.ErrorIs(t, err, context.Canceled)

	cursor, cerr := st.Cursor(context.Background(), "v1")
	require.NoError(t, cerr)
	assert.Empty(t, cursor, "cursor never advances on a cancelled cycle")
}

func TestTriggerCoalescesWhileRunning(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	defer st.Close(ctx)

	block := make(chan struct{})
	gw := &fakeGateway{
		pages:      []*domain.ChangePage{{Reviews: []*domain.Review{remoteReview("r1", 4, 1)}}},
		blockFetch: block,
	}

	s := newTestSyncer(t, st, gw, Options{PageSize: 10})

	assert.True(t, s.Trigger(ctx, "v1"))
	// The first cycle is parked inside the fetch; further triggers coalesce.
	assert.False(t, s.Trigger(ctx, "v1"))
	assert.False(t, s.Trigger(ctx, "v1"))

	close(block)
	s.Wait()

	rows, err := st.QueryVendor(ctx, "v1", false)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "exactly one cycle ran")
	assert.Equal(t, 1, gw.calls())

	// Idle again: a fresh trigger starts a new cycle.
	assert.True(t, s.Trigger(ctx, "v1"))
	s.Wait()
}

func TestTriggerIndependentVendors(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	defer st.Close(ctx)

	block := make(chan struct{})
	gw := &fakeGateway{blockFetch: block}

	s := newTestSyncer(t, st, gw, Options{PageSize: 10})
	assert.True(t, s.Trigger(ctx, "v1"))
	assert.True(t, s.Trigger(ctx, "v2"), "a running cycle for one vendor does not block another")

	close(block)
	s.Wait()
}
