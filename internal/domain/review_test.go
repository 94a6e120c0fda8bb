package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReview(vendorID, reviewID string, rating int32) *Review {
	return &Review{
		VendorID:      vendorID,
		ReviewID:      reviewID,
		CustomerID:    "cust-1",
		Rating:        rating,
		Text:          "Great service",
		CreatedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		State:         ModerationVisible,
		RemoteVersion: 1,
		SyncState:     SyncStateSynced,
	}
}

func TestReviewValidate(t *testing.T) {
	r := testReview("v1", "r1", 4)
	require.NoError(t, r.Validate())

	missing := testReview("", "r1", 4)
	assert.Error(t, missing.Validate())

	badRating := testReview("v1", "r1", 6)
	assert.Error(t, badRating.Validate())

	badFlag := testReview("v1", "r1", 3)
	badFlag.FlagReason = "spam"
	assert.Error(t, badFlag.Validate(), "flag reason without flagged state")

	flagged := testReview("v1", "r1", 3)
	flagged.State = ModerationFlagged
	flagged.FlagReason = "spam"
	assert.NoError(t, flagged.Validate())
}

func TestReviewCloneIsDeep(t *testing.T) {
	r := testReview("v1", "r1", 5)
	r.Reply = &Reply{Text: "Thanks!", AuthorName: "Owner", RepliedAt: time.Now().UTC()}

	cp := r.Clone()
	cp.Reply.Text = "changed"
	cp.Text = "changed"

	assert.Equal(t, "Thanks!", r.Reply.Text)
	assert.Equal(t, "Great service", r.Text)
}

func TestReviewEqual(t *testing.T) {
	a := testReview("v1", "r1", 4)
	b := testReview("v1", "r1", 4)
	assert.True(t, a.Equal(b))

	b.Text = "different"
	assert.False(t, a.Equal(b))

	b = testReview("v1", "r1", 4)
	b.Reply = &Reply{Text: "hi"}
	assert.False(t, a.Equal(b))

	a.Reply = &Reply{Text: "hi"}
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(nil))
}

func TestMatchesSearch(t *testing.T) {
	r := testReview("v1", "r1", 4)
	r.Text = "The pizza was Amazing"
	r.Reply = &Reply{Text: "Glad you enjoyed it"}

	assert.True(t, r.MatchesSearch(""))
	assert.True(t, r.MatchesSearch("amazing"))
	assert.True(t, r.MatchesSearch("PIZZA"))
	assert.True(t, r.MatchesSearch("glad you"), "reply text is searched too")
	assert.False(t, r.MatchesSearch("refund"))
}

func TestFilterMatches(t *testing.T) {
	r := testReview("v1", "r1", 4)

	assert.True(t, Filter{}.Matches(r))

	four := int32(4)
	five := int32(5)
	assert.True(t, Filter{RatingBucket: &four}.Matches(r))
	assert.False(t, Filter{RatingBucket: &five}.Matches(r))

	yes, no := true, false
	assert.False(t, Filter{HasReply: &yes}.Matches(r))
	assert.True(t, Filter{HasReply: &no}.Matches(r))

	r.Reply = &Reply{Text: "hi"}
	assert.True(t, Filter{HasReply: &yes}.Matches(r))

	r.State = ModerationSoftDeleted
	assert.False(t, Filter{}.Matches(r), "soft-deleted excluded by default")
	assert.True(t, Filter{IncludeDeleted: true}.Matches(r))
}

func TestComputeAggregate(t *testing.T) {
	now := time.Now().UTC()
	reviews := []*Review{
		testReview("v1", "r1", 5),
		testReview("v1", "r2", 5),
		testReview("v1", "r3", 3),
		testReview("v1", "r4", 1),
		testReview("v2", "r5", 2), // other vendor
	}
	flagged := testReview("v1", "r6", 4)
	flagged.State = ModerationFlagged
	flagged.FlagReason = "spam"
	deleted := testReview("v1", "r7", 2)
	deleted.State = ModerationSoftDeleted
	reviews = append(reviews, flagged, deleted)

	agg := ComputeAggregate("v1", reviews, now)

	assert.Equal(t, int64(5), agg.Count, "flagged counts, deleted and foreign do not")
	assert.Equal(t, int64(5+5+3+1+4), agg.SumRating)
	assert.Equal(t, [5]int64{1, 0, 1, 1, 2}, agg.CountByStar)
	assert.Equal(t, agg.Count, agg.CountByStar[0]+agg.CountByStar[1]+agg.CountByStar[2]+agg.CountByStar[3]+agg.CountByStar[4])
	assert.InDelta(t, 3.6, agg.Average(), 0.0001)

	empty := ComputeAggregate("v3", reviews, now)
	assert.Zero(t, empty.Count)
	assert.Zero(t, empty.Average())
}
