package domain

import (
	"errors"
	"strings"
	"time"
)

// --- Domain Specific Errors ---

var (
	// ErrNotFound indicates that a requested review is absent from the local store.
	ErrNotFound = errors.New("review not found")
	// ErrInvalidInput indicates that the provided input data is invalid.
	ErrInvalidInput = errors.New("invalid input data")
	// ErrUnavailable indicates a transient remote failure; safe to retry with backoff.
	ErrUnavailable = errors.New("remote store unavailable")
	// ErrUnauthorized indicates the vendor session is no longer valid; fatal for the cycle.
	ErrUnauthorized = errors.New("vendor session unauthorized")
	// ErrVersionConflict indicates the remote holds a newer version of the review.
	ErrVersionConflict = errors.New("remote version conflict")
	// ErrMutationRejected indicates the remote refused a moderation mutation.
	ErrMutationRejected = errors.New("mutation rejected by remote")
	// ErrStoreClosed indicates an operation was issued against a closed engine or store.
	ErrStoreClosed = errors.New("review store closed")
	// ErrRepository indicates a generic local persistence error.
	ErrRepository = errors.New("repository error")
)

// --- Moderation State Enum ---

// ModerationState is the lifecycle tag controlling a review's visibility
// and aggregate membership.
type ModerationState string

const (
	ModerationVisible     ModerationState = "visible"
	ModerationFlagged     ModerationState = "flagged"
	ModerationSoftDeleted ModerationState = "soft_deleted"
)

// IsValid checks if the ModerationState is one of the defined constants.
func (s ModerationState) IsValid() bool {
	switch s {
	case ModerationVisible, ModerationFlagged, ModerationSoftDeleted:
		return true
	}
	return false
}

// CountsForAggregate reports whether a review in this state belongs to the
// vendor aggregate. Flagged reviews stay visible and countable; only
// soft-deleted ones are excluded.
func (s ModerationState) CountsForAggregate() bool {
	return s == ModerationVisible || s == ModerationFlagged
}

// --- Sync State Enum ---

// SyncState tracks a review's position in the push lifecycle.
type SyncState string

const (
	SyncStateSynced      SyncState = "synced"
	SyncStatePendingPush SyncState = "pending_push"
	SyncStateRejected    SyncState = "rejected"
)

// IsValid checks if the SyncState is one of the defined constants.
func (s SyncState) IsValid() bool {
	switch s {
	case SyncStateSynced, SyncStatePendingPush, SyncStateRejected:
		return true
	}
	return false
}

// --- Review Entity ---

// Reply is an optional vendor response attached to a review.
type Reply struct {
	Text       string
	AuthorName string
	RepliedAt  time.Time
	Edited     bool
}

// Review is the locally cached copy of a remotely created customer review.
// Identity is (VendorID, ReviewID). Reviews are never created locally and
// never physically deleted; soft-delete is a terminal moderation state.
type Review struct {
	VendorID   string
	ReviewID   string
	CustomerID string
	Rating     int32 // 1..5, immutable after creation
	Text       string
	CreatedAt  time.Time // remote-assigned, immutable
	Reply      *Reply
	State      ModerationState
	FlagReason string // present iff State == ModerationFlagged

	// RemoteVersion is the server-assigned monotonic token used for
	// last-writer-wins reconciliation. Non-decreasing per row.
	RemoteVersion int64

	SyncState    SyncState
	RejectReason string // present iff SyncState == SyncStateRejected
}

// Validate checks the structural invariants the store relies on.
func (r *Review) Validate() error {
	if r.VendorID == "" || r.ReviewID == "" {
		return errors.New("vendorID and reviewID are required")
	}
	if r.Rating < 1 || r.Rating > 5 {
		return errors.New("rating must be between 1 and 5")
	}
	if !r.State.IsValid() {
		return errors.New("invalid moderation state")
	}
	if !r.SyncState.IsValid() {
		return errors.New("invalid sync state")
	}
	if r.FlagReason != "" && r.State != ModerationFlagged {
		return errors.New("flag reason only allowed on flagged reviews")
	}
	return nil
}

// Clone returns a deep copy, so optimistic mutations never alias stored rows.
func (r *Review) Clone() *Review {
	cp := *r
	if r.Reply != nil {
		reply := *r.Reply
		cp.Reply = &reply
	}
	return &cp
}

// Equal reports whether two reviews carry identical content. Used by the
// store to suppress spurious change signals on idempotent upserts.
func (r *Review) Equal(other *Review) bool {
	if other == nil {
		return false
	}
	a, b := *r, *other
	ar, br := a.Reply, b.Reply
	a.Reply, b.Reply = nil, nil
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	if a != b {
		return false
	}
	if (ar == nil) != (br == nil) {
		return false
	}
	return ar == nil || (ar.Text == br.Text && ar.AuthorName == br.AuthorName &&
		ar.Edited == br.Edited && ar.RepliedAt.Equal(br.RepliedAt))
}

// MatchesSearch reports whether the review's text or reply text contains the
// given term, case-insensitively. An empty term matches everything.
func (r *Review) MatchesSearch(term string) bool {
	if term == "" {
		return true
	}
	needle := strings.ToLower(term)
	if strings.Contains(strings.ToLower(r.Text), needle) {
		return true
	}
	return r.Reply != nil && strings.Contains(strings.ToLower(r.Reply.Text), needle)
}

// --- Query Filter ---

// Filter holds the structural filter for query results. Search text, when
// non-empty, supersedes the structural fields entirely; the query engine
// enforces that precedence.
type Filter struct {
	RatingBucket   *int32 // exact star bucket 1..5
	HasReply       *bool
	IncludeDeleted bool // moderation history views only
}

// Matches applies the structural filter to a review.
func (f Filter) Matches(r *Review) bool {
	if !f.IncludeDeleted && r.State == ModerationSoftDeleted {
		return false
	}
	if f.RatingBucket != nil && r.Rating != *f.RatingBucket {
		return false
	}
	if f.HasReply != nil && (r.Reply != nil) != *f.HasReply {
		return false
	}
	return true
}

// --- Vendor Aggregate ---

// VendorAggregate is the derived per-vendor rating summary. It is recomputed
// from the full set of countable reviews, never incrementally adjusted.
type VendorAggregate struct {
	VendorID    string
	Count       int64
	SumRating   int64
	CountByStar [5]int64 // index 0 = 1 star
	ComputedAt  time.Time
}

// Average returns the mean rating, or 0 when there are no countable reviews.
func (a *VendorAggregate) Average() float64 {
	if a.Count == 0 {
		return 0
	}
	return float64(a.SumRating) / float64(a.Count)
}

// ComputeAggregate derives a VendorAggregate from the given rows. Rows in a
// non-countable moderation state or belonging to other vendors are skipped.
func ComputeAggregate(vendorID string, reviews []*Review, now time.Time) *VendorAggregate {
	agg := &VendorAggregate{VendorID: vendorID, ComputedAt: now}
	for _, r := range reviews {
		if r.VendorID != vendorID || !r.State.CountsForAggregate() {
			continue
		}
		agg.Count++
		agg.SumRating += int64(r.Rating)
		agg.CountByStar[r.Rating-1]++
	}
	return agg
}
