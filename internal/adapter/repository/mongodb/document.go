package mongodb

import (
	"time"

	"github.com/vendorhub/review-engine/internal/domain"
)

// reviewDocument is the persistence shape of a cached review. The domain
// entity stays free of bson tags; mapping lives here.
type reviewDocument struct {
	VendorID      string         `bson:"vendor_id"`
	ReviewID      string         `bson:"review_id"`
	CustomerID    string         `bson:"customer_id"`
	Rating        int32          `bson:"rating"`
	Text          string         `bson:"text"`
	CreatedAt     time.Time      `bson:"created_at"`
	Reply         *replyDocument `bson:"reply,omitempty"`
	State         string         `bson:"state"`
	FlagReason    string         `bson:"flag_reason,omitempty"`
	RemoteVersion int64          `bson:"remote_version"`
	SyncState     string         `bson:"sync_state"`
	RejectReason  string         `bson:"reject_reason,omitempty"`

	// Snapshot retains the pre-mutation row while a push is pending or
	// rejected. Never nested more than one level deep.
	Snapshot *reviewDocument `bson:"snapshot,omitempty"`

	UpdatedAt time.Time `bson:"updated_at"`
}

type replyDocument struct {
	Text       string    `bson:"text"`
	AuthorName string    `bson:"author_name"`
	RepliedAt  time.Time `bson:"replied_at"`
	Edited     bool      `bson:"edited"`
}

type aggregateDocument struct {
	VendorID    string    `bson:"_id"`
	Count       int64     `bson:"count"`
	SumRating   int64     `bson:"sum_rating"`
	CountByStar [5]int64  `bson:"count_by_star"`
	ComputedAt  time.Time `bson:"computed_at"`
}

type cursorDocument struct {
	VendorID string    `bson:"_id"`
	Cursor   string    `bson:"cursor"`
	SyncedAt time.Time `bson:"synced_at"`
}

func fromDomainReview(r *domain.Review) *reviewDocument {
	doc := &reviewDocument{
		VendorID:      r.VendorID,
		ReviewID:      r.ReviewID,
		CustomerID:    r.CustomerID,
		Rating:        r.Rating,
		Text:          r.Text,
		CreatedAt:     r.CreatedAt,
		State:         string(r.State),
		FlagReason:    r.FlagReason,
		RemoteVersion: r.RemoteVersion,
		SyncState:     string(r.SyncState),
		RejectReason:  r.RejectReason,
	}
	if r.Reply != nil {
		doc.Reply = &replyDocument{
			Text:       r.Reply.Text,
			AuthorName: r.Reply.AuthorName,
			RepliedAt:  r.Reply.RepliedAt,
			Edited:     r.Reply.Edited,
		}
	}
	return doc
}

func (d *reviewDocument) toDomainReview() *domain.Review {
	r := &domain.Review{
		VendorID:      d.VendorID,
		ReviewID:      d.ReviewID,
		CustomerID:    d.CustomerID,
		Rating:        d.Rating,
		Text:          d.Text,
		CreatedAt:     d.CreatedAt,
		State:         domain.ModerationState(d.State),
		FlagReason:    d.FlagReason,
		RemoteVersion: d.RemoteVersion,
		SyncState:     domain.SyncState(d.SyncState),
		RejectReason:  d.RejectReason,
	}
	if d.Reply != nil {
		r.Reply = &domain.Reply{
			Text:       d.Reply.Text,
			AuthorName: d.Reply.AuthorName,
			RepliedAt:  d.Reply.RepliedAt,
			Edited:     d.Reply.Edited,
		}
	}
	return r
}

func (d *aggregateDocument) toDomainAggregate() *domain.VendorAggregate {
	return &domain.VendorAggregate{
		VendorID:    d.VendorID,
		Count:       d.Count,
		SumRating:   d.SumRating,
		CountByStar: d.CountByStar,
		ComputedAt:  d.ComputedAt,
	}
}
