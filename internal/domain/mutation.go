package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MutationOp identifies a moderation action a vendor can take on a review.
type MutationOp string

const (
	OpReply       MutationOp = "reply"
	OpEditReply   MutationOp = "edit_reply"
	OpDeleteReply MutationOp = "delete_reply"
	OpFlag        MutationOp = "flag"
	OpSoftDelete  MutationOp = "soft_delete"
)

// IsValid checks if the MutationOp is one of the defined constants.
func (op MutationOp) IsValid() bool {
	switch op {
	case OpReply, OpEditReply, OpDeleteReply, OpFlag, OpSoftDelete:
		return true
	}
	return false
}

// AffectsAggregate reports whether the op can change the review's membership
// in the vendor aggregate. Flagged reviews keep counting, so only
// soft-delete qualifies.
func (op MutationOp) AffectsAggregate() bool {
	return op == OpSoftDelete
}

// Mutation is a single moderation action, applied optimistically to the
// local store and then pushed to the remote. BatchID groups mutations
// submitted together; batches never bypass per-row serialization.
type Mutation struct {
	ID       string
	BatchID  string
	VendorID string
	ReviewID string
	Op       MutationOp

	// Reply / edit payload.
	ReplyText  string
	AuthorName string

	// Flag payload.
	FlagReason string

	SubmittedAt time.Time
}

// NewMutation builds a mutation with a fresh ID, validating the payload for
// the given operation.
func NewMutation(vendorID, reviewID string, op MutationOp) (*Mutation, error) {
	if vendorID == "" || reviewID == "" {
		return nil, fmt.Errorf("%w: vendorID and reviewID are required", ErrInvalidInput)
	}
	if !op.IsValid() {
		return nil, fmt.Errorf("%w: unknown mutation op %q", ErrInvalidInput, op)
	}
	return &Mutation{
		ID:          uuid.NewString(),
		VendorID:    vendorID,
		ReviewID:    reviewID,
		Op:          op,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Validate checks the op-specific payload.
func (m *Mutation) Validate() error {
	switch m.Op {
	case OpReply, OpEditReply:
		if m.ReplyText == "" {
			return fmt.Errorf("%w: reply text cannot be empty", ErrInvalidInput)
		}
	case OpFlag:
		if m.FlagReason == "" {
			return fmt.Errorf("%w: flag reason cannot be empty", ErrInvalidInput)
		}
	case OpDeleteReply, OpSoftDelete:
		// No payload.
	default:
		return fmt.Errorf("%w: unknown mutation op %q", ErrInvalidInput, m.Op)
	}
	return nil
}

// Apply transforms a review in place according to the mutation. The pipeline
// calls this inside the store's transactional ApplyLocalMutation, so the
// transformation must stay pure over the given row.
func (m *Mutation) Apply(r *Review) error {
	switch m.Op {
	case OpReply:
		if r.Reply != nil {
			return fmt.Errorf("%w: review already has a reply, use edit", ErrInvalidInput)
		}
		r.Reply = &Reply{
			Text:       m.ReplyText,
			AuthorName: m.AuthorName,
			RepliedAt:  m.SubmittedAt,
		}
	case OpEditReply:
		if r.Reply == nil {
			return fmt.Errorf("%w: no reply to edit", ErrNotFound)
		}
		r.Reply.Text = m.ReplyText
		if m.AuthorName != "" {
			r.Reply.AuthorName = m.AuthorName
		}
		// Edited marks replies whose original was already pushed.
		r.Reply.Edited = true
	case OpDeleteReply:
		if r.Reply == nil {
			return fmt.Errorf("%w: no reply to delete", ErrNotFound)
		}
		r.Reply = nil
	case OpFlag:
		if r.State == ModerationSoftDeleted {
			return fmt.Errorf("%w: cannot flag a deleted review", ErrInvalidInput)
		}
		r.State = ModerationFlagged
		r.FlagReason = m.FlagReason
	case OpSoftDelete:
		r.State = ModerationSoftDeleted
		r.FlagReason = ""
	default:
		return fmt.Errorf("%w: unknown mutation op %q", ErrInvalidInput, m.Op)
	}
	return nil
}

// NewBatchID returns an identifier shared by all mutations of one batch.
func NewBatchID() string {
	return uuid.NewString()
}
