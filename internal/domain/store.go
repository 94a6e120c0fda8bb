package domain

import "context"

// SyncOutcome resolves a PendingPush row. Built via SyncAccepted or
// SyncRejected; zero value is not meaningful.
type SyncOutcome struct {
	Accepted         bool
	NewRemoteVersion int64  // set when Accepted
	Reason           string // set when rejected
}

// SyncAccepted records a remote-confirmed push carrying the new version.
func SyncAccepted(newRemoteVersion int64) SyncOutcome {
	return SyncOutcome{Accepted: true, NewRemoteVersion: newRemoteVersion}
}

// SyncRejected records a server-side rejection with its reason.
func SyncRejected(reason string) SyncOutcome {
	return SyncOutcome{Accepted: false, Reason: reason}
}

// ChangeKind classifies a store change notification.
type ChangeKind string

const (
	ChangeUpsert        ChangeKind = "upsert"
	ChangeLocalMutation ChangeKind = "local_mutation"
	ChangeSyncResult    ChangeKind = "sync_result"
	ChangeAggregate     ChangeKind = "aggregate"
)

// ChangeEvent notifies subscribers that rows (or the aggregate) of a vendor
// changed. ReviewID is empty for aggregate recomputes.
type ChangeEvent struct {
	VendorID string
	ReviewID string
	Kind     ChangeKind
}

// ReviewStore is the persistent local table of reviews plus per-vendor
// aggregate and sync cursor. Mutations on the same (vendorID, reviewID) are
// serialized by the implementation; reads are snapshot-consistent.
type ReviewStore interface {
	// Upsert inserts the review, or replaces the stored row when the
	// incoming RemoteVersion is >= the stored one (last-writer-wins by
	// version). A lower version is a no-op. Reports whether the stored row
	// actually changed.
	Upsert(ctx context.Context, review *Review) (bool, error)

	// GetReview returns a copy of one row, or ErrNotFound.
	GetReview(ctx context.Context, vendorID, reviewID string) (*Review, error)

	// ApplyLocalMutation transactionally reads the row, applies fn to a
	// copy, marks it PendingPush and writes it back. The pre-mutation
	// snapshot is retained until the push resolves. ErrNotFound if absent.
	ApplyLocalMutation(ctx context.Context, vendorID, reviewID string, fn func(*Review) error) (*Review, error)

	// MarkSyncResult transitions PendingPush to Synced (adopting the
	// confirmed remote version, dropping the snapshot) or to Rejected
	// (keeping the optimistic content and the snapshot for inspection).
	MarkSyncResult(ctx context.Context, vendorID, reviewID string, outcome SyncOutcome) (*Review, error)

	// RevertRejected restores a Rejected row to its retained pre-mutation
	// snapshot and marks it Synced again.
	RevertRejected(ctx context.Context, vendorID, reviewID string) (*Review, error)

	// QueryVendor returns a snapshot of the vendor's rows ordered by
	// CreatedAt descending. Soft-deleted rows are included only on request.
	QueryVendor(ctx context.Context, vendorID string, includeDeleted bool) ([]*Review, error)

	// FindBySyncState returns the vendor's rows in the given sync state,
	// ordered by CreatedAt descending. Used for rejected-retry views.
	FindBySyncState(ctx context.Context, vendorID string, state SyncState) ([]*Review, error)

	// RecomputeAggregate rebuilds the vendor aggregate from countable rows
	// and swaps it in atomically with respect to Aggregate readers.
	RecomputeAggregate(ctx context.Context, vendorID string) (*VendorAggregate, error)

	// Aggregate returns the current aggregate snapshot. A vendor with no
	// recorded aggregate yet yields an empty one, not ErrNotFound.
	Aggregate(ctx context.Context, vendorID string) (*VendorAggregate, error)

	// Cursor returns the persisted sync cursor for the vendor; empty when
	// the vendor has never completed a cycle.
	Cursor(ctx context.Context, vendorID string) (string, error)

	// SetCursor persists the cursor. Called only after a full sync cycle.
	SetCursor(ctx context.Context, vendorID, cursor string) error

	// Changes subscribes to change notifications for one vendor. The
	// returned cancel func must be called to release the subscription.
	// Delivery is best-effort latest-wins: events may be coalesced for slow
	// consumers but a subscriber is always woken after the last change.
	Changes(vendorID string) (<-chan ChangeEvent, func())

	// Close releases the store. Subsequent calls fail with ErrStoreClosed.
	Close(ctx context.Context) error
}
