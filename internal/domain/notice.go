package domain

import "time"

// NoticeKind classifies a caller-visible notice.
type NoticeKind string

const (
	// NoticeConflict: a push lost to a newer remote version; the optimistic
	// edit was discarded and the remote row adopted.
	NoticeConflict NoticeKind = "conflict"
	// NoticeRejected: the remote refused a mutation; the row keeps the
	// optimistic content and is marked Rejected for retry or revert.
	NoticeRejected NoticeKind = "rejected"
	// NoticeSyncFailed: a sync cycle aborted on a fatal error.
	NoticeSyncFailed NoticeKind = "sync_failed"
	// NoticeSyncCompleted: a sync cycle finished and the cursor advanced.
	NoticeSyncCompleted NoticeKind = "sync_completed"
)

// Notice is a discrete, per-review or per-vendor event surfaced to the
// caller instead of an error return, since the operations that produce them
// are asynchronous. Transient failures are retried silently and never
// produce notices.
type Notice struct {
	Kind       NoticeKind
	VendorID   string
	ReviewID   string // empty for vendor-level notices
	Reason     string
	Mutation   *Mutation // the discarded or rejected mutation, when applicable
	OccurredAt time.Time
}
