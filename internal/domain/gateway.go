package domain

import "context"

// ChangePage is one page of remote changes. A page smaller than the
// requested page size means the cycle has drained all pending changes.
type ChangePage struct {
	Reviews    []*Review
	NextCursor string
}

// PushOutcome discriminates the three possible results of a push. The
// gateway contract guarantees every push resolves to exactly one of them.
type PushOutcome string

const (
	PushAccepted PushOutcome = "accepted"
	PushConflict PushOutcome = "conflict"
	PushRejected PushOutcome = "rejected"
)

// PushResult is the typed result of pushing a moderation mutation.
type PushResult struct {
	Outcome PushOutcome

	// NewRemoteVersion is set when Outcome == PushAccepted.
	NewRemoteVersion int64

	// Latest is the remote's current row when Outcome == PushConflict.
	Latest *Review

	// Reason is the server-side message when Outcome == PushRejected.
	Reason string
}

// RemoteGateway abstracts the canonical store. Implementations map transport
// failures to ErrUnavailable (transient) or ErrUnauthorized (fatal); any
// other error is treated as transient by the sync engine.
type RemoteGateway interface {
	// FetchChangedSince returns reviews changed since the cursor. An empty
	// cursor means from the beginning. Pagination is caller-driven.
	FetchChangedSince(ctx context.Context, vendorID, cursor string) (*ChangePage, error)

	// PushMutation sends one moderation mutation. It never silently drops a
	// mutation: on a nil error the result carries exactly one outcome.
	PushMutation(ctx context.Context, mutation *Mutation) (*PushResult, error)
}
