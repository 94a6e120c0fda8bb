// Package natsgw implements the remote gateway over NATS request/reply, the
// transport the surrounding vendor application exposes for the canonical
// review store. Callers with a different transport inject their own
// domain.RemoteGateway instead.
package natsgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/platform/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Request subjects served by the canonical store bridge.
const (
	SubjectFetch = "review.remote.fetch"
	SubjectPush  = "review.remote.push"
)

// Gateway is a domain.RemoteGateway over NATS request/reply.
type Gateway struct {
	conn     *nats.Conn
	pageSize int32
	logger   *logger.Logger
}

// NewGateway wraps an existing NATS connection. pageSize bounds each fetch
// page; zero means the server default.
func NewGateway(conn *nats.Conn, pageSize int32, log *logger.Logger) *Gateway {
	return &Gateway{
		conn:     conn,
		pageSize: pageSize,
		logger:   log.Named("NATSGateway"),
	}
}

var _ domain.RemoteGateway = (*Gateway)(nil)

type wireReply struct {
	Text       string    `json:"text"`
	AuthorName string    `json:"author_name"`
	RepliedAt  time.Time `json:"replied_at"`
	Edited     bool      `json:"edited"`
}

type wireReview struct {
	VendorID      string     `json:"vendor_id"`
	ReviewID      string     `json:"review_id"`
	CustomerID    string     `json:"customer_id"`
	Rating        int32      `json:"rating"`
	Text          string     `json:"text"`
	CreatedAt     time.Time  `json:"created_at"`
	Reply         *wireReply `json:"reply,omitempty"`
	State         string     `json:"state"`
	FlagReason    string     `json:"flag_reason,omitempty"`
	RemoteVersion int64      `json:"remote_version"`
}

func (w *wireReview) toDomain() *domain.Review {
	r := &domain.Review{
		VendorID:      w.VendorID,
		ReviewID:      w.ReviewID,
		CustomerID:    w.CustomerID,
		Rating:        w.Rating,
		Text:          w.Text,
		CreatedAt:     w.CreatedAt,
		State:         domain.ModerationState(w.State),
		FlagReason:    w.FlagReason,
		RemoteVersion: w.RemoteVersion,
		SyncState:     domain.SyncStateSynced,
	}
	if w.Reply != nil {
		r.Reply = &domain.Reply{
			Text:       w.Reply.Text,
			AuthorName: w.Reply.AuthorName,
			RepliedAt:  w.Reply.RepliedAt,
			Edited:     w.Reply.Edited,
		}
	}
	return r
}

type fetchRequest struct {
	VendorID string `json:"vendor_id"`
	Cursor   string `json:"cursor,omitempty"`
	PageSize int32  `json:"page_size,omitempty"`
}

type fetchReply struct {
	Error      string        `json:"error,omitempty"` // "", "unavailable", "unauthorized"
	Reviews    []*wireReview `json:"reviews"`
	NextCursor string        `json:"next_cursor"`
}

// FetchChangedSince requests one page of remote changes.
func (g *Gateway) FetchChangedSince(ctx context.Context, vendorID, cursor string) (*domain.ChangePage, error) {
	req := fetchRequest{VendorID: vendorID, Cursor: cursor, PageSize: g.pageSize}

	var reply fetchReply
	if err := g.request(ctx, SubjectFetch, req, &reply); err != nil {
		return nil, err
	}
	if err := remoteError(reply.Error); err != nil {
		return nil, err
	}

	page := &domain.ChangePage{NextCursor: reply.NextCursor}
	for _, w := range reply.Reviews {
		page.Reviews = append(page.Reviews, w.toDomain())
	}
	return page, nil
}

type pushRequest struct {
	MutationID string `json:"mutation_id"`
	BatchID    string `json:"batch_id,omitempty"`
	VendorID   string `json:"vendor_id"`
	ReviewID   string `json:"review_id"`
	Op         string `json:"op"`
	ReplyText  string `json:"reply_text,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	FlagReason string `json:"flag_reason,omitempty"`
}

type pushReply struct {
	Error            string      `json:"error,omitempty"`
	Outcome          string      `json:"outcome"` // accepted | conflict | rejected
	NewRemoteVersion int64       `json:"new_remote_version,omitempty"`
	Latest           *wireReview `json:"latest,omitempty"`
	Reason           string      `json:"reason,omitempty"`
}

// PushMutation sends one moderation mutation and maps the reply onto the
// three-outcome contract.
func (g *Gateway) PushMutation(ctx context.Context, mutation *domain.Mutation) (*domain.PushResult, error) {
	req := pushRequest{
		MutationID: mutation.ID,
		BatchID:    mutation.BatchID,
		VendorID:   mutation.VendorID,
		ReviewID:   mutation.ReviewID,
		Op:         string(mutation.Op),
		ReplyText:  mutation.ReplyText,
		AuthorName: mutation.AuthorName,
		FlagReason: mutation.FlagReason,
	}

	var reply pushReply
	if err := g.request(ctx, SubjectPush, req, &reply); err != nil {
		return nil, err
	}
	if err := remoteError(reply.Error); err != nil {
		return nil, err
	}

	switch domain.PushOutcome(reply.Outcome) {
	case domain.PushAccepted:
		return &domain.PushResult{
			Outcome:          domain.PushAccepted,
			NewRemoteVersion: reply.NewRemoteVersion,
		}, nil
	case domain.PushConflict:
		if reply.Latest == nil {
			return nil, fmt.Errorf("%w: conflict reply without latest review", domain.ErrUnavailable)
		}
		return &domain.PushResult{
			Outcome: domain.PushConflict,
			Latest:  reply.Latest.toDomain(),
		}, nil
	case domain.PushRejected:
		return &domain.PushResult{
			Outcome: domain.PushRejected,
			Reason:  reply.Reason,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown push outcome %q", domain.ErrUnavailable, reply.Outcome)
}

func (g *Gateway) request(ctx context.Context, subject string, req, reply interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: marshal %s request: %v", domain.ErrInvalidInput, subject, err)
	}

	msg, err := g.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		g.logger.Warn("Remote request failed", zap.String("subject", subject), zap.Error(err))
		if errors.Is(err, context.Canceled) {
			return err
		}
		// No responders, timeouts and connection errors are all transient.
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	if err := json.Unmarshal(msg.Data, reply); err != nil {
		g.logger.Error("Failed to decode remote reply", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("%w: malformed reply: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func remoteError(code string) error {
	switch code {
	case "":
		return nil
	case "unauthorized":
		return domain.ErrUnauthorized
	default:
		return fmt.Errorf("%w: remote error %q", domain.ErrUnavailable, code)
	}
}
