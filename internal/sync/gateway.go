// Package sync pulls remote review changes into the local store, reconciles
// them by remote version and keeps vendor aggregates current.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/vendorhub/review-engine/internal/domain"
	"github.com/vendorhub/review-engine/internal/platform/logger"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerGateway wraps a RemoteGateway with circuit breakers so a flapping
// remote fails fast instead of stalling every cycle in timeouts. An open
// breaker surfaces as ErrUnavailable, which the retry path already handles.
type BreakerGateway struct {
	inner domain.RemoteGateway
	fetch *gobreaker.CircuitBreaker[*domain.ChangePage]
	push  *gobreaker.CircuitBreaker[*domain.PushResult]
}

// NewBreakerGateway wraps the gateway. Breakers trip after five consecutive
// transport failures; auth failures are not availability failures and do not
// count against the breaker.
func NewBreakerGateway(inner domain.RemoteGateway, log *logger.Logger) *BreakerGateway {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name: name,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, domain.ErrUnauthorized)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Remote gateway breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}
	}

	return &BreakerGateway{
		inner: inner,
		fetch: gobreaker.NewCircuitBreaker[*domain.ChangePage](settings("remote-fetch")),
		push:  gobreaker.NewCircuitBreaker[*domain.PushResult](settings("remote-push")),
	}
}

var _ domain.RemoteGateway = (*BreakerGateway)(nil)

// FetchChangedSince delegates through the fetch breaker.
func (g *BreakerGateway) FetchChangedSince(ctx context.Context, vendorID, cursor string) (*domain.ChangePage, error) {
	page, err := g.fetch.Execute(func() (*domain.ChangePage, error) {
		return g.inner.FetchChangedSince(ctx, vendorID, cursor)
	})
	return page, mapBreakerErr(err)
}

// PushMutation delegates through the push breaker.
func (g *BreakerGateway) PushMutation(ctx context.Context, mutation *domain.Mutation) (*domain.PushResult, error) {
	result, err := g.push.Execute(func() (*domain.PushResult, error) {
		return g.inner.PushMutation(ctx, mutation)
	})
	return result, mapBreakerErr(err)
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return err
}
