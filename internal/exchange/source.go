package exchange

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/telemetry"
)

// TokenSource produces audience-scoped tokens, consulting the cache first and
// collapsing concurrent misses for the same (subject, audience) pair into a
// single exchange call. All waiters receive the result of that one call.
type TokenSource struct {
	cache     *Cache
	exchanger Exchanger
	metrics   *telemetry.GatewayMetrics
	group     singleflight.Group
}

// NewTokenSource creates a token source backed by the given cache and
// exchanger. The exchanger is expected to already carry the resilience policy
// (timeout, retry, circuit breaker).
func NewTokenSource(cache *Cache, exchanger Exchanger, metrics *telemetry.GatewayMetrics) *TokenSource {
	return &TokenSource{
		cache:     cache,
		exchanger: exchanger,
		metrics:   metrics,
	}
}

// Token returns a token scoped to the target audience for the given subject
// token.
//
// The exchange runs detached from the caller's cancellation: a waiter
// abandoning the request must not kill the flight other waiters share, and a
// completed exchange is always cached. Each waiter still honours its own
// context while waiting. The exchanger's own timeout bounds the detached call.
func (s *TokenSource) Token(ctx context.Context, subjectToken, subjectHash, audience string) (string, error) {
	if token, ok := s.cache.Get(subjectHash, audience); ok {
		s.metrics.RecordCacheHit(ctx, audience)
		return token, nil
	}
	s.metrics.RecordCacheMiss(ctx, audience)

	key := cacheKey(subjectHash, audience)
	ch := s.group.DoChan(key, func() (any, error) {
		// Re-check: a flight that completed between our miss and this point
		// has already populated the cache.
		if token, ok := s.cache.Get(subjectHash, audience); ok {
			return token, nil
		}

		grant, err := s.exchanger.Exchange(context.WithoutCancel(ctx), subjectToken, audience)
		if err != nil {
			return nil, err
		}

		s.cache.Put(subjectHash, audience, grant.Token, grant.ExpiresAt)
		return grant.Token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
