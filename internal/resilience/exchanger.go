package resilience

import (
	"context"
	"errors"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/exchange"
)

// ExchangeRetryable classifies token exchange failures for retry purposes:
// only network-level failures and identity provider 5xx are transient. A
// rejection means the subject token itself is likely invalid, so retrying is
// pointless.
func ExchangeRetryable(err error) bool {
	var xerr *exchange.Error
	if errors.As(err, &xerr) {
		return xerr.Retryable()
	}
	return false
}

// ResilientExchanger wraps an exchanger with a resilience policy. It
// satisfies exchange.Exchanger, so it slots directly in front of the token
// source.
type ResilientExchanger struct {
	inner  exchange.Exchanger
	policy *Policy[*exchange.Grant]
}

// WrapExchanger applies the policy to every exchange call.
func WrapExchanger(inner exchange.Exchanger, policy *Policy[*exchange.Grant]) *ResilientExchanger {
	return &ResilientExchanger{inner: inner, policy: policy}
}

func (e *ResilientExchanger) Exchange(ctx context.Context, subjectToken, audience string) (*exchange.Grant, error) {
	return e.policy.Execute(ctx, func(ctx context.Context) (*exchange.Grant, error) {
		return e.inner.Exchange(ctx, subjectToken, audience)
	})
}
