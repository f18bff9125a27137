// Package middleware holds the gateway's chi-compatible HTTP middleware.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader is the header carrying the correlation identifier across
// all hops of a logical request.
const CorrelationHeader = "X-Correlation-ID"

type correlationContextKey struct{}

var defaultCorrelationContextKey = correlationContextKey{}

// Correlation preserves an inbound X-Correlation-ID verbatim, or generates
// one when absent, stores it on the request context, and sets it on the
// response up front so it survives any error path and any destination that
// drops it.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		w.Header().Set(CorrelationHeader, correlationID)

		ctx := context.WithValue(r.Context(), defaultCorrelationContextKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationFromContext returns the correlation identifier stored on the
// request context. Returns the empty string outside the middleware.
func CorrelationFromContext(ctx context.Context) string {
	correlationID, _ := ctx.Value(defaultCorrelationContextKey).(string)
	return correlationID
}
