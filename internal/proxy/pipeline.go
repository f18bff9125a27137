// Package proxy implements the forwarding pipeline: it attaches the
// exchanged token to the outbound request, injects tenant and correlation
// headers, forwards to the resolved destination, and relays the response.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/auth"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/exchange"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/middleware"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/resilience"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/routes"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/telemetry"
)

// TenantHeader carries the tenant identifier to destination services. Always
// derived from the validated identity, never from inbound request content.
const TenantHeader = "X-Tenant-ID"

// hopHeaders are connection-scoped headers that must not be forwarded in
// either direction (RFC 9110 section 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// TokenSource produces audience-scoped tokens for outbound requests.
type TokenSource interface {
	Token(ctx context.Context, subjectToken, subjectHash, audience string) (string, error)
}

// Handler is the gateway's forwarding pipeline. Per request it resolves the
// destination, obtains the audience-scoped token (cache or exchange), rewrites
// the authorization header, and proxies the call under the destination's own
// resilience policy.
type Handler struct {
	resolver       *routes.Resolver
	tokens         TokenSource
	client         *http.Client
	forwardTimeout time.Duration
	policies       map[string]*resilience.Policy[*http.Response]
	metrics        *telemetry.GatewayMetrics
}

// NewHandler builds the pipeline. One forwarding policy is created per
// configured destination via policyFactory, so each destination has an
// independent circuit breaker and failure domain.
func NewHandler(
	resolver *routes.Resolver,
	tokens TokenSource,
	client *http.Client,
	forwardTimeout time.Duration,
	policyFactory func(destination string) *resilience.Policy[*http.Response],
	metrics *telemetry.GatewayMetrics,
) *Handler {
	if client == nil {
		client = &http.Client{
			// Redirects from destinations are relayed to the caller as-is.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	policies := make(map[string]*resilience.Policy[*http.Response])
	for _, route := range resolver.Routes() {
		policies[route.Name] = policyFactory(route.Name)
	}

	return &Handler{
		resolver:       resolver,
		tokens:         tokens,
		client:         client,
		forwardTimeout: forwardTimeout,
		policies:       policies,
		metrics:        metrics,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := middleware.CorrelationFromContext(r.Context())

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		// Authentication middleware is mounted in front of this handler;
		// reaching here without an identity is a wiring bug, not a caller error.
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	route, err := h.resolver.Resolve(r.URL.Path)
	if err != nil {
		log.Printf("no route for %s %s correlation_id=%s", r.Method, r.URL.Path, correlationID)
		writeError(w, http.StatusNotFound, "no route for destination")
		return
	}

	bearer := identity.Token
	if !route.Passthrough {
		bearer, err = h.tokens.Token(r.Context(), identity.Token, identity.TokenHash, route.Audience)
		if err != nil {
			status := exchangeStatus(err)
			log.Printf("token acquisition failed: destination=%s audience=%s status=%d correlation_id=%s err=%v",
				route.Name, route.Audience, status, correlationID, err)
			h.metrics.RecordRequest(r.Context(), route.Name, status, time.Since(start))
			writeError(w, status, "upstream authentication unavailable")
			return
		}
	}

	ctx := r.Context()
	if h.forwardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.forwardTimeout)
		defer cancel()
	}

	outbound, err := h.outboundRequest(ctx, r, route, bearer, identity.TenantID, correlationID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "bad gateway")
		return
	}

	policy := h.policies[route.Name]
	resp, err := policy.Execute(ctx, func(ctx context.Context) (*http.Response, error) {
		return h.client.Do(outbound.WithContext(ctx))
	})
	if err != nil {
		status := forwardStatus(err)
		log.Printf("forward failed: destination=%s status=%d correlation_id=%s err=%v",
			route.Name, status, correlationID, err)
		h.metrics.RecordRequest(r.Context(), route.Name, status, time.Since(start))
		writeForwardError(w, status)
		return
	}
	defer resp.Body.Close()

	h.relayResponse(w, resp, correlationID)
	h.metrics.RecordRequest(r.Context(), route.Name, resp.StatusCode, time.Since(start))
}

// outboundRequest clones the inbound request towards the destination:
// method, body, and query are preserved; the authorization header is replaced
// with the exchanged token; tenant and correlation headers are injected;
// hop-by-hop headers are dropped.
func (h *Handler) outboundRequest(
	ctx context.Context,
	r *http.Request,
	route *routes.Route,
	bearer, tenantID, correlationID string,
) (*http.Request, error) {
	target := *r.URL
	target.Scheme = route.Upstream.Scheme
	target.Host = route.Upstream.Host

	outbound, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}
	outbound.ContentLength = r.ContentLength

	outbound.Header = r.Header.Clone()
	outbound.Header.Del("Authorization")
	for _, header := range hopHeaders {
		outbound.Header.Del(header)
	}

	outbound.Header.Set("Authorization", "Bearer "+bearer)
	outbound.Header.Set(TenantHeader, tenantID)
	outbound.Header.Set(middleware.CorrelationHeader, correlationID)
	outbound.Host = route.Upstream.Host

	return outbound, nil
}

// relayResponse returns the destination's response unmodified apart from
// hop-by-hop headers, ensuring the correlation header is present even if the
// destination dropped it.
func (h *Handler) relayResponse(w http.ResponseWriter, resp *http.Response, correlationID string) {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	for _, header := range hopHeaders {
		w.Header().Del(header)
	}
	w.Header().Set(middleware.CorrelationHeader, correlationID)

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are gone; all we can do is drop the connection.
		log.Printf("relaying response body failed: %v", err)
	}
}

// exchangeStatus maps token acquisition failures to HTTP status codes: a
// rejection means the caller's token is no good (401); everything transient,
// including an open breaker, is 503.
func exchangeStatus(err error) int {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return http.StatusServiceUnavailable
	}
	var xerr *exchange.Error
	if errors.As(err, &xerr) && xerr.Kind == exchange.KindRejected {
		return http.StatusUnauthorized
	}
	return http.StatusServiceUnavailable
}

// forwardStatus maps proxied-call failures: open breaker is 503, a timeout
// towards the destination is 504, other network failures are 502.
func forwardStatus(err error) int {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeForwardError(w http.ResponseWriter, status int) {
	switch status {
	case http.StatusGatewayTimeout:
		writeError(w, status, "destination timed out")
	case http.StatusServiceUnavailable:
		writeError(w, status, "destination unavailable")
	default:
		writeError(w, status, "bad gateway")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
