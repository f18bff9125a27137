package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/auth"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/config"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/exchange"
	gwmiddleware "github.com/jesuscorral/beer-competition-saas-sub001/internal/middleware"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/proxy"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/resilience"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/routes"
)

// gatewayFixture stands up the whole stack against fakes: an identity
// provider serving discovery, JWKS, and the token-exchange endpoint, plus a
// destination service recording what it receives.
type gatewayFixture struct {
	gateway       *httptest.Server
	idp           *httptest.Server
	key           *rsa.PrivateKey
	exchangeCalls atomic.Int64

	destAuth        atomic.Value // string
	destTenant      atomic.Value // string
	destCorrelation atomic.Value // string
	destCalls       atomic.Int64
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := &gatewayFixture{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                f.idp.URL,
			"jwks_uri":                              f.idp.URL + "/jwks",
			"token_endpoint":                        f.idp.URL + "/token",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{{
				Key: &key.PublicKey, KeyID: "gw-test-key", Algorithm: "RS256", Use: "sig",
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.exchangeCalls.Add(1)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("subject_token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_request"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":      "exchanged-for-" + r.PostForm.Get("audience"),
			"issued_token_type": "urn:ietf:params:oauth:token-type:access_token",
			"token_type":        "Bearer",
			"expires_in":        600,
		})
	})
	f.idp = httptest.NewServer(mux)
	t.Cleanup(f.idp.Close)

	destination := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.destCalls.Add(1)
		f.destAuth.Store(r.Header.Get("Authorization"))
		f.destTenant.Store(r.Header.Get(proxy.TenantHeader))
		f.destCorrelation.Store(r.Header.Get(gwmiddleware.CorrelationHeader))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"entries":[]}`))
	}))
	t.Cleanup(destination.Close)

	upstream, err := url.Parse(destination.URL)
	require.NoError(t, err)
	resolver, err := routes.NewResolver([]routes.Route{
		{Name: "entries", Prefix: "/api/entries", Upstream: upstream, Audience: "entries-service"},
	})
	require.NoError(t, err)

	cfg := &config.Config{
		OIDC: config.OIDCConfig{
			Issuer:      f.idp.URL,
			Audience:    "competition-gateway",
			TenantClaim: "tid",
			RolesClaim:  "roles",
		},
		Exchange: config.ExchangeConfig{
			TokenURL:     f.idp.URL + "/token",
			ClientID:     "gateway",
			ClientSecret: "s3cret",
		},
	}

	cache, err := exchange.NewCache(100, 300*time.Second)
	require.NoError(t, err)

	exchangePolicy := resilience.NewPolicy[*exchange.Grant](resilience.Options{
		Name:                 "token-exchange",
		Timeout:              5 * time.Second,
		MaxRetries:           1,
		RetryInitialInterval: time.Millisecond,
		Retryable:            resilience.ExchangeRetryable,
		BreakerFailureRatio:  1.0,
		BreakerMinRequests:   1000,
		BreakerInterval:      time.Minute,
		BreakerCooldown:      time.Minute,
	})
	tokenSource := exchange.NewTokenSource(
		cache,
		resilience.WrapExchanger(exchange.NewClient(cfg.Exchange, nil, nil), exchangePolicy),
		nil,
	)

	authenticator, err := auth.NewAuthenticator(cfg)
	require.NoError(t, err)

	forwardPolicy := func(destination string) *resilience.Policy[*http.Response] {
		return resilience.NewPolicy[*http.Response](resilience.Options{
			Name:                "forward-" + destination,
			BreakerFailureRatio: 1.0,
			BreakerMinRequests:  1000,
			BreakerInterval:     time.Minute,
			BreakerCooldown:     time.Minute,
		})
	}

	router := NewRouter(RouterOptions{
		Authenticator: authenticator,
		Proxy:         proxy.NewHandler(resolver, tokenSource, nil, 5*time.Second, forwardPolicy, nil),
	})
	f.gateway = httptest.NewServer(router)
	t.Cleanup(f.gateway.Close)

	return f
}

func (f *gatewayFixture) mint(t *testing.T, audience string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   f.idp.URL,
		"aud":   audience,
		"sub":   "judge-17",
		"tid":   "brewfest-2026",
		"roles": []string{"judge"},
		// Unique per mint: RS256 signing is deterministic, so without this
		// two tokens minted within the same second are byte-identical.
		"jti":   uuid.NewString(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
		"exp":   time.Now().Add(10 * time.Minute).Unix(),
	})
	token.Header["kid"] = "gw-test-key"
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *gatewayFixture) do(t *testing.T, bearer, correlation string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.gateway.URL+"/api/entries", nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if correlation != "" {
		req.Header.Set(gwmiddleware.CorrelationHeader, correlation)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGateway_EndToEnd(t *testing.T) {
	f := newGatewayFixture(t)
	inbound := f.mint(t, "competition-gateway")

	// First request: authenticate, exchange, forward.
	resp := f.do(t, inbound, "corr-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), f.exchangeCalls.Load())
	assert.Equal(t, "Bearer exchanged-for-entries-service", f.destAuth.Load(),
		"destination must receive the exchanged token, not the inbound one")
	assert.Equal(t, "brewfest-2026", f.destTenant.Load())
	assert.Equal(t, "corr-1", f.destCorrelation.Load())
	assert.Equal(t, "corr-1", resp.Header.Get(gwmiddleware.CorrelationHeader))

	// Second request with the same inbound token: the 600s grant is well
	// outside the 300s refresh buffer, so the cache serves it.
	resp = f.do(t, inbound, "corr-2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), f.exchangeCalls.Load(), "second request must be a cache hit")
	assert.Equal(t, int64(2), f.destCalls.Load())
	assert.Equal(t, "corr-2", resp.Header.Get(gwmiddleware.CorrelationHeader))

	// A different inbound token for the same user is a different cache key.
	resp = f.do(t, f.mint(t, "competition-gateway"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), f.exchangeCalls.Load())
}

func TestGateway_FailFastBeforeExchange(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, f.mint(t, "entries-service"), "") // wrong audience
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, int64(0), f.exchangeCalls.Load(),
		"rejected requests must not reach the token endpoint")
	assert.Equal(t, int64(0), f.destCalls.Load(),
		"rejected requests must not reach the destination")
}
