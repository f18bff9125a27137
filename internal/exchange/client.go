package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/config"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/telemetry"
)

// Grant is the result of a successful token exchange.
type Grant struct {
	// Token is the exchanged access token, scoped to the requested audience.
	Token string

	// ExpiresAt is the token's expiry as stated by the identity provider.
	ExpiresAt time.Time
}

// Exchanger performs a token exchange for a target audience.
type Exchanger interface {
	Exchange(ctx context.Context, subjectToken, audience string) (*Grant, error)
}

// tokenResponse is the identity provider's token endpoint response for a
// successful exchange (RFC 8693 section 2.2.1).
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope"`
}

// errorResponse is the token endpoint's error body (RFC 8693 section 2.2.2).
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Client executes the token-exchange protocol against the identity provider's
// token endpoint: subject token in, audience-scoped token out.
//
// The client performs a single call per Exchange invocation; retry, timeout,
// and circuit-breaking policy belong to the caller. Token values are never
// logged, only metadata (audience, outcome, latency).
type Client struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	metrics      *telemetry.GatewayMetrics
	now          func() time.Time
}

// NewClient creates a token exchange client from the gateway configuration.
func NewClient(cfg config.ExchangeConfig, httpClient *http.Client, metrics *telemetry.GatewayMetrics) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Exchange presents the subject token to the identity provider and returns a
// token scoped to the target audience.
//
// Failure classification: transport errors and 5xx responses are
// KindNetwork (transient), 4xx responses are KindRejected (the subject token
// itself is likely invalid), and unparseable success bodies are KindMalformed.
func (c *Client) Exchange(ctx context.Context, subjectToken, audience string) (*Grant, error) {
	form := url.Values{}
	form.Set("grant_type", string(oidc.GrantTypeTokenExchange))
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", string(oidc.AccessTokenType))
	form.Set("requested_token_type", string(oidc.AccessTokenType))
	form.Set("audience", audience)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Audience: audience, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordExchange(ctx, audience, KindNetwork.String(), c.now().Sub(start))
		return nil, &Error{Kind: KindNetwork, Audience: audience, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	elapsed := c.now().Sub(start)
	if err != nil {
		c.metrics.RecordExchange(ctx, audience, KindNetwork.String(), elapsed)
		return nil, &Error{Kind: KindNetwork, Audience: audience, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		c.metrics.RecordExchange(ctx, audience, KindNetwork.String(), elapsed)
		return nil, &Error{Kind: KindNetwork, Audience: audience,
			Err: fmt.Errorf("identity provider returned %d", resp.StatusCode)}

	case resp.StatusCode >= 400:
		var errResp errorResponse
		_ = json.Unmarshal(body, &errResp)
		c.metrics.RecordExchange(ctx, audience, KindRejected.String(), elapsed)
		log.Printf("token exchange rejected: audience=%s status=%d error=%s latency=%s",
			audience, resp.StatusCode, errResp.Error, elapsed)
		return nil, &Error{Kind: KindRejected, Audience: audience,
			Err: fmt.Errorf("identity provider returned %d: %s", resp.StatusCode, errResp.Error)}

	case resp.StatusCode != http.StatusOK:
		c.metrics.RecordExchange(ctx, audience, KindMalformed.String(), elapsed)
		return nil, &Error{Kind: KindMalformed, Audience: audience,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		c.metrics.RecordExchange(ctx, audience, KindMalformed.String(), elapsed)
		return nil, &Error{Kind: KindMalformed, Audience: audience, Err: fmt.Errorf("decode response: %w", err)}
	}
	if tokenResp.AccessToken == "" {
		c.metrics.RecordExchange(ctx, audience, KindMalformed.String(), elapsed)
		return nil, &Error{Kind: KindMalformed, Audience: audience, Err: fmt.Errorf("response missing access_token")}
	}

	expiresAt, err := c.grantExpiry(tokenResp)
	if err != nil {
		c.metrics.RecordExchange(ctx, audience, KindMalformed.String(), elapsed)
		return nil, &Error{Kind: KindMalformed, Audience: audience, Err: err}
	}

	c.metrics.RecordExchange(ctx, audience, "success", elapsed)
	log.Printf("token exchange succeeded: audience=%s latency=%s", audience, elapsed)

	return &Grant{Token: tokenResp.AccessToken, ExpiresAt: expiresAt}, nil
}

// grantExpiry determines the exchanged token's expiry. Prefers the stated
// expires_in lifetime; falls back to the token's own exp claim when the
// provider omits it. A token with no determinable expiry is unusable because
// the cache freshness invariant cannot be enforced for it.
func (c *Client) grantExpiry(resp tokenResponse) (time.Time, error) {
	if resp.ExpiresIn > 0 {
		return c.now().Add(time.Duration(resp.ExpiresIn) * time.Second), nil
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(resp.AccessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("response has no expires_in and token is not a parseable JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("response has no expires_in and token carries no exp claim")
	}
	return exp.Time, nil
}
