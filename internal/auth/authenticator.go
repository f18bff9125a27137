package auth

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/xenitab/go-oidc-middleware/oidctoken"
	"github.com/xenitab/go-oidc-middleware/options"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/config"
)

// Skipper defines a function to skip authentication for matching requests.
type Skipper func(*http.Request) bool

// ErrorResponder writes authentication failures to the response writer.
type ErrorResponder func(http.ResponseWriter, *http.Request, error)

type authenticatorOptions struct {
	skipper        Skipper
	errorResponder ErrorResponder
	tokenStrings   [][]options.TokenStringOption
}

// AuthenticatorOption customises the behaviour of the authentication middleware.
type AuthenticatorOption func(*authenticatorOptions)

// WithSkipper overrides the default skipper used by the authenticator.
func WithSkipper(skipper Skipper) AuthenticatorOption {
	return func(o *authenticatorOptions) {
		if skipper != nil {
			o.skipper = skipper
		}
	}
}

// WithErrorResponder overrides the default error responder used by the authenticator.
func WithErrorResponder(responder ErrorResponder) AuthenticatorOption {
	return func(o *authenticatorOptions) {
		if responder != nil {
			o.errorResponder = responder
		}
	}
}

// NewAuthenticator constructs a chi-compatible middleware that validates
// inbound bearer tokens against the identity provider's published keys.
//
// Checks performed by the underlying token handler, in order: signature
// against the provider's JWKS, issuer match, gateway-audience match, and the
// token's validity window. A token minted for another audience is rejected
// here even if otherwise well-formed.
//
// On success the validated Identity is stored on the request context. On any
// failure the error responder is invoked; the default responder returns a
// generic 401 with no indication of which check failed.
func NewAuthenticator(cfg *config.Config, opts ...AuthenticatorOption) (func(http.Handler) http.Handler, error) {
	if cfg.OIDC.Issuer == "" {
		return nil, errors.New("oidc issuer is required")
	}
	if cfg.OIDC.Audience == "" {
		return nil, errors.New("oidc audience is required")
	}

	tokenHandler, err := oidctoken.New[map[string]any](nil,
		options.WithIssuer(cfg.OIDC.Issuer),
		options.WithRequiredAudience(cfg.OIDC.Audience),
		options.WithLazyLoadJwks(true),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise oidc token handler: %w", err)
	}

	aOpts := authenticatorOptions{
		skipper:        defaultSkipper,
		errorResponder: defaultErrorResponder,
	}
	for _, opt := range opts {
		opt(&aOpts)
	}

	tokenStrings := make([][]options.TokenStringOption, 0, len(aOpts.tokenStrings)+1)
	tokenStrings = append(tokenStrings, aOpts.tokenStrings...)
	tokenStrings = append(tokenStrings, []options.TokenStringOption{}) // Default: Authorization header.

	tenantClaim := cfg.OIDC.TenantClaim
	if tenantClaim == "" {
		tenantClaim = "tid"
	}
	rolesClaim := cfg.OIDC.RolesClaim
	if rolesClaim == "" {
		rolesClaim = "roles"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if aOpts.skipper != nil && aOpts.skipper(r) {
				next.ServeHTTP(w, r)
				return
			}

			token, err := oidctoken.GetTokenString(r.Header.Get, tokenStrings)
			if err != nil || token == "" {
				aOpts.errorResponder(w, r, fmt.Errorf("unable to extract bearer token: %w", err))
				return
			}

			trimmedToken := strings.TrimSpace(token)

			claims, err := tokenHandler.ParseToken(r.Context(), trimmedToken)
			if err != nil {
				aOpts.errorResponder(w, r, fmt.Errorf("invalid token: %w", err))
				return
			}

			identity, err := identityFromClaims(claims, trimmedToken, tenantClaim, rolesClaim)
			if err != nil {
				aOpts.errorResponder(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}, nil
}

func defaultSkipper(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.Method == http.MethodOptions {
		return true
	}

	// Liveness bypasses authentication and token exchange entirely.
	return strings.HasPrefix(r.URL.Path, "/health")
}

// defaultErrorResponder returns a generic 401. The concrete failure reason is
// logged server-side only; leaking which check failed would aid token forging.
func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("authentication failed for %s %s: %v", r.Method, r.URL.Path, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"authentication failed"}`))
}
