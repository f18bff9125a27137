package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Identity is the validated caller identity derived from the inbound bearer
// token. It lives for the duration of a single request and is never persisted.
type Identity struct {
	// Subject is the caller's identity (sub claim).
	Subject string

	// TenantID is the tenant the caller belongs to. Derived from the
	// validated token only, never from request content.
	TenantID string

	// Roles is the caller's role set.
	Roles []string

	// ExpiresAt is the inbound token's expiry.
	ExpiresAt time.Time

	// Token is the raw bearer token string. Used as the subject token for
	// exchange and as a cache key input. Never log this value.
	Token string

	// TokenHash is a stable SHA-256 hash of the raw token, safe for cache
	// keys and log correlation.
	TokenHash string
}

// HashToken returns the hex-encoded SHA-256 hash of a token string.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// identityFromClaims builds an Identity from validated JWT claims.
//
// The signature, issuer, audience, and time-window checks have already been
// performed by the token handler; this only extracts what the gateway needs
// downstream.
func identityFromClaims(claims map[string]any, token, tenantClaim, rolesClaim string) (*Identity, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}

	tenant, ok := claims[tenantClaim].(string)
	if !ok || tenant == "" {
		return nil, fmt.Errorf("token missing %s claim", tenantClaim)
	}

	identity := &Identity{
		Subject:   sub,
		TenantID:  tenant,
		Roles:     extractRoles(claims, rolesClaim),
		Token:     token,
		TokenHash: HashToken(token),
	}

	if exp, ok := claims["exp"].(float64); ok {
		identity.ExpiresAt = time.Unix(int64(exp), 0)
	}

	return identity, nil
}

// extractRoles reads the role set from claims. Roles are optional; a caller
// with no roles gets an empty set, not an error.
func extractRoles(claims map[string]any, rolesClaim string) []string {
	raw, ok := claims[rolesClaim]
	if !ok {
		return []string{}
	}

	switch v := raw.(type) {
	case []any:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return v
	case string:
		if v == "" {
			return []string{}
		}
		return []string{v}
	default:
		return []string{}
	}
}
